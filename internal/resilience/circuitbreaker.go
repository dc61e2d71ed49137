// Package resilience keeps a session usable when a speech or language
// provider degrades.
//
// Every configured provider sits behind a [CircuitBreaker]. A breaker opens
// after consecutive failures, rejects calls while a provider cools down, and
// lets a few trial calls through before trusting it again. [FallbackGroup]
// orders a primary and its fallbacks and skips entries whose breaker is open;
// [STTFallback], [LLMFallback] and [TTSFallback] expose a group as a regular
// provider so sessions never see the failover.
//
// Only opening a stream is protected. Once a stream is handed out, its errors
// belong to the stage that reads it.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until the cool-down has elapsed.
	StateOpen

	// StateHalfOpen admits a bounded number of trial calls.
	StateHalfOpen
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select the
// defaults noted on each field.
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks, e.g. "stt/deepgram".
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down before trying the provider again. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful trial calls needed to close again,
	// and the number of trial calls admitted at once. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the provider.
	// Context cancellation never counts. Default: every other error counts.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition. It must not
	// call back into the breaker.
	OnStateChange func(name string, from, to State)

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// CircuitBreaker is a three-state breaker (closed, open, half-open).
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // trial calls admitted and not yet finished
	trialsOK int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults()}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow admits one call. On success the caller must invoke done exactly once
// with the call's outcome. While the breaker rejects calls it returns
// [ErrCircuitOpen] and a nil done.
func (cb *CircuitBreaker) Allow() (done func(error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return nil, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	trial := cb.state == StateHalfOpen
	if trial {
		if cb.inFlight >= cb.cfg.HalfOpenMax {
			return nil, ErrCircuitOpen
		}
		cb.inFlight++
	}

	var once sync.Once
	return func(err error) {
		once.Do(func() { cb.finish(trial, err) })
	}, nil
}

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

func (cb *CircuitBreaker) finish(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.inFlight--
	}
	// Outcomes of calls admitted in an earlier state are ignored.
	if trial && cb.state != StateHalfOpen || !trial && cb.state != StateClosed {
		return
	}

	if !cb.counts(err) {
		if err == nil {
			cb.succeed(trial)
		}
		return
	}

	if trial {
		cb.open()
		return
	}
	cb.failures++
	if cb.failures >= cb.cfg.MaxFailures {
		cb.open()
	}
}

func (cb *CircuitBreaker) succeed(trial bool) {
	if !trial {
		cb.failures = 0
		return
	}
	cb.trialsOK++
	if cb.trialsOK >= cb.cfg.HalfOpenMax {
		cb.failures = 0
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) counts(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if cb.cfg.IsFailure != nil {
		return cb.cfg.IsFailure(err)
	}
	return true
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.cfg.Now()
	cb.transition(StateOpen)
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.trialsOK = 0

	log := cb.cfg.Logger.With("breaker", cb.cfg.Name, "from", from, "to", to)
	if to == StateOpen {
		log.Warn("circuit breaker opened", "consecutive_failures", cb.failures)
	} else {
		log.Info("circuit breaker state changed")
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.transition(StateClosed)
}
