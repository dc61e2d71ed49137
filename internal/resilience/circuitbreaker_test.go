package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// manualClock is advanced explicitly by tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type transition struct{ from, to State }

func newTestBreaker(clock *manualClock, cfg CircuitBreakerConfig) (*CircuitBreaker, *[]transition) {
	var seen []transition
	cfg.Name = "stt/test"
	cfg.Now = clock.Now
	cfg.Logger = slog.New(slog.DiscardHandler)
	cfg.OnStateChange = func(name string, from, to State) {
		if name != "stt/test" {
			panic("unexpected breaker name " + name)
		}
		seen = append(seen, transition{from, to})
	}
	return NewCircuitBreaker(cfg), &seen
}

func fail(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errTest })
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm/openai"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	if cb.Name() != "llm/openai" || cb.State() != StateClosed {
		t.Errorf("name %q state %v", cb.Name(), cb.State())
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := newManualClock()
	cb, seen := newTestBreaker(clock, CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Minute})

	fail(cb, 2)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	fail(cb, 2)
	if cb.State() != StateClosed {
		t.Fatal("a success in between must reset the failure count")
	}
	fail(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("Execute while open = %v (called %v), want ErrCircuitOpen", err, called)
	}
	if len(*seen) != 1 || (*seen)[0] != (transition{StateClosed, StateOpen}) {
		t.Errorf("transitions = %v", *seen)
	}
}

func TestCircuitBreaker_HalfOpenCloses(t *testing.T) {
	clock := newManualClock()
	cb, seen := newTestBreaker(clock, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 2})
	fail(cb, 1)

	clock.Advance(59 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v before cool-down elapsed", cb.State())
	}
	clock.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	for i := range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("trial %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	want := []transition{{StateClosed, StateOpen}, {StateOpen, StateHalfOpen}, {StateHalfOpen, StateClosed}}
	if fmt.Sprint(*seen) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", *seen, want)
	}
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	clock := newManualClock()
	cb, _ := newTestBreaker(clock, CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute})
	fail(cb, 2)
	clock.Advance(time.Minute)

	if err := cb.Execute(func() error { return errTest }); !errors.Is(err, errTest) {
		t.Fatalf("trial = %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	// The cool-down restarts at the failed trial call.
	clock.Advance(30 * time.Second)
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open until the new cool-down elapses", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLimitsTrials(t *testing.T) {
	clock := newManualClock()
	cb, _ := newTestBreaker(clock, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 2})
	fail(cb, 1)
	clock.Advance(time.Second)

	done1, err := cb.Allow()
	if err != nil {
		t.Fatal(err)
	}
	done2, err := cb.Allow()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("third trial = %v, want ErrCircuitOpen", err)
	}

	done1(nil)
	done1(errTest) // second call is ignored
	done2(nil)
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_IgnoredErrors(t *testing.T) {
	clock := newManualClock()
	errRejected := errors.New("rejected")
	cb, _ := newTestBreaker(clock, CircuitBreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errRejected) },
	})

	_ = cb.Execute(func() error { return context.Canceled })
	_ = cb.Execute(func() error { return fmt.Errorf("wrapped: %w", errRejected) })
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, cancellation and rejections must not count", cb.State())
	}
	fail(cb, 1)
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_LateOutcomeIgnored(t *testing.T) {
	clock := newManualClock()
	cb, _ := newTestBreaker(clock, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})

	slow, err := cb.Allow()
	if err != nil {
		t.Fatal(err)
	}
	fail(cb, 1)
	clock.Advance(time.Minute)
	// The slow call was admitted while closed; its failure must not reopen
	// the breaker or restart the cool-down.
	slow(errTest)
	if cb.State() != StateHalfOpen {
		t.Errorf("state = %v, want half-open", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := newManualClock()
	cb, seen := newTestBreaker(clock, CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	fail(cb, 2)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
	fail(cb, 1)
	if cb.State() != StateClosed {
		t.Error("reset must clear the failure count")
	}
	if len(*seen) != 2 {
		t.Errorf("transitions = %v", *seen)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
