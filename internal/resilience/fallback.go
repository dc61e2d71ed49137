package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] could serve a
// call. It wraps the last provider error.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// Kind prefixes breaker names, e.g. "stt" gives "stt/deepgram".
	Kind string

	// CircuitBreaker is the template for every entry's breaker. Its Name is
	// replaced per entry.
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover logs. Default: slog.Default().
	Logger *slog.Logger
}

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary provider and its fallbacks in the order they
// are tried. Entries are added before the group is shared.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	log     *slog.Logger
	entries []entry[T]
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CircuitBreaker.Logger == nil {
		cfg.CircuitBreaker.Logger = cfg.Logger
	}
	g := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger.With("kind", cfg.Kind)}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a provider tried after every earlier entry.
func (g *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	if g.cfg.Kind != "" {
		bc.Name = g.cfg.Kind + "/" + name
	}
	g.entries = append(g.entries, entry[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names returns the entry names in try order.
func (g *FallbackGroup[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Primary returns the first entry.
func (g *FallbackGroup[T]) Primary() T { return g.entries[0].value }

// Available reports whether at least one entry would admit a call.
func (g *FallbackGroup[T]) Available() bool {
	for _, e := range g.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// States returns the breaker state of every entry keyed by entry name.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.entries))
	for _, e := range g.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Execute calls fn with each entry in turn until one succeeds.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := Call(ctx, g, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// Call is Execute for calls that return a value.
//
// Entries whose breaker is open are skipped. A cancelled ctx stops the walk
// and is returned as is, since it says nothing about the providers. When every
// entry fails the error wraps [ErrAllFailed] and the last provider error, so
// provider sentinels remain visible to errors.Is.
func Call[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		e := &g.entries[i]
		done, err := e.breaker.Allow()
		if err != nil {
			g.log.Debug("provider skipped, circuit open", "provider", e.name)
			lastErr = fmt.Errorf("%s: %w", e.name, err)
			continue
		}
		res, err := fn(e.value)
		done(err)
		if err == nil {
			if i > 0 {
				g.log.Info("served by fallback provider", "provider", e.name, "position", i)
			}
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, err
		}
		g.log.Warn("provider failed, trying next", "provider", e.name, "err", err)
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
