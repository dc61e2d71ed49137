package resilience

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

// newTestGroup returns a group of named entries whose breakers share clock.
func newTestGroup(clock *manualClock, maxFailures int, names ...string) *FallbackGroup[string] {
	g := NewFallbackGroup(names[0], names[0], FallbackConfig{
		Kind: "stt",
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  maxFailures,
			ResetTimeout: time.Minute,
			HalfOpenMax:  1,
			Now:          clock.Now,
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	for _, n := range names[1:] {
		g.AddFallback(n, n)
	}
	return g
}

// failing returns a call that fails for the named entries and records the try
// order.
func failing(tried *[]string, down ...string) func(string) (string, error) {
	return func(v string) (string, error) {
		*tried = append(*tried, v)
		for _, d := range down {
			if v == d {
				return "", errors.New(v + " down")
			}
		}
		return "served by " + v, nil
	}
}

func TestCall_TriesInOrder(t *testing.T) {
	tests := []struct {
		name      string
		down      []string
		want      string
		wantTried []string
		wantErr   bool
	}{
		{name: "primary serves", want: "served by deepgram", wantTried: []string{"deepgram"}},
		{name: "first fallback", down: []string{"deepgram"}, want: "served by whisper", wantTried: []string{"deepgram", "whisper"}},
		{name: "last fallback", down: []string{"deepgram", "whisper"}, want: "served by local", wantTried: []string{"deepgram", "whisper", "local"}},
		{name: "all down", down: []string{"deepgram", "whisper", "local"}, wantTried: []string{"deepgram", "whisper", "local"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGroup(newManualClock(), 3, "deepgram", "whisper", "local")
			var tried []string
			got, err := Call(context.Background(), g, failing(&tried, tt.down...))
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
			} else if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %q, want %q", got, tt.want)
			}
			if len(tried) != len(tt.wantTried) {
				t.Fatalf("tried = %v, want %v", tried, tt.wantTried)
			}
			for i := range tried {
				if tried[i] != tt.wantTried[i] {
					t.Fatalf("tried = %v, want %v", tried, tt.wantTried)
				}
			}
		})
	}
}

func TestCall_WrapsLastProviderError(t *testing.T) {
	errVoice := errors.New("voice not found")
	g := newTestGroup(newManualClock(), 3, "a", "b")

	_, err := Call(context.Background(), g, func(v string) (int, error) {
		if v == "a" {
			return 0, errTest
		}
		return 0, errVoice
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errVoice) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the last provider error", err)
	}
}

func TestCall_StopsOnCancel(t *testing.T) {
	g := newTestGroup(newManualClock(), 3, "a", "b")
	ctx, cancel := context.WithCancel(context.Background())

	var tried []string
	_, err := Call(ctx, g, func(v string) (int, error) {
		tried = append(tried, v)
		cancel()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, want only the primary", tried)
	}
	if g.States()["a"] != StateClosed {
		t.Error("cancellation counted against the primary")
	}
}

func TestFallbackGroup_SkipsOpenEntry(t *testing.T) {
	clock := newManualClock()
	g := newTestGroup(clock, 2, "deepgram", "whisper")

	var tried []string
	for range 2 {
		_, _ = Call(context.Background(), g, failing(&tried, "deepgram"))
	}
	if g.States()["deepgram"] != StateOpen {
		t.Fatalf("states = %v, want deepgram open", g.States())
	}

	tried = nil
	if err := g.Execute(context.Background(), func(v string) error {
		tried = append(tried, v)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(tried) != 1 || tried[0] != "whisper" {
		t.Fatalf("tried = %v, want the open primary skipped", tried)
	}

	// After the cool-down the primary is tried again and serves.
	clock.Advance(time.Minute)
	tried = nil
	got, err := Call(context.Background(), g, failing(&tried))
	if err != nil || got != "served by deepgram" {
		t.Fatalf("Call = %q, %v", got, err)
	}
	if g.States()["deepgram"] != StateClosed {
		t.Errorf("states = %v, want deepgram closed after a good trial call", g.States())
	}
}

func TestFallbackGroup_AllOpen(t *testing.T) {
	g := newTestGroup(newManualClock(), 1, "a", "b")
	if !g.Available() {
		t.Fatal("fresh group reports unavailable")
	}

	var tried []string
	_, _ = Call(context.Background(), g, failing(&tried, "a", "b"))
	if g.Available() {
		t.Fatalf("states = %v, want nothing available", g.States())
	}

	_, err := Call(context.Background(), g, failing(&tried))
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrAllFailed wrapping ErrCircuitOpen", err)
	}
}

func TestFallbackGroup_BreakerNames(t *testing.T) {
	var opened []string
	g := NewFallbackGroup("a", "deepgram", FallbackConfig{
		Kind: "stt",
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures: 1,
			OnStateChange: func(name string, _, to State) {
				if to == StateOpen {
					opened = append(opened, name)
				}
			},
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	g.AddFallback("whisper", "b")

	if got := g.Names(); len(got) != 2 || got[0] != "deepgram" || got[1] != "whisper" {
		t.Errorf("Names = %v", got)
	}
	if g.Primary() != "a" {
		t.Errorf("Primary = %q", g.Primary())
	}

	_ = g.Execute(context.Background(), func(string) error { return errTest })
	if len(opened) != 2 || opened[0] != "stt/deepgram" || opened[1] != "stt/whisper" {
		t.Errorf("opened = %v", opened)
	}
}
