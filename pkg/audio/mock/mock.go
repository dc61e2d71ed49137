// Package mock provides an in-memory [audio.Sink] for use in unit tests.
//
// The sink records every frame it receives so that tests can assert on order
// and count. An optional per-write delay simulates a slow listener, and Err
// makes writes fail as a dropped connection would.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

// Sink is a mock implementation of [audio.Sink]. Set the exported fields
// before use; inspect Frames after.
type Sink struct {
	mu sync.Mutex

	// Delay is slept inside every WriteFrame call.
	Delay time.Duration

	// Err, when non-nil, is returned by WriteFrame and the frame is not recorded.
	Err error

	frames []audio.AudioFrame
	notify chan struct{}
}

// WriteFrame implements [audio.Sink].
func (s *Sink) WriteFrame(ctx context.Context, frame audio.AudioFrame) error {
	s.mu.Lock()
	delay, err := s.Delay, s.Err
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.frames = append(s.frames, frame)
	ch := s.notify
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// SetErr changes the error returned by subsequent writes.
func (s *Sink) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Frames returns a copy of all recorded frames in arrival order.
func (s *Sink) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.AudioFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Len returns the number of recorded frames.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// WaitFor blocks until at least n frames were recorded or ctx is done. It
// reports whether the count was reached.
func (s *Sink) WaitFor(ctx context.Context, n int) bool {
	s.mu.Lock()
	if s.notify == nil {
		s.notify = make(chan struct{}, 1)
	}
	ch := s.notify
	s.mu.Unlock()

	for {
		if s.Len() >= n {
			return true
		}
		select {
		case <-ctx.Done():
			return s.Len() >= n
		case <-ch:
		case <-time.After(5 * time.Millisecond):
		}
	}
}

var _ audio.Sink = (*Sink)(nil)
