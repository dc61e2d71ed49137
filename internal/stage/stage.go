// Package stage wraps the external transcription, response and synthesis
// services behind a uniform per-turn contract.
//
// Each stage runs in its own goroutine and reports progress by posting
// [Event] values to its owner, the session event loop. A stage is controlled
// through its [Handle]: the owner is the only party that cancels it, and a
// cancelled handle never posts again. Completion and failure are terminal and
// reported exactly once.
package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// Kind identifies a pipeline stage.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindResponse      Kind = "response"
	KindSynthesis     Kind = "synthesis"
)

// Status is the lifecycle state of a [Handle].
type Status int

const (
	StatusOpen Status = iota
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusOpen
}

// EventType distinguishes stage events.
type EventType int

const (
	// EventPartial carries a revisable transcript.
	EventPartial EventType = iota

	// EventFragment carries one sentence or clause of the response.
	EventFragment

	// EventStarted reports that the first synthesised frame was queued.
	EventStarted

	// EventComplete is the terminal success event. For transcription Text is
	// the final transcript; for response Text is the full reply and Usage the
	// token accounting, if reported.
	EventComplete

	// EventFailed is the terminal failure event. Err is set.
	EventFailed
)

// String returns the name of the event type.
func (t EventType) String() string {
	switch t {
	case EventPartial:
		return "partial"
	case EventFragment:
		return "fragment"
	case EventStarted:
		return "started"
	case EventComplete:
		return "complete"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is posted by a stage to its owner.
type Event struct {
	// Handle identifies the emitting stage instance.
	Handle *Handle

	// Seq numbers the events of one handle, starting at 1, without gaps.
	Seq uint64

	Type  EventType
	Text  string
	Usage *llm.Usage
	Err   *Error
}

// Terminal reports whether e ends its handle.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventFailed
}

// Poster delivers an event to the owner. It must give up and return false
// once ctx is done.
type Poster func(ctx context.Context, ev Event) bool

// Handle is the owner's grip on one running stage instance for one turn. It
// carries the stage's cancellation context and its terminal status.
//
// All methods are safe for concurrent use.
type Handle struct {
	kind   Kind
	turnID string
	opened time.Time

	ctx    context.Context
	cancel context.CancelFunc
	post   Poster

	mu     sync.Mutex
	status Status
	err    *Error
	seq    uint64
	done   chan struct{}
}

// NewHandle creates an open handle whose context derives from parent.
func NewHandle(parent context.Context, kind Kind, turnID string, post Poster) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		kind:   kind,
		turnID: turnID,
		opened: time.Now(),
		ctx:    ctx,
		cancel: cancel,
		post:   post,
		done:   make(chan struct{}),
	}
}

// Kind returns the stage this handle controls.
func (h *Handle) Kind() Kind { return h.kind }

// TurnID returns the turn the stage works for.
func (h *Handle) TurnID() string { return h.turnID }

// Opened returns when the handle was created.
func (h *Handle) Opened() time.Time { return h.opened }

// Context returns the stage's cancellation context.
func (h *Handle) Context() context.Context { return h.ctx }

// Done is closed once the handle reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the failure of a failed handle, or nil.
func (h *Handle) Err() *Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel stops the stage. It reports whether the handle was still open;
// cancelling a terminal handle only releases its context.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	open := h.status == StatusOpen
	if open {
		h.status = StatusCancelled
		close(h.done)
	}
	h.mu.Unlock()
	h.cancel()
	return open
}

// emit posts a non-terminal event. It reports false if the handle is no
// longer open or the owner stopped listening.
func (h *Handle) emit(ev Event) bool {
	h.mu.Lock()
	if h.status != StatusOpen {
		h.mu.Unlock()
		return false
	}
	h.seq++
	ev.Seq = h.seq
	ev.Handle = h
	h.mu.Unlock()
	return h.post(h.ctx, ev)
}

// finish moves the handle to its terminal state and posts ev.
func (h *Handle) finish(ev Event) bool {
	h.mu.Lock()
	if h.status != StatusOpen {
		h.mu.Unlock()
		return false
	}
	if ev.Type == EventFailed {
		h.status = StatusFailed
		h.err = ev.Err
	} else {
		h.status = StatusCompleted
	}
	h.seq++
	ev.Seq = h.seq
	ev.Handle = h
	close(h.done)
	h.mu.Unlock()
	return h.post(h.ctx, ev)
}

func (h *Handle) complete(text string, usage *llm.Usage) bool {
	return h.finish(Event{Type: EventComplete, Text: text, Usage: usage})
}

func (h *Handle) fail(err *Error) bool {
	return h.finish(Event{Type: EventFailed, Err: err})
}

// cancelled reports whether the owner cancelled the handle.
func (h *Handle) cancelled() bool {
	return h.Status() == StatusCancelled
}

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int

	// InitialBackoff and MaxBackoff shape the exponential delay between
	// attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns three attempts starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

func (p RetryPolicy) options(notify backoff.Notify) []backoff.RetryOption {
	bo := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		bo.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		bo.MaxInterval = p.MaxBackoff
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(max(p.MaxAttempts, 1))),
		backoff.WithNotify(notify),
	}
}

// guard cancels a stage attempt with a deadline cause unless the returned
// stop function is called within d. A non-positive d never fires.
func guard(d time.Duration, cancel context.CancelCauseFunc, op string) (stop func() bool) {
	if d <= 0 {
		return func() bool { return true }
	}
	t := time.AfterFunc(d, func() {
		cancel(fmt.Errorf("%s: %w", op, context.DeadlineExceeded))
	})
	return t.Stop
}

// causeOf prefers the cancellation cause of ctx over the error an operation
// returned after ctx was cancelled.
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if c := context.Cause(ctx); c != nil {
			return c
		}
	}
	return err
}
