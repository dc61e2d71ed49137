package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// ErrProtocolViolation marks an adapter that broke its stream contract, for
// example by emitting output after its final result. The stage instance is
// discarded; the next turn opens a fresh one.
var ErrProtocolViolation = errors.New("stage: protocol violation")

// ErrorKind separates retryable from turn-ending failures.
type ErrorKind int

const (
	// Transient errors (dropped connections, 5xx, rate limits) may succeed on
	// retry.
	Transient ErrorKind = iota

	// Terminal errors end the turn. They are recorded with a reason code.
	Terminal
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	if k == Terminal {
		return "terminal"
	}
	return "transient"
}

// Reason codes recorded on abandoned turns.
const (
	ReasonRejected          = "rejected"
	ReasonTimeout           = "timeout"
	ReasonRetriesExhausted  = "retries_exhausted"
	ReasonProtocolViolation = "protocol_violation"
	ReasonProviderError     = "provider_error"
	ReasonCancelled         = "cancelled"
)

// Error is a classified stage failure.
type Error struct {
	Kind   ErrorKind
	Stage  Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Stage, e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps err to the stage error taxonomy. An error that already is an
// *Error is returned unchanged. Provider rejections, protocol violations and
// cancellation are terminal. An expired stage deadline is a transient
// failure with reason timeout, retried like any other; everything else is a
// transient provider error.
func Classify(stage Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return &Error{Kind: Terminal, Stage: stage, Reason: ReasonProtocolViolation, Err: err}
	case errors.Is(err, stt.ErrRejected), errors.Is(err, llm.ErrRejected), errors.Is(err, tts.ErrRejected):
		return &Error{Kind: Terminal, Stage: stage, Reason: ReasonRejected, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: Transient, Stage: stage, Reason: ReasonTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: Terminal, Stage: stage, Reason: ReasonCancelled, Err: err}
	default:
		return &Error{Kind: Transient, Stage: stage, Reason: ReasonProviderError, Err: err}
	}
}

// exhausted converts a transient error that used up its retries into a
// terminal one. Timeouts keep their reason.
func exhausted(stage Kind, err error) *Error {
	se := Classify(stage, err)
	if se.Kind == Terminal {
		return se
	}
	reason := ReasonRetriesExhausted
	if se.Reason == ReasonTimeout {
		reason = ReasonTimeout
	}
	return &Error{Kind: Terminal, Stage: stage, Reason: reason, Err: se.Err}
}

// unretriable makes a transient failure terminal without retrying it, keeping its
// reason. Stages use it once output of the turn has left the stage.
func unretriable(se *Error) *Error {
	return &Error{Kind: Terminal, Stage: se.Stage, Reason: se.Reason, Err: se.Err}
}
