// Package audio defines the frame types, transport events and the playback
// boundary shared by room transports and the session pipeline.
//
// A transport (e.g. internal/transport/wsroom) converts its wire protocol into
// [Event] values and hands them to the session registry. Agent speech flows
// the other way: stages enqueue frames on an [Egress], which writes them to the
// participant's [Sink] in order and drops them on cancellation.
//
// This package lives under pkg/ because third-party transports are expected to
// produce [Event] values and implement [Sink].
package audio

import (
	"context"
	"errors"
)

// ErrSinkClosed is returned by a [Sink] once its underlying connection is gone.
var ErrSinkClosed = errors.New("audio: sink closed")

// EventType classifies transport events.
type EventType int

const (
	// EventJoin is emitted when a participant enters a room. For a participant
	// that dropped within the reconnection grace window, the join re-attaches
	// the existing session.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the room deliberately.
	EventLeave

	// EventFrame carries one inbound audio frame from the participant.
	EventFrame

	// EventDisconnect is emitted when the transport loses the participant
	// without a deliberate leave (network drop, abnormal close).
	EventDisconnect
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventFrame:
		return "FRAME"
	case EventDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Event describes something that happened to a participant in a room.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// RoomID identifies the room the participant is in.
	RoomID string

	// ParticipantID is the stable identity of the human participant.
	ParticipantID string

	// Frame holds the audio payload for [EventFrame].
	Frame AudioFrame

	// Sink receives agent audio for this participant. Set on [EventJoin].
	Sink Sink
}

// Key returns the registry key of the session the event belongs to.
func (e Event) Key() string {
	return e.RoomID + "/" + e.ParticipantID
}

// Sink is the transport side of the playback boundary. WriteFrame delivers one
// frame to the participant; it may block for as long as the transport needs.
//
// Implementations must be safe for concurrent use with their own Close.
type Sink interface {
	WriteFrame(ctx context.Context, frame AudioFrame) error
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(ctx context.Context, frame AudioFrame) error

// WriteFrame calls f(ctx, frame).
func (f SinkFunc) WriteFrame(ctx context.Context, frame AudioFrame) error {
	return f(ctx, frame)
}
