// Package notify announces session lifecycle events to the outside world.
//
// The session manager emits an [Event] when a session starts, ends normally
// or is terminated after repeated failures or an expired reconnect grace
// period. [LogNotifier] writes events to slog, [Publisher] publishes them as
// JSON on NATS and [Multi] fans out to several notifiers.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/voxrelay/internal/usage"
)

// Event types.
const (
	TypeStarted    = "session.started"
	TypeEnded      = "session.ended"
	TypeTerminated = "session.terminated"
)

// Event describes a session lifecycle change.
type Event struct {
	Type          string         `json:"type"`
	SessionID     string         `json:"session_id"`
	RoomID        string         `json:"room_id"`
	ParticipantID string         `json:"participant_id"`
	Reason        string         `json:"reason,omitempty"`
	Time          time.Time      `json:"time"`
	Usage         *usage.Summary `json:"usage,omitempty"`
}

// Notifier delivers lifecycle events. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Func adapts a function to [Notifier].
type Func func(ctx context.Context, e Event) error

// Notify implements [Notifier].
func (f Func) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// LogNotifier logs events. Terminations are logged at warn level.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements [Notifier].
func (n LogNotifier) Notify(ctx context.Context, e Event) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	if e.Type == TypeTerminated {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("session_id", e.SessionID),
		slog.String("room_id", e.RoomID),
		slog.String("participant_id", e.ParticipantID),
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Usage != nil {
		for _, u := range e.Usage.Entries {
			attrs = append(attrs, slog.Float64("usage."+u.Kind+"."+u.Model, u.Units))
		}
	}
	l.LogAttrs(ctx, level, e.Type, attrs...)
	return nil
}

// Multi delivers each event to every notifier and joins their errors.
type Multi []Notifier

// Notify implements [Notifier].
func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
