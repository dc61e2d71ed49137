// Package history persists finished turns and sessions.
//
// A session appends every turn once it reaches a terminal stage and records
// itself with its usage summary when it ends. When a participant joins a room
// again, the most recent turns of that room/participant pair seed the new
// session's conversation context.
//
// Three [Store] implementations are provided: [MemStore] for tests and
// single-process deployments, [SQLiteStore] (modernc.org/sqlite, no cgo) and
// [PostgresStore] (pgx).
package history

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxrelay/internal/usage"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("history: store closed")

// Turn outcomes.
const (
	OutcomeComplete  = "complete"
	OutcomeAbandoned = "abandoned"
)

// Turn is a finished turn. It is read-only once stored.
type Turn struct {
	SessionID     string
	TurnID        string
	RoomID        string
	ParticipantID string

	Started time.Time
	Ended   time.Time

	// Transcript is the final transcript of the participant's utterance, if
	// transcription got that far.
	Transcript string

	// Response is the agent reply as far as it was generated.
	Response string

	// Outcome is OutcomeComplete or OutcomeAbandoned.
	Outcome string

	// Reason is the abandon reason code. Empty for completed turns.
	Reason string
}

// Session is the record of an ended session.
type Session struct {
	ID            string
	RoomID        string
	ParticipantID string
	Started       time.Time
	Ended         time.Time

	// EndReason is "left" for a deliberate leave, "shutdown" when the process
	// stopped, or the termination reason.
	EndReason string

	Usage usage.Summary
}

// Store persists turn history. Implementations must be safe for concurrent
// use.
type Store interface {
	// AppendTurn stores a finished turn.
	AppendTurn(ctx context.Context, t Turn) error

	// RecentTurns returns up to n of the most recent turns of the
	// room/participant pair across all sessions, oldest first.
	RecentTurns(ctx context.Context, roomID, participantID string, n int) ([]Turn, error)

	// SessionTurns returns every turn of a session, oldest first.
	SessionTurns(ctx context.Context, sessionID string) ([]Turn, error)

	// EndSession stores the record of an ended session.
	EndSession(ctx context.Context, s Session) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
