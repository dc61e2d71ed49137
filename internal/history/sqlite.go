package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteSchema creates the history tables. Timestamps are unix milliseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS turns (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id     TEXT NOT NULL,
    turn_id        TEXT NOT NULL,
    room_id        TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    started_at     INTEGER NOT NULL,
    ended_at       INTEGER NOT NULL,
    transcript     TEXT NOT NULL DEFAULT '',
    response       TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_turns_participant ON turns(room_id, participant_id, seq);
CREATE TABLE IF NOT EXISTS sessions (
    session_id     TEXT PRIMARY KEY,
    room_id        TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    started_at     INTEGER NOT NULL,
    ended_at       INTEGER NOT NULL,
    end_reason     TEXT NOT NULL DEFAULT '',
    usage          TEXT NOT NULL DEFAULT '{}'
);
`

// SQLiteStore is a [Store] backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema. The parent directory is created if it does not exist.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// AppendTurn implements [Store].
func (s *SQLiteStore) AppendTurn(ctx context.Context, t Turn) error {
	const query = `
		INSERT INTO turns (session_id, turn_id, room_id, participant_id,
			started_at, ended_at, transcript, response, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		t.SessionID, t.TurnID, t.RoomID, t.ParticipantID,
		t.Started.UnixMilli(), t.Ended.UnixMilli(), t.Transcript, t.Response, t.Outcome, t.Reason,
	)
	if err != nil {
		return fmt.Errorf("history: append turn %s: %w", t.TurnID, err)
	}
	return nil
}

// RecentTurns implements [Store].
func (s *SQLiteStore) RecentTurns(ctx context.Context, roomID, participantID string, n int) ([]Turn, error) {
	const query = `
		SELECT session_id, turn_id, room_id, participant_id, started_at, ended_at,
		       transcript, response, outcome, reason
		FROM (
			SELECT * FROM turns
			WHERE room_id = ? AND participant_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, roomID, participantID, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent turns: %w", err)
	}
	return scanTurns(rows)
}

// SessionTurns implements [Store].
func (s *SQLiteStore) SessionTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	const query = `
		SELECT session_id, turn_id, room_id, participant_id, started_at, ended_at,
		       transcript, response, outcome, reason
		FROM turns
		WHERE session_id = ?
		ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: session turns: %w", err)
	}
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var (
			t              Turn
			started, ended int64
		)
		if err := rows.Scan(&t.SessionID, &t.TurnID, &t.RoomID, &t.ParticipantID, &started, &ended,
			&t.Transcript, &t.Response, &t.Outcome, &t.Reason); err != nil {
			return nil, fmt.Errorf("history: scan turn: %w", err)
		}
		t.Started = time.UnixMilli(started)
		t.Ended = time.UnixMilli(ended)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate turns: %w", err)
	}
	return out, nil
}

// EndSession implements [Store]. Recording the same session twice keeps the
// latest record.
func (s *SQLiteStore) EndSession(ctx context.Context, rec Session) error {
	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("history: marshal usage: %w", err)
	}
	const query = `
		INSERT INTO sessions (session_id, room_id, participant_id, started_at, ended_at, end_reason, usage)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			end_reason = excluded.end_reason,
			usage = excluded.usage`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.RoomID, rec.ParticipantID, rec.Started.UnixMilli(), rec.Ended.UnixMilli(), rec.EndReason, string(usageJSON),
	)
	if err != nil {
		return fmt.Errorf("history: end session %s: %w", rec.ID, err)
	}
	return nil
}

// Session returns the record of an ended session. ok is false if none exists.
func (s *SQLiteStore) Session(ctx context.Context, id string) (rec Session, ok bool, err error) {
	const query = `
		SELECT session_id, room_id, participant_id, started_at, ended_at, end_reason, usage
		FROM sessions WHERE session_id = ?`
	var (
		started, ended int64
		usageJSON      string
	)
	err = s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.RoomID, &rec.ParticipantID, &started, &ended, &rec.EndReason, &usageJSON)
	if err == sql.ErrNoRows {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("history: get session %s: %w", id, err)
	}
	rec.Started = time.UnixMilli(started)
	rec.Ended = time.UnixMilli(ended)
	if err := json.Unmarshal([]byte(usageJSON), &rec.Usage); err != nil {
		return Session{}, false, fmt.Errorf("history: unmarshal usage: %w", err)
	}
	return rec, true, nil
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
