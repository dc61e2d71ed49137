package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema is the SQL DDL for the history tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS voxrelay_turns (
    seq            BIGSERIAL PRIMARY KEY,
    session_id     TEXT NOT NULL,
    turn_id        TEXT NOT NULL,
    room_id        TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    ended_at       TIMESTAMPTZ NOT NULL,
    transcript     TEXT NOT NULL DEFAULT '',
    response       TEXT NOT NULL DEFAULT '',
    outcome        TEXT NOT NULL,
    reason         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_voxrelay_turns_session ON voxrelay_turns(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_voxrelay_turns_participant ON voxrelay_turns(room_id, participant_id, seq);
CREATE TABLE IF NOT EXISTS voxrelay_sessions (
    session_id     TEXT PRIMARY KEY,
    room_id        TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    started_at     TIMESTAMPTZ NOT NULL,
    ended_at       TIMESTAMPTZ NOT NULL,
    end_reason     TEXT NOT NULL DEFAULT '',
    usage          JSONB NOT NULL DEFAULT '{}'
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db    DB
	close func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an existing connection or pool. The
// caller keeps ownership of db; Close is a no-op.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, close: func() {}}
}

// OpenPostgres connects a pool to dsn, applies the schema and returns a store
// that owns the pool.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping postgres: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [PostgresSchema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// AppendTurn implements [Store].
func (s *PostgresStore) AppendTurn(ctx context.Context, t Turn) error {
	const query = `
		INSERT INTO voxrelay_turns (session_id, turn_id, room_id, participant_id,
			started_at, ended_at, transcript, response, outcome, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.db.Exec(ctx, query,
		t.SessionID, t.TurnID, t.RoomID, t.ParticipantID,
		t.Started, t.Ended, t.Transcript, t.Response, t.Outcome, t.Reason,
	)
	if err != nil {
		return fmt.Errorf("history: append turn %s: %w", t.TurnID, err)
	}
	return nil
}

// RecentTurns implements [Store].
func (s *PostgresStore) RecentTurns(ctx context.Context, roomID, participantID string, n int) ([]Turn, error) {
	const query = `
		SELECT session_id, turn_id, room_id, participant_id, started_at, ended_at,
		       transcript, response, outcome, reason
		FROM (
			SELECT * FROM voxrelay_turns
			WHERE room_id = $1 AND participant_id = $2
			ORDER BY seq DESC
			LIMIT $3
		) recent
		ORDER BY seq ASC`
	rows, err := s.db.Query(ctx, query, roomID, participantID, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent turns: %w", err)
	}
	return collectTurns(rows)
}

// SessionTurns implements [Store].
func (s *PostgresStore) SessionTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	const query = `
		SELECT session_id, turn_id, room_id, participant_id, started_at, ended_at,
		       transcript, response, outcome, reason
		FROM voxrelay_turns
		WHERE session_id = $1
		ORDER BY seq ASC`
	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history: session turns: %w", err)
	}
	return collectTurns(rows)
}

func collectTurns(rows pgx.Rows) ([]Turn, error) {
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.SessionID, &t.TurnID, &t.RoomID, &t.ParticipantID, &t.Started, &t.Ended,
			&t.Transcript, &t.Response, &t.Outcome, &t.Reason); err != nil {
			return nil, fmt.Errorf("history: scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate turns: %w", err)
	}
	return out, nil
}

// EndSession implements [Store].
func (s *PostgresStore) EndSession(ctx context.Context, rec Session) error {
	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("history: marshal usage: %w", err)
	}
	const query = `
		INSERT INTO voxrelay_sessions (session_id, room_id, participant_id, started_at, ended_at, end_reason, usage)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			end_reason = EXCLUDED.end_reason,
			usage = EXCLUDED.usage`
	_, err = s.db.Exec(ctx, query,
		rec.ID, rec.RoomID, rec.ParticipantID, rec.Started, rec.Ended, rec.EndReason, usageJSON,
	)
	if err != nil {
		return fmt.Errorf("history: end session %s: %w", rec.ID, err)
	}
	return nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements [Store].
func (s *PostgresStore) Close() error {
	s.close()
	return nil
}
