package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	pingErr   error
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

func turnRow(t Turn) []any {
	return []any{t.SessionID, t.TurnID, t.RoomID, t.ParticipantID, t.Started, t.Ended,
		t.Transcript, t.Response, t.Outcome, t.Reason}
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	var gotSQL string
	s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}})
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, table := range []string{"voxrelay_turns", "voxrelay_sessions"} {
		if !strings.Contains(gotSQL, table) {
			t.Errorf("schema does not create %s", table)
		}
	}
}

func TestPostgresStore_AppendTurn(t *testing.T) {
	t.Parallel()

	var args []any
	s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, _ string, a ...any) (pgconn.CommandTag, error) {
		args = a
		return pgconn.CommandTag{}, nil
	}})
	tr := turn("s1", "r1", "p1", 1)
	tr.Outcome, tr.Reason = OutcomeAbandoned, "barge_in"
	if err := s.AppendTurn(context.Background(), tr); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if len(args) != 10 {
		t.Fatalf("got %d args, want 10", len(args))
	}
	if args[1] != "s1-t1" || args[8] != OutcomeAbandoned || args[9] != "barge_in" {
		t.Errorf("args = %v", args)
	}
}

func TestPostgresStore_AppendTurnError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	s := NewPostgresStore(&mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, boom
	}})
	err := s.AppendTurn(context.Background(), turn("s1", "r1", "p1", 0))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestPostgresStore_RecentTurns(t *testing.T) {
	t.Parallel()

	rows := &mockRows{data: [][]any{
		turnRow(turn("s1", "r1", "p1", 2)),
		turnRow(turn("s1", "r1", "p1", 3)),
	}}
	var args []any
	s := NewPostgresStore(&mockDB{queryFunc: func(_ context.Context, _ string, a ...any) (pgx.Rows, error) {
		args = a
		return rows, nil
	}})

	got, err := s.RecentTurns(context.Background(), "r1", "p1", 2)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(got) != 2 || got[0].TurnID != "s1-t2" || got[1].Response != "answer 3" {
		t.Errorf("RecentTurns = %+v", got)
	}
	if args[0] != "r1" || args[1] != "p1" || args[2] != 2 {
		t.Errorf("args = %v", args)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestPostgresStore_RowsError(t *testing.T) {
	t.Parallel()

	iterErr := errors.New("iteration failed")
	s := NewPostgresStore(&mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: iterErr}, nil
	}})
	if _, err := s.SessionTurns(context.Background(), "s1"); !errors.Is(err, iterErr) {
		t.Errorf("err = %v, want wrapped %v", err, iterErr)
	}
}

func TestPostgresStore_EndSession(t *testing.T) {
	t.Parallel()

	var (
		gotSQL string
		args   []any
	)
	s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, sql string, a ...any) (pgconn.CommandTag, error) {
		gotSQL, args = sql, a
		return pgconn.CommandTag{}, nil
	}})
	rec := Session{ID: "s1", RoomID: "r1", ParticipantID: "p1", Started: base, Ended: base.Add(time.Minute), EndReason: "left"}
	if err := s.EndSession(context.Background(), rec); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if !strings.Contains(gotSQL, "ON CONFLICT") {
		t.Error("EndSession is not an upsert")
	}
	raw, ok := args[6].([]byte)
	if !ok || !json.Valid(raw) {
		t.Errorf("usage arg = %v", args[6])
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	t.Parallel()

	down := errors.New("down")
	s := NewPostgresStore(&mockDB{pingErr: down})
	if err := s.Ping(context.Background()); !errors.Is(err, down) {
		t.Errorf("Ping = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}
