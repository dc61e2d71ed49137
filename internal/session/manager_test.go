package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/pkg/audio"
	audiomock "github.com/MrWong99/voxrelay/pkg/audio/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxrelay/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
	vadmock "github.com/MrWong99/voxrelay/pkg/provider/vad/mock"
)

type resolverFunc func(ctx context.Context, roomID, participantID string) (Capabilities, error)

func (f resolverFunc) Resolve(ctx context.Context, roomID, participantID string) (Capabilities, error) {
	return f(ctx, roomID, participantID)
}

func newTestManager(t *testing.T) (*Manager, *history.MemStore) {
	t.Helper()
	store := history.NewMemStore()
	m := NewManager(ManagerConfig{
		Config: testConfig(),
		Resolver: resolverFunc(func(context.Context, string, string) (Capabilities, error) {
			return Capabilities{
				STT: &sttmock.Provider{},
				LLM: &llmmock.Provider{Default: llmmock.Script{Chunks: []llm.Chunk{{Text: "Hello!"}}}},
				TTS: &ttsmock.Provider{},
				VAD: &vadmock.Engine{},
			}, nil
		}),
		History: store,
		Logger:  slog.New(slog.DiscardHandler),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return m, store
}

func join(room, participant string, sink audio.Sink) audio.Event {
	return audio.Event{Type: audio.EventJoin, RoomID: room, ParticipantID: participant, Sink: sink}
}

func waitLen(t *testing.T, m *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for m.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Len = %d, want %d", m.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_RoutesFramesToSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()
	sink := &audiomock.Sink{}

	if err := m.Dispatch(ctx, join("r1", "p1", sink)); err != nil {
		t.Fatalf("join: %v", err)
	}
	var ts time.Duration
	send := func(speech bool, n int) {
		for range n {
			data := make([]byte, frameBytes)
			if speech {
				data[0] = 255
			}
			ev := audio.Event{Type: audio.EventFrame, RoomID: "r1", ParticipantID: "p1",
				Frame: audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1, Timestamp: ts}}
			ts += 20 * time.Millisecond
			if err := m.Dispatch(ctx, ev); err != nil {
				t.Fatalf("frame: %v", err)
			}
		}
	}
	send(true, 4)
	send(false, 4)

	wctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	if !sink.WaitFor(wctx, 1) {
		t.Fatal("no reply audio")
	}

	frame := audio.Event{Type: audio.EventFrame, RoomID: "r1", ParticipantID: "p2", Frame: audio.AudioFrame{Data: make([]byte, frameBytes)}}
	if err := m.Dispatch(ctx, frame); !errors.Is(err, ErrNoSession) {
		t.Errorf("frame for unknown participant = %v, want ErrNoSession", err)
	}
}

func TestManager_RejoinReconnects(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Dispatch(ctx, join("r1", "p1", &audiomock.Sink{})); err != nil {
		t.Fatal(err)
	}
	first, ok := m.Get("r1/p1")
	if !ok {
		t.Fatal("session not registered")
	}
	if err := m.Dispatch(ctx, audio.Event{Type: audio.EventDisconnect, RoomID: "r1", ParticipantID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Dispatch(ctx, join("r1", "p1", &audiomock.Sink{})); err != nil {
		t.Fatal(err)
	}
	again, _ := m.Get("r1/p1")
	if again != first || m.Len() != 1 {
		t.Fatalf("rejoin created a new session (len %d)", m.Len())
	}
	snap, err := again.Snapshot(ctx)
	if err != nil || snap.Suspended {
		t.Errorf("snapshot = %+v, %v", snap, err)
	}
}

func TestManager_LeaveRemovesSession(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t)
	ctx := context.Background()

	if err := m.Dispatch(ctx, join("r1", "p1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := m.Dispatch(ctx, join("r2", "p1", nil)); err != nil {
		t.Fatal(err)
	}
	snaps := m.Snapshots(ctx)
	if len(snaps) != 2 || snaps[0].RoomID != "r1" || snaps[1].RoomID != "r2" {
		t.Fatalf("Snapshots = %+v", snaps)
	}

	first, _ := m.Get("r1/p1")
	if err := m.Dispatch(ctx, audio.Event{Type: audio.EventLeave, RoomID: "r1", ParticipantID: "p1"}); err != nil {
		t.Fatal(err)
	}
	waitLen(t, m, 1)
	if rec, ok := store.Session(first.ID()); !ok || rec.EndReason != EndLeft {
		t.Errorf("stored session = %+v, %v", rec, ok)
	}

	// A later join starts over.
	if err := m.Dispatch(ctx, join("r1", "p1", nil)); err != nil {
		t.Fatal(err)
	}
	second, ok := m.Get("r1/p1")
	if !ok || second == first {
		t.Error("join after leave did not create a new session")
	}

	// Leaving twice is harmless.
	if err := m.Dispatch(ctx, audio.Event{Type: audio.EventLeave, RoomID: "r9", ParticipantID: "p9"}); err != nil {
		t.Errorf("leave of unknown participant = %v", err)
	}
}

func TestManager_Shutdown(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	ctx := context.Background()

	for _, p := range []string{"p1", "p2", "p3"} {
		if err := m.Dispatch(ctx, join("r1", p, nil)); err != nil {
			t.Fatal(err)
		}
	}
	sessions := make([]*Session, 0, 3)
	for _, p := range []string{"p1", "p2", "p3"} {
		s, _ := m.Get("r1/" + p)
		sessions = append(sessions, s)
	}

	sctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	if err := m.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len after shutdown = %d", m.Len())
	}
	for _, s := range sessions {
		if err := s.Err(); err != nil {
			t.Errorf("session %s ended with %v", s.ID(), err)
		}
	}
	if err := m.Dispatch(ctx, join("r1", "p4", nil)); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("join after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestManager_ResolveError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no such persona")
	m := NewManager(ManagerConfig{
		Resolver: resolverFunc(func(context.Context, string, string) (Capabilities, error) { return Capabilities{}, boom }),
		Logger:   slog.New(slog.DiscardHandler),
	})
	defer m.Shutdown(context.Background())
	if err := m.Dispatch(context.Background(), join("r1", "p1", nil)); !errors.Is(err, boom) {
		t.Errorf("join = %v, want wrapped %v", err, boom)
	}
	if m.Len() != 0 {
		t.Errorf("Len = %d", m.Len())
	}
}
