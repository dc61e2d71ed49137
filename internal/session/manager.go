package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/internal/notify"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

var (
	// ErrNoSession is returned when routing a frame for a participant that has
	// not joined.
	ErrNoSession = errors.New("session: no session for participant")

	// ErrShuttingDown is returned by [Manager.Dispatch] after Shutdown.
	ErrShuttingDown = errors.New("session: manager shutting down")
)

// ManagerConfig holds the dependencies shared by every session of a
// [Manager].
type ManagerConfig struct {
	Config   Config
	Resolver CapabilityResolver

	History  history.Store
	Notifier notify.Notifier

	// Summarise compacts old conversation turns with the session's language
	// model instead of dropping them.
	Summarise bool

	Observer Observer
	Metrics  *observe.Metrics
	Clock    Clock
	Logger   *slog.Logger
}

// Manager owns the live sessions, one per room and participant. It turns
// transport events into session calls.
//
// All methods are safe for concurrent use.
type Manager struct {
	base    ManagerConfig
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	group   errgroup.Group
	joinMu  sync.Mutex
	mu      sync.Mutex
	cfg     Config
	byKey   map[string]*Session
	closing bool
}

// NewManager creates a manager. Sessions run until they end or
// [Manager.Shutdown] is called.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		base:   cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg.Config,
		byKey:  make(map[string]*Session),
	}
}

// SetConfig replaces the configuration of sessions created from now on.
// Running sessions keep theirs.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Dispatch routes a transport event. A join creates the participant's session
// or reconnects the existing one; frames, disconnects and leaves go to the
// existing session.
func (m *Manager) Dispatch(ctx context.Context, ev audio.Event) error {
	switch ev.Type {
	case audio.EventJoin:
		return m.join(ctx, ev)
	case audio.EventFrame:
		s, ok := m.Get(ev.Key())
		if !ok {
			return ErrNoSession
		}
		return s.Push(ctx, ev.Frame)
	case audio.EventDisconnect:
		if s, ok := m.Get(ev.Key()); ok {
			return ignoreClosed(s.Disconnect(ctx))
		}
		return nil
	case audio.EventLeave:
		if s, ok := m.Get(ev.Key()); ok {
			return ignoreClosed(s.Leave(ctx))
		}
		return nil
	default:
		return fmt.Errorf("session: unknown transport event %s", ev.Type)
	}
}

func (m *Manager) join(ctx context.Context, ev audio.Event) error {
	m.joinMu.Lock()
	defer m.joinMu.Unlock()

	key := ev.Key()
	if s, ok := m.Get(key); ok {
		err := s.Reconnect(ctx, ev.Sink)
		if !errors.Is(err, ErrClosed) {
			return err
		}
		// The old session ended while the participant was away.
		m.remove(key, s)
	}

	m.mu.Lock()
	closing, cfg := m.closing, m.cfg
	m.mu.Unlock()
	if closing {
		return ErrShuttingDown
	}

	caps, err := m.base.Resolver.Resolve(ctx, ev.RoomID, ev.ParticipantID)
	if err != nil {
		return fmt.Errorf("session: resolve providers for %s: %w", key, err)
	}
	sw, _ := m.base.Resolver.(ProviderSwitcher)
	var sum Summariser
	if m.base.Summarise {
		sum = NewLLMSummariser(caps.LLM, cfg.Persona.Name)
	}
	s, err := New(Params{
		RoomID:        ev.RoomID,
		ParticipantID: ev.ParticipantID,
		Sink:          ev.Sink,
		Config:        cfg,
		Capabilities:  caps,
		History:       m.base.History,
		Notifier:      m.base.Notifier,
		Summariser:    sum,
		Observer:      m.base.Observer,
		Switcher:      sw,
		Metrics:       m.base.Metrics,
		Clock:         m.base.Clock,
		Logger:        m.log,
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		s.vad.Close()
		return ErrShuttingDown
	}
	m.byKey[key] = s
	m.group.Go(func() error {
		err := s.Run(m.ctx)
		m.remove(key, s)
		if err != nil {
			m.log.Warn("session ended", "key", key, "session_id", s.ID(), "err", err)
		}
		return nil
	})
	m.mu.Unlock()
	return nil
}

// Reconfigure routes a configuration change to the session of a room
// participant.
func (m *Manager) Reconfigure(ctx context.Context, roomID, participantID string, c Change) error {
	s, ok := m.Get(audio.Event{RoomID: roomID, ParticipantID: participantID}.Key())
	if !ok {
		return ErrNoSession
	}
	return ignoreClosed(s.Reconfigure(ctx, c))
}

func (m *Manager) remove(key string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byKey[key] == s {
		delete(m.byKey, key)
	}
}

// Get returns the live session of a "room/participant" key.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byKey[key]
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// Snapshots returns the state of every live session, ordered by room and
// participant.
func (m *Manager) Snapshots(ctx context.Context) []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byKey))
	for _, s := range m.byKey {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snap, err := s.Snapshot(ctx)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoomID != out[j].RoomID {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// Shutdown ends every session and waits until they have stopped or ctx is
// done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	n := len(m.byKey)
	m.mu.Unlock()

	m.log.Info("shutting down sessions", "count", n)
	m.cancel()

	done := make(chan error, 1)
	go func() { done <- m.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
