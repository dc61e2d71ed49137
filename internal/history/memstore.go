package history

import (
	"context"
	"sync"
)

// MemStore is an in-memory [Store].
//
// All methods are safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	turns    []Turn
	sessions map[string]Session
	closed   bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]Session)}
}

// AppendTurn implements [Store].
func (s *MemStore) AppendTurn(_ context.Context, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.turns = append(s.turns, t)
	return nil
}

// RecentTurns implements [Store].
func (s *MemStore) RecentTurns(_ context.Context, roomID, participantID string, n int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Turn
	for i := len(s.turns) - 1; i >= 0 && len(out) < n; i-- {
		t := s.turns[i]
		if t.RoomID == roomID && t.ParticipantID == participantID {
			out = append(out, t)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SessionTurns implements [Store].
func (s *MemStore) SessionTurns(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Turn
	for _, t := range s.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

// EndSession implements [Store].
func (s *MemStore) EndSession(_ context.Context, rec Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sessions[rec.ID] = rec
	return nil
}

// Session returns the record of an ended session.
func (s *MemStore) Session(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok
}

// Ping implements [Store].
func (s *MemStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close implements [Store].
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
