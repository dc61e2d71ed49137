// Package mock provides test doubles for the vad package interfaces.
//
// Session classifies frames by a probability function, by default the first
// byte of the frame divided by 255, and applies the configured thresholds.
// Tests can therefore mark individual frames as speech or silence simply by
// choosing their first byte.
package mock

import (
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Probability overrides the default per-frame probability function of the
	// sessions this engine creates.
	Probability func(frame []byte) float64

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// Configs records the Config of every NewSession call.
	Configs []vad.Config
}

// NewSession records the call and returns a new Session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	return &Session{Cfg: cfg, Probability: e.Probability}, nil
}

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	// Cfg holds the thresholds applied to probabilities.
	Cfg vad.Config

	// Probability returns the speech probability of a frame.
	Probability func(frame []byte) float64

	// Frames counts processed frames; Resets counts Reset calls.
	Frames int
	Resets int
	Closed bool

	speaking bool
}

// ProcessFrame classifies the frame.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.Frames++
	p := 0.0
	switch {
	case s.Probability != nil:
		p = s.Probability(frame)
	case len(frame) > 0:
		p = float64(frame[0]) / 255
	}
	speech := s.Cfg.SpeechThreshold
	if speech == 0 {
		speech = 0.5
	}
	switch {
	case p >= speech && !s.speaking:
		s.speaking = true
		return vad.VADEvent{Type: vad.VADSpeechStart, Probability: p}, nil
	case p >= s.Cfg.SilenceThreshold && s.speaking:
		return vad.VADEvent{Type: vad.VADSpeechContinue, Probability: p}, nil
	case s.speaking:
		s.speaking = false
		return vad.VADEvent{Type: vad.VADSpeechEnd, Probability: p}, nil
	default:
		return vad.VADEvent{Type: vad.VADSilence, Probability: p}, nil
	}
}

// Reset clears the speaking state.
func (s *Session) Reset() {
	s.Resets++
	s.speaking = false
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.Closed = true
	return nil
}

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)
