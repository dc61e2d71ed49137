// Package energy implements a dependency-free [vad.Engine] that classifies
// frames by their signal level.
//
// The RMS level of every frame is converted to dBFS and mapped linearly onto a
// speech probability between a noise floor and a speech ceiling. The result is
// smoothed with separate attack and release factors so that single loud clicks
// or short pauses between words do not flip the classification. Hysteresis
// between SpeechThreshold and SilenceThreshold is applied on the smoothed value.
package energy

import (
	"fmt"
	"math"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

const (
	defaultFloorDB = -55.0
	defaultCeilDB  = -25.0
	defaultAttack  = 0.6
	defaultRelease = 0.25
)

// Option configures an [Engine].
type Option func(*Engine)

// WithLevels sets the dBFS noise floor (probability 0) and speech ceiling
// (probability 1).
func WithLevels(floorDB, ceilDB float64) Option {
	return func(e *Engine) {
		e.floorDB = floorDB
		e.ceilDB = ceilDB
	}
}

// WithSmoothing sets the exponential smoothing factors used while the level
// rises (attack) and falls (release). 1 disables smoothing.
func WithSmoothing(attack, release float64) Option {
	return func(e *Engine) {
		e.attack = attack
		e.release = release
	}
}

// Engine creates energy-based VAD sessions.
type Engine struct {
	floorDB, ceilDB float64
	attack, release float64
}

// New returns an Engine with the given options applied over the defaults.
func New(opts ...Option) *Engine {
	e := &Engine{
		floorDB: defaultFloorDB,
		ceilDB:  defaultCeilDB,
		attack:  defaultAttack,
		release: defaultRelease,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	if e.ceilDB <= e.floorDB {
		return nil, fmt.Errorf("energy: ceiling %.1f dB must be above floor %.1f dB", e.ceilDB, e.floorDB)
	}
	return &session{engine: e, cfg: cfg}, nil
}

type session struct {
	engine   *Engine
	cfg      vad.Config
	level    float64
	speaking bool
	closed   bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy: session closed")
	}
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, fmt.Errorf("energy: %w: %d bytes", vad.ErrInvalidFrame, len(frame))
	}

	p := s.engine.probability(audio.RMS(frame))
	k := s.engine.release
	if p > s.level {
		k = s.engine.attack
	}
	s.level += k * (p - s.level)

	ev := vad.VADEvent{Probability: s.level}
	switch {
	case !s.speaking && s.level >= s.cfg.SpeechThreshold:
		s.speaking = true
		ev.Type = vad.VADSpeechStart
	case s.speaking && s.level < s.cfg.SilenceThreshold:
		s.speaking = false
		ev.Type = vad.VADSpeechEnd
	case s.speaking:
		ev.Type = vad.VADSpeechContinue
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.level = 0
	s.speaking = false
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.closed = true
	return nil
}

func (e *Engine) probability(rms float64) float64 {
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	p := (db - e.floorDB) / (e.ceilDB - e.floorDB)
	return math.Max(0, math.Min(1, p))
}

var _ vad.Engine = (*Engine)(nil)
