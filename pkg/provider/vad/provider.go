// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own smoothing state so
// that every room participant is analysed independently.
//
// ProcessFrame is synchronous and returns immediately; the turn buffer calls it
// for every inbound frame on the session's event loop.
//
// Engines must be safe for concurrent use. A SessionHandle belongs to a single
// goroutine.
package vad

import "errors"

// ErrInvalidFrame is returned by ProcessFrame when the frame does not hold
// whole 16-bit samples.
var ErrInvalidFrame = errors.New("vad: invalid frame")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the nominal duration of each frame in milliseconds.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame counts as
	// speech. Range: [0.0, 1.0].
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame counts as
	// silence. Must be ≤ SpeechThreshold; values in between keep the previous
	// classification (hysteresis).
	SilenceThreshold float64
}

// Validate reports whether the thresholds are usable.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return errors.New("vad: sample rate must be positive")
	case c.SpeechThreshold <= 0 || c.SpeechThreshold > 1:
		return errors.New("vad: speech threshold must be in (0, 1]")
	case c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold:
		return errors.New("vad: silence threshold must be in [0, speech threshold]")
	}
	return nil
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of little-endian PCM and returns
	// the detection result. It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new VAD session. Returns an error if the
	// configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
