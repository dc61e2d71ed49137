// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs) and
// presents a uniform pull-based streaming interface. Text fragments are pushed
// with Send as soon as the language model produces them; synthesised PCM is
// pulled with Recv in the order the fragments were sent. This keeps latency
// low while letting the caller stop synthesis at any point with Close.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

var (
	// ErrRejected is returned (wrapped) when the backend refuses the input:
	// unknown voice, quota exhaustion, invalid credentials.
	ErrRejected = errors.New("tts: input rejected by provider")

	// ErrStreamClosed is returned by stream methods called after Close.
	ErrStreamClosed = errors.New("tts: stream closed")
)

// Stream is an open synthesis stream for one reply.
type Stream interface {
	// Send queues a text fragment for synthesis. Fragments are spoken in the
	// order they are sent.
	Send(ctx context.Context, text string) error

	// CloseSend signals that no more text follows. Recv returns io.EOF once
	// the audio for all sent text has been returned.
	CloseSend() error

	// Recv blocks until the next chunk of PCM audio is available.
	Recv(ctx context.Context) ([]byte, error)

	// Close aborts synthesis and releases resources. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis streams
// may run in parallel, one per session.
type Provider interface {
	// SynthesizeStream opens a synthesis stream for voice. Returns a non-nil
	// error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, voice VoiceProfile) (Stream, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// OutputFormat reports the PCM format of the audio returned by Recv.
	OutputFormat() audio.Format
}
