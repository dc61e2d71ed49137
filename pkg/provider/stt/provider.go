// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform pull-based streaming interface. Once opened, a [Stream]
// accepts raw PCM audio and yields [Transcript] values from Recv: any number of
// partials that may revise earlier wording, followed by exactly one final
// transcript per utterance and then io.EOF.
//
// Implementations must be safe for concurrent use. SendAudio and Recv are
// typically called from different goroutines.
package stt

import (
	"context"
	"errors"
)

var (
	// ErrRejected is returned (wrapped) when the provider refuses the input:
	// unsupported audio, quota exhaustion, authentication failure. Retrying the
	// same audio will not help.
	ErrRejected = errors.New("stt: input rejected by provider")

	// ErrStreamClosed is returned by stream methods called after Close.
	ErrStreamClosed = errors.New("stt: stream closed")
)

// StreamConfig describes the audio format and recognition hints for a new STT
// stream. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (usually 16000).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []KeywordBoost
}

// Stream is an open transcription stream for one utterance.
//
// Callers must call Close when the stream is no longer needed. Failing to do so
// may leak goroutines and network connections inside the provider.
type Stream interface {
	// SendAudio delivers a chunk of raw PCM audio matching StreamConfig.
	// Calling SendAudio after CloseSend or Close returns an error.
	SendAudio(ctx context.Context, chunk []byte) error

	// CloseSend signals that the utterance is complete. The provider commits
	// its final transcript after it has processed all audio sent so far.
	CloseSend() error

	// Recv blocks until the next transcript is available. After the final
	// transcript has been returned, Recv returns io.EOF. A dropped connection
	// surfaces as a non-nil error that does not wrap [ErrRejected].
	Recv(ctx context.Context) (Transcript, error)

	// Close terminates the stream and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple streams may be open
// simultaneously (one per session).
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// Stream is ready to accept audio immediately. The caller owns the Stream
	// and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
