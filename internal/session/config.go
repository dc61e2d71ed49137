package session

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxrelay/internal/stage"
	"github.com/MrWong99/voxrelay/internal/turnbuffer"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// Persona is the agent's character: how it is prompted and how it sounds.
type Persona struct {
	Name         string
	SystemPrompt string

	// Language is the BCP-47 tag passed to speech-to-text.
	Language string

	Voice       tts.VoiceProfile
	Temperature float64
	MaxTokens   int

	// Vocabulary holds proper nouns boosted in speech-to-text and corrected
	// in final transcripts.
	Vocabulary []string

	// Greeting, when set, is spoken as a turn of its own once the session
	// starts.
	Greeting string
}

// Config tunes a session. The zero value of every field selects its default;
// see [DefaultConfig].
type Config struct {
	TurnBuffer turnbuffer.Config

	// VAD holds the speech/silence thresholds. SampleRate and FrameSizeMs
	// describe the inbound audio.
	VAD vad.Config

	// GracePeriod is how long a disconnected participant may take to
	// reconnect before the session is terminated.
	GracePeriod time.Duration

	// MaxConsecutiveFailures terminates the session once this many turns in a
	// row were abandoned because of stage failures.
	MaxConsecutiveFailures int

	TranscriptionTimeout time.Duration
	ResponseTimeout      time.Duration
	SynthesisTimeout     time.Duration

	Retry stage.RetryPolicy

	// ClauseAfter lets a response fragment end at a clause boundary once this
	// many runes are pending. Zero disables clause splitting.
	ClauseAfter int

	// HistoryTurns is how many earlier turns of the same room/participant
	// pair seed a new session's conversation.
	HistoryTurns int

	// ContextTokens is the token budget of the conversation sent with every
	// request. Older turns are summarised or dropped beyond it.
	ContextTokens int

	// QueueSize is the capacity of the session's inbound queues.
	QueueSize int

	// OutputFormat is the PCM format written to the participant. Zero means
	// the synthesis provider's format.
	OutputFormat audio.Format

	// FrameDuration is the length of outbound frames.
	FrameDuration time.Duration

	// RealtimePacing paces outbound frames at playback speed.
	RealtimePacing bool

	Persona Persona
}

// DefaultConfig returns the settings used for unset fields.
func DefaultConfig() Config {
	return Config{
		TurnBuffer:             turnbuffer.DefaultConfig(),
		VAD:                    vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.5, SilenceThreshold: 0.35},
		GracePeriod:            5 * time.Second,
		MaxConsecutiveFailures: 3,
		TranscriptionTimeout:   5 * time.Second,
		ResponseTimeout:        10 * time.Second,
		SynthesisTimeout:       5 * time.Second,
		Retry:                  stage.DefaultRetryPolicy(),
		ClauseAfter:            80,
		HistoryTurns:           10,
		ContextTokens:          4000,
		QueueSize:              256,
		FrameDuration:          20 * time.Millisecond,
		Persona: Persona{
			Name:         "Assistant",
			SystemPrompt: "You are a helpful voice assistant. Keep answers short and conversational.",
			Language:     "en-US",
		},
	}
}

// withDefaults fills unset fields from [DefaultConfig].
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TurnBuffer == (turnbuffer.Config{}) {
		c.TurnBuffer = d.TurnBuffer
	}
	if c.VAD.SampleRate == 0 {
		c.VAD.SampleRate = d.VAD.SampleRate
	}
	if c.VAD.FrameSizeMs == 0 {
		c.VAD.FrameSizeMs = d.VAD.FrameSizeMs
	}
	if c.VAD.SpeechThreshold == 0 {
		c.VAD.SpeechThreshold = d.VAD.SpeechThreshold
		if c.VAD.SilenceThreshold == 0 {
			c.VAD.SilenceThreshold = d.VAD.SilenceThreshold
		}
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.TranscriptionTimeout == 0 {
		c.TranscriptionTimeout = d.TranscriptionTimeout
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.SynthesisTimeout == 0 {
		c.SynthesisTimeout = d.SynthesisTimeout
	}
	if c.Retry == (stage.RetryPolicy{}) {
		c.Retry = d.Retry
	}
	if c.HistoryTurns == 0 {
		c.HistoryTurns = d.HistoryTurns
	}
	if c.ContextTokens == 0 {
		c.ContextTokens = d.ContextTokens
	}
	if c.QueueSize == 0 {
		c.QueueSize = d.QueueSize
	}
	if c.FrameDuration == 0 {
		c.FrameDuration = d.FrameDuration
	}
	if c.Persona.SystemPrompt == "" && c.Persona.Name == "" {
		c.Persona = d.Persona
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if err := c.TurnBuffer.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.GracePeriod < 0 {
		errs = append(errs, errors.New("session: grace period must not be negative"))
	}
	if c.MaxConsecutiveFailures < 1 {
		errs = append(errs, errors.New("session: max consecutive failures must be at least 1"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, errors.New("session: queue size must be positive"))
	}
	if c.HistoryTurns < 0 {
		errs = append(errs, errors.New("session: history turns must not be negative"))
	}
	return errors.Join(errs...)
}

// Capabilities is the provider set a session runs on. It is resolved once
// when the session starts and does not change afterwards.
type Capabilities struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine

	// Model names are used for usage accounting and metrics.
	STTModel string
	LLMModel string
	TTSModel string
}

// Validate reports missing providers.
func (c Capabilities) Validate() error {
	var errs []error
	if c.STT == nil {
		errs = append(errs, errors.New("session: no speech-to-text provider"))
	}
	if c.LLM == nil {
		errs = append(errs, errors.New("session: no language model provider"))
	}
	if c.TTS == nil {
		errs = append(errs, errors.New("session: no speech synthesis provider"))
	}
	if c.VAD == nil {
		errs = append(errs, errors.New("session: no voice activity detector"))
	}
	return errors.Join(errs...)
}

// Resolve returns c, so a fixed set can serve as a [CapabilityResolver].
func (c Capabilities) Resolve(context.Context, string, string) (Capabilities, error) {
	return c, nil
}

// CapabilityResolver picks the providers for a new session.
type CapabilityResolver interface {
	Resolve(ctx context.Context, roomID, participantID string) (Capabilities, error)
}

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall-clock time for timers the coordinator owns.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the system clock.
func RealClock() Clock { return realClock{} }
