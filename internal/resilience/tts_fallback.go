package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// TTSFallback is a [tts.Provider] backed by a [FallbackGroup].
//
// Every entry must produce the primary's [audio.Format], since a session
// paces playback with the format it saw before opening a stream.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
	format audio.Format
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback returns a fallback provider with primary tried first.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{
		FallbackGroup: NewFallbackGroup(primary, primaryName, cfg),
		format:        primary.OutputFormat(),
	}
}

// AddFallback appends p unless its output format differs from the primary's.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) error {
	if got := p.OutputFormat(); got != f.format {
		return fmt.Errorf("resilience: tts fallback %q produces %d Hz/%d ch, primary produces %d Hz/%d ch",
			name, got.SampleRate, got.Channels, f.format.SampleRate, f.format.Channels)
	}
	f.FallbackGroup.AddFallback(name, p)
	return nil
}

// SynthesizeStream implements [tts.Provider].
func (f *TTSFallback) SynthesizeStream(ctx context.Context, voice tts.VoiceProfile) (tts.Stream, error) {
	return Call(ctx, f.FallbackGroup, func(p tts.Provider) (tts.Stream, error) {
		return p.SynthesizeStream(ctx, voice)
	})
}

// ListVoices implements [tts.Provider].
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return Call(ctx, f.FallbackGroup, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// OutputFormat implements [tts.Provider].
func (f *TTSFallback) OutputFormat() audio.Format { return f.format }
