package resilience

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that opens streams on the first healthy
// entry of its group.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback returns a fallback provider with primary tried first.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// StartStream implements [stt.Provider].
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	return Call(ctx, f.FallbackGroup, func(p stt.Provider) (stt.Stream, error) {
		return p.StartStream(ctx, cfg)
	})
}
