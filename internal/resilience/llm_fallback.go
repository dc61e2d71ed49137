package resilience

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] backed by a [FallbackGroup].
type LLMFallback struct {
	*FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns a fallback provider with primary tried first.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{NewFallbackGroup(primary, primaryName, cfg)}
}

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.FallbackGroup, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion implements [llm.Provider]. Recv errors of the returned
// stream do not fail over.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	return Call(ctx, f.FallbackGroup, func(p llm.Provider) (llm.Stream, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens uses the primary's tokenizer. Counting is local and never
// trips a breaker.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.Primary().CountTokens(messages)
}

// Capabilities returns the primary's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.Primary().Capabilities()
}
