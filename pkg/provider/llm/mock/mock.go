// Package mock provides a test double for the llm.Provider interface.
//
// Provider records every call and lets tests script the chunks of each
// streaming completion, inject latency and errors, and observe how many
// streams were open at the same time.
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// Script describes the behaviour of one StreamCompletion call.
type Script struct {
	// Chunks are returned by Recv in order.
	Chunks []llm.Chunk

	// Delay is slept before every chunk. Delays, when set, overrides Delay
	// per chunk index.
	Delay  time.Duration
	Delays []time.Duration

	// Err, if non-nil, is returned by Recv after all Chunks.
	Err error

	// StartErr, if non-nil, is returned by StreamCompletion.
	StartErr error
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Scripts are consumed in order, one per StreamCompletion call. Calls beyond
	// len(Scripts) reuse Default.
	Scripts []Script

	// Default is used when Scripts is exhausted.
	Default Script

	// CompleteResponse is returned by Complete. May be nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned by Complete.
	CompleteErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// Requests records every request passed to StreamCompletion.
	Requests []llm.CompletionRequest

	active    int
	maxActive int
	closed    int
}

// StreamCompletion records the call and returns a stream that plays the next
// script.
func (p *Provider) StreamCompletion(_ context.Context, req llm.CompletionRequest) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := len(p.Requests)
	p.Requests = append(p.Requests, req)
	sc := p.Default
	if call < len(p.Scripts) {
		sc = p.Scripts[call]
	}
	if sc.StartErr != nil {
		return nil, sc.StartErr
	}
	p.active++
	p.maxActive = max(p.maxActive, p.active)
	return &stream{p: p, script: sc, done: make(chan struct{})}, nil
}

// Complete returns CompleteResponse, CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	return p.CompleteResponse, p.CompleteErr
}

// CountTokens returns llm.EstimateTokens(messages).
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns the number of recorded requests.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

// MaxConcurrent returns the highest number of streams that were open at once.
func (p *Provider) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// ClosedStreams returns the number of streams closed by the caller.
func (p *Provider) ClosedStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type stream struct {
	p      *Provider
	script Script

	mu   sync.Mutex
	next int
	once sync.Once
	done chan struct{}
}

func (s *stream) Recv(ctx context.Context) (llm.Chunk, error) {
	s.mu.Lock()
	idx := s.next
	s.mu.Unlock()

	select {
	case <-s.done:
		return llm.Chunk{}, llm.ErrStreamClosed
	default:
	}

	delay := s.script.Delay
	if idx < len(s.script.Delays) {
		delay = s.script.Delays[idx]
	}
	if delay > 0 && idx <= len(s.script.Chunks) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return llm.Chunk{}, ctx.Err()
		case <-s.done:
			return llm.Chunk{}, llm.ErrStreamClosed
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < len(s.script.Chunks) {
		c := s.script.Chunks[s.next]
		s.next++
		return c, nil
	}
	s.next = len(s.script.Chunks) + 1
	if s.script.Err != nil {
		return llm.Chunk{}, s.script.Err
	}
	return llm.Chunk{}, io.EOF
}

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.p.mu.Lock()
		s.p.active--
		s.p.closed++
		s.p.mu.Unlock()
	})
	return nil
}

var _ llm.Provider = (*Provider)(nil)
