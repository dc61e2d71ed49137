// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to script the streams handed out by successive StartStream
// calls. Use Stream to feed controlled Transcript values and inspect which audio
// chunks were delivered.
//
// Example:
//
//	s := &mock.Stream{
//	    Partials: []stt.Transcript{{Text: "hel"}},
//	    Final:    stt.Transcript{Text: "hello", IsFinal: true},
//	}
//	p := &mock.Provider{Streams: []*mock.Stream{s}}
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Streams are handed out in order, one per StartStream call. When exhausted,
	// Fallback is used.
	Streams []*Stream

	// Fallback, if non-nil, builds the stream for calls beyond len(Streams).
	// If nil, a stream whose final transcript is "hello" is returned.
	Fallback func(call int) *Stream

	// StartErrs, if set, holds the error returned for the call with the same
	// index. A nil entry means success.
	StartErrs []error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns the next scripted stream.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := len(p.StartStreamCalls)
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	if call < len(p.StartErrs) && p.StartErrs[call] != nil {
		return nil, p.StartErrs[call]
	}
	if call < len(p.Streams) {
		return p.Streams[call], nil
	}
	if p.Fallback != nil {
		return p.Fallback(call), nil
	}
	return &Stream{Final: stt.Transcript{Text: "hello", IsFinal: true}}, nil
}

// Calls returns the number of StartStream invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Stream is a mock implementation of stt.Stream.
//
// Recv first returns every entry of Partials. If RecvErr is set it is then
// returned (once, and again on every later call) in place of the final
// transcript. Otherwise Recv waits for CloseSend and returns Final followed by
// io.EOF.
type Stream struct {
	mu sync.Mutex

	// Partials are returned by Recv before the final transcript.
	Partials []stt.Transcript

	// Final is returned after CloseSend.
	Final stt.Transcript

	// RecvErr, if non-nil, is returned after Partials instead of Final.
	RecvErr error

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	// Delay is slept before every Recv result.
	Delay time.Duration

	// Audio records every chunk passed to SendAudio.
	Audio [][]byte

	// CloseSendCalled is true once CloseSend has been called.
	CloseSendCalled bool

	// CloseCallCount records how many times Close was called.
	CloseCallCount int

	next       int
	finalSent  bool
	sendClosed chan struct{}
	closed     chan struct{}
}

func (s *Stream) init() {
	if s.sendClosed == nil {
		s.sendClosed = make(chan struct{})
		s.closed = make(chan struct{})
	}
}

// SendAudio records the chunk.
func (s *Stream) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.CloseCallCount > 0 {
		return stt.ErrStreamClosed
	}
	s.Audio = append(s.Audio, append([]byte(nil), chunk...))
	return nil
}

// CloseSend marks the input as complete.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if !s.CloseSendCalled {
		s.CloseSendCalled = true
		close(s.sendClosed)
	}
	return nil
}

// Recv returns the next scripted transcript.
func (s *Stream) Recv(ctx context.Context) (stt.Transcript, error) {
	s.mu.Lock()
	s.init()
	delay := s.Delay
	sendClosed, closed := s.sendClosed, s.closed
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		case <-closed:
			return stt.Transcript{}, stt.ErrStreamClosed
		case <-t.C:
		}
	}

	s.mu.Lock()
	if s.next < len(s.Partials) {
		tr := s.Partials[s.next]
		s.next++
		s.mu.Unlock()
		return tr, nil
	}
	if s.RecvErr != nil {
		err := s.RecvErr
		s.mu.Unlock()
		return stt.Transcript{}, err
	}
	if s.finalSent {
		s.mu.Unlock()
		return stt.Transcript{}, io.EOF
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return stt.Transcript{}, ctx.Err()
	case <-closed:
		return stt.Transcript{}, stt.ErrStreamClosed
	case <-sendClosed:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalSent {
		return stt.Transcript{}, io.EOF
	}
	s.finalSent = true
	final := s.Final
	final.IsFinal = true
	return final, nil
}

// Close records the call and unblocks pending Recv calls.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.CloseCallCount++
	if s.CloseCallCount == 1 {
		close(s.closed)
	}
	return nil
}

// Chunks returns a copy of the audio chunks received so far.
func (s *Stream) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Audio))
	copy(out, s.Audio)
	return out
}

// Closed reports whether Close was called at least once.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Stream   = (*Stream)(nil)
)
