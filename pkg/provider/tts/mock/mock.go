// Package mock provides a test double for the tts.Provider interface.
//
// Every fragment sent to a mock stream is synthesised into FramesPerFragment
// chunks of FrameBytes zero samples whose first byte carries the fragment's
// index (starting at 1). Tests can therefore recover which fragment an audio
// chunk belongs to after it travelled through the pipeline.
//
// Example:
//
//	p := &mock.Provider{FramesPerFragment: 3, Delays: []time.Duration{30 * time.Millisecond}}
//	s, _ := p.SynthesizeStream(ctx, voice)
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// FramesPerFragment is the number of audio chunks produced per fragment.
	// Zero means 1.
	FramesPerFragment int

	// FrameBytes is the size of every chunk. Zero means 640 (20 ms at 16 kHz).
	FrameBytes int

	// Delay is slept before every chunk. Delays, when set, overrides Delay for
	// the first chunk of the fragment with the same index.
	Delay  time.Duration
	Delays []time.Duration

	// RecvErr, if non-nil, is returned by Recv once the first fragment's
	// audio has been delivered.
	RecvErr error

	// StartErr, if non-nil, is returned by SynthesizeStream.
	StartErr error

	// Format is returned by OutputFormat. Zero means 16 kHz mono.
	Format audio.Format

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// Streams records every stream handed out.
	Streams []*Stream
}

// SynthesizeStream opens a new mock stream.
func (p *Provider) SynthesizeStream(_ context.Context, voice tts.VoiceProfile) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Stream{
		Voice:   voice,
		frames:  max(p.FramesPerFragment, 1),
		size:    p.FrameBytes,
		delay:   p.Delay,
		delays:  p.Delays,
		recvErr: p.RecvErr,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if s.size <= 0 {
		s.size = 640
	}
	p.Streams = append(p.Streams, s)
	return s, nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// OutputFormat returns Format, defaulting to 16 kHz mono.
func (p *Provider) OutputFormat() audio.Format {
	if p.Format.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return p.Format
}

// StreamCount returns the number of streams opened so far.
func (p *Provider) StreamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Streams)
}

// Stream is the mock implementation of tts.Stream.
type Stream struct {
	// Voice is the profile the stream was opened with.
	Voice tts.VoiceProfile

	frames  int
	size    int
	delay   time.Duration
	delays  []time.Duration
	recvErr error

	mu         sync.Mutex
	texts      []string
	frag       int
	frameInTag int
	sendClosed bool
	closed     bool
	notify     chan struct{}
	done       chan struct{}
}

// Send records text.
func (s *Stream) Send(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tts.ErrStreamClosed
	}
	s.texts = append(s.texts, text)
	s.wake()
	return nil
}

// CloseSend marks the text input as complete.
func (s *Stream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendClosed = true
	s.wake()
	return nil
}

// Recv returns the next synthesised chunk.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, tts.ErrStreamClosed
		}
		if s.frag < len(s.texts) {
			frag, first := s.frag, s.frameInTag == 0
			if s.recvErr != nil && frag >= 1 {
				s.mu.Unlock()
				return nil, s.recvErr
			}
			s.mu.Unlock()

			delay := s.delay
			if first && frag < len(s.delays) {
				delay = s.delays[frag]
			}
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, ctx.Err()
				case <-s.done:
					t.Stop()
					return nil, tts.ErrStreamClosed
				case <-t.C:
				}
			}

			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return nil, tts.ErrStreamClosed
			}
			buf := make([]byte, s.size)
			buf[0] = byte(frag + 1)
			s.frameInTag++
			if s.frameInTag == s.frames {
				s.frameInTag = 0
				s.frag++
			}
			s.mu.Unlock()
			return buf, nil
		}
		if s.sendClosed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, tts.ErrStreamClosed
		case <-s.notify:
		}
	}
}

// Close aborts the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Texts returns the fragments sent so far.
func (s *Stream) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Stream   = (*Stream)(nil)
)
