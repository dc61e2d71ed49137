package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/voxrelay/internal/turnbuffer"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

// TranscriptionConfig configures one transcription stage instance.
type TranscriptionConfig struct {
	// Stream is passed to the provider for every attempt.
	Stream stt.StreamConfig

	// Timeout bounds opening a provider stream, every audio send and, once
	// the final chunk was handed over, the wait for the final transcript.
	Timeout time.Duration

	// Retry bounds reconnection after transient failures. Every retry
	// replays all audio of the turn into a fresh provider stream.
	Retry RetryPolicy

	// OnRetry, if set, is called before every retry.
	OnRetry func(err error)

	// Correct, if set, produces the completed text from the final
	// transcript. The default trims surrounding whitespace.
	Correct func(stt.Transcript) string

	Logger *slog.Logger
}

// Transcription streams the utterance chunks of one turn to a speech-to-text
// provider. It posts [EventPartial] for interim results and a single
// [EventComplete] carrying the final transcript, or [EventFailed].
type Transcription struct {
	h   *Handle
	p   stt.Provider
	cfg TranscriptionConfig
	log *slog.Logger

	mu        sync.Mutex
	chunks    []turnbuffer.Chunk
	closed    bool
	notify    chan struct{}
	inputDone chan struct{}
}

// StartTranscription opens a transcription handle for turnID and starts
// streaming in the background. Chunks are supplied with Send.
func StartTranscription(parent context.Context, turnID string, p stt.Provider, cfg TranscriptionConfig, post Poster) *Transcription {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	t := &Transcription{
		h:         NewHandle(parent, KindTranscription, turnID, post),
		p:         p,
		cfg:       cfg,
		log:       log.With("stage", KindTranscription, "turn_id", turnID),
		notify:    make(chan struct{}, 1),
		inputDone: make(chan struct{}),
	}
	go t.run()
	return t
}

// Handle returns the stage handle.
func (t *Transcription) Handle() *Handle { return t.h }

// Send hands over the next chunk. A chunk with Final set ends the input.
// Send never blocks; chunks after the end of input are ignored.
func (t *Transcription) Send(c turnbuffer.Chunk) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.chunks = append(t.chunks, c)
	if c.Final {
		t.closed = true
		close(t.inputDone)
	}
	t.mu.Unlock()
	t.wake()
}

// Chunks returns a copy of every chunk received so far.
func (t *Transcription) Chunks() []turnbuffer.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]turnbuffer.Chunk(nil), t.chunks...)
}

// AudioDuration returns the playback length of the audio received so far.
func (t *Transcription) AudioDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var d time.Duration
	for _, c := range t.chunks {
		d += c.Duration()
	}
	return d
}

func (t *Transcription) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *Transcription) run() {
	attempt := 0
	tr, err := backoff.Retry(t.h.ctx, func() (stt.Transcript, error) {
		attempt++
		tr, err := t.attempt()
		if err == nil {
			return tr, nil
		}
		if se := Classify(KindTranscription, err); se.Kind == Terminal {
			return stt.Transcript{}, backoff.Permanent(se)
		}
		return stt.Transcript{}, err
	}, t.cfg.Retry.options(func(err error, next time.Duration) {
		t.log.Warn("transcription: retrying", "attempt", attempt, "backoff", next, "err", err)
		if t.cfg.OnRetry != nil {
			t.cfg.OnRetry(err)
		}
	})...)

	if t.h.cancelled() {
		return
	}
	if err != nil {
		se := exhausted(KindTranscription, err)
		t.log.Info("transcription: failed", "attempts", attempt, "reason", se.Reason, "err", se.Err)
		t.h.fail(se)
		return
	}
	text := strings.TrimSpace(tr.Text)
	if t.cfg.Correct != nil && text != "" {
		text = strings.TrimSpace(t.cfg.Correct(tr))
	}
	t.h.complete(text, nil)
}

// attempt runs one provider stream from the first chunk of the turn to the
// final transcript.
func (t *Transcription) attempt() (stt.Transcript, error) {
	ctx, cancel := context.WithCancelCause(t.h.ctx)
	defer cancel(nil)

	stop := guard(t.cfg.Timeout, cancel, "open transcription stream")
	s, err := t.p.StartStream(ctx, t.cfg.Stream)
	stop()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("start stream: %w", causeOf(ctx, err))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := t.pump(ctx, cancel, s); err != nil {
			cancel(err)
		}
	}()
	go func() {
		defer wg.Done()
		t.watchFinal(ctx, cancel)
	}()
	defer func() {
		cancel(nil)
		s.Close()
		wg.Wait()
	}()

	var (
		final *stt.Transcript
		last  string
	)
	for {
		tr, err := s.Recv(ctx)
		if err != nil {
			if final != nil {
				return *final, nil
			}
			if errors.Is(err, io.EOF) {
				return stt.Transcript{}, errors.New("stream ended without a final transcript")
			}
			return stt.Transcript{}, causeOf(ctx, err)
		}
		if final != nil {
			return stt.Transcript{}, fmt.Errorf("%w: transcript after final", ErrProtocolViolation)
		}
		if tr.IsFinal {
			final = &tr
			continue
		}
		text := strings.TrimSpace(tr.Text)
		if text == "" || text == last {
			continue
		}
		last = text
		if !t.h.emit(Event{Type: EventPartial, Text: text}) {
			return stt.Transcript{}, context.Canceled
		}
	}
}

// pump replays the turn's chunks into s, follows new ones as they arrive and
// closes the send side after the final chunk.
func (t *Transcription) pump(ctx context.Context, cancel context.CancelCauseFunc, s stt.Stream) error {
	next := 0
	for {
		t.mu.Lock()
		pending := t.chunks[next:]
		closed := t.closed
		t.mu.Unlock()

		for _, c := range pending {
			next++
			if len(c.Data) == 0 {
				continue
			}
			stop := guard(t.cfg.Timeout, cancel, "send audio")
			err := s.SendAudio(ctx, c.Data)
			stop()
			if err != nil {
				return fmt.Errorf("send audio: %w", causeOf(ctx, err))
			}
		}
		if closed {
			if err := s.CloseSend(); err != nil {
				return fmt.Errorf("close send: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.notify:
		}
	}
}

// watchFinal cancels the attempt if the final transcript does not arrive
// within Timeout after the end of input.
func (t *Transcription) watchFinal(ctx context.Context, cancel context.CancelCauseFunc) {
	if t.cfg.Timeout <= 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-t.inputDone:
	}
	timer := time.NewTimer(t.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		cancel(fmt.Errorf("final transcript: %w", context.DeadlineExceeded))
	}
}
