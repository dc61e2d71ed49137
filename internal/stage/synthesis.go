package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// errFlushed is returned once the egress refuses frames of an interrupted turn.
var errFlushed = fmt.Errorf("playback flushed: %w", context.Canceled)

// SynthesisConfig configures one synthesis stage instance.
type SynthesisConfig struct {
	Voice tts.VoiceProfile

	// Format is the PCM format handed to the egress. Zero means the provider's
	// output format.
	Format audio.Format

	// FrameDuration is the length of every enqueued frame. Zero means 20ms.
	FrameDuration time.Duration

	// Timeout bounds opening the synthesis stream, every text send, the wait
	// for the first audio after the first fragment and, once all text was
	// sent, the gap between audio chunks.
	Timeout time.Duration

	// Retry bounds reconnection after transient failures. Retries only happen
	// before the first frame was queued for playback.
	Retry RetryPolicy

	// OnRetry, if set, is called before every retry.
	OnRetry func(err error)

	Logger *slog.Logger
}

// Synthesis turns response fragments into audio frames on an [audio.Egress].
// It posts [EventStarted] once the first frame is queued and [EventComplete]
// after the egress has written the last frame of the turn.
type Synthesis struct {
	h      *Handle
	p      tts.Provider
	egress *audio.Egress
	cfg    SynthesisConfig
	log    *slog.Logger

	mu     sync.Mutex
	texts  []string
	closed bool
	notify chan struct{}

	// frames counts queued frames. Only the run goroutine touches it.
	frames int
}

// StartSynthesis opens a synthesis handle for turnID and starts it in the
// background. Text is supplied with Send; Close marks the end of the reply.
func StartSynthesis(parent context.Context, turnID string, p tts.Provider, egress *audio.Egress, cfg SynthesisConfig, post Poster) *Synthesis {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = p.OutputFormat()
	}
	s := &Synthesis{
		h:      NewHandle(parent, KindSynthesis, turnID, post),
		p:      p,
		egress: egress,
		cfg:    cfg,
		log:    log.With("stage", KindSynthesis, "turn_id", turnID),
		notify: make(chan struct{}, 1),
	}
	go s.run()
	return s
}

// Handle returns the stage handle.
func (s *Synthesis) Handle() *Handle { return s.h }

// Send queues a fragment for synthesis. Send never blocks; text after Close
// is ignored.
func (s *Synthesis) Send(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.texts = append(s.texts, text)
	}
	s.mu.Unlock()
	s.wake()
}

// Close marks the end of the text input.
func (s *Synthesis) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Synthesis) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Synthesis) run() {
	attempt := 0
	_, err := backoff.Retry(s.h.ctx, func() (struct{}, error) {
		attempt++
		err := s.attempt()
		if err == nil {
			return struct{}{}, nil
		}
		se := Classify(KindSynthesis, err)
		if se.Kind == Terminal {
			return struct{}{}, backoff.Permanent(se)
		}
		if s.frames > 0 {
			return struct{}{}, backoff.Permanent(unretriable(se))
		}
		return struct{}{}, err
	}, s.cfg.Retry.options(func(err error, next time.Duration) {
		s.log.Warn("synthesis: retrying", "attempt", attempt, "backoff", next, "err", err)
		if s.cfg.OnRetry != nil {
			s.cfg.OnRetry(err)
		}
	})...)

	if s.h.cancelled() {
		return
	}
	if err != nil {
		se := exhausted(KindSynthesis, err)
		s.log.Info("synthesis: failed", "attempts", attempt, "frames", s.frames, "reason", se.Reason, "err", se.Err)
		s.h.fail(se)
		return
	}

	played := make(chan struct{})
	if !s.egress.Barrier(s.h.turnID, func() { close(played) }) {
		s.h.fail(Classify(KindSynthesis, errFlushed))
		return
	}
	select {
	case <-s.h.ctx.Done():
		return
	case <-played:
	}
	s.h.complete("", nil)
}

// attempt streams all text of the turn through one provider stream and
// queues the resulting frames.
func (s *Synthesis) attempt() error {
	ctx, cancel := context.WithCancelCause(s.h.ctx)
	defer cancel(nil)

	stop := guard(s.cfg.Timeout, cancel, "open synthesis stream")
	st, err := s.p.SynthesizeStream(ctx, s.cfg.Voice)
	stop()
	if err != nil {
		return fmt.Errorf("synthesize stream: %w", causeOf(ctx, err))
	}

	var (
		wg        sync.WaitGroup
		firstSent = make(chan struct{})
		inputDone = make(chan struct{})
		progress  = make(chan struct{}, 1)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.pump(ctx, cancel, st, firstSent, inputDone); err != nil {
			cancel(err)
		}
	}()
	go func() {
		defer wg.Done()
		s.watch(ctx, cancel, firstSent, inputDone, progress)
	}()
	defer func() {
		cancel(nil)
		st.Close()
		wg.Wait()
	}()

	fr := newFramer(s.p.OutputFormat(), s.cfg.Format, s.cfg.FrameDuration)
	for {
		chunk, err := st.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return causeOf(ctx, err)
		}
		select {
		case progress <- struct{}{}:
		default:
		}
		for _, f := range fr.push(chunk) {
			if err := s.enqueue(f); err != nil {
				return err
			}
		}
	}
	if f, ok := fr.flush(); ok {
		return s.enqueue(f)
	}
	return nil
}

func (s *Synthesis) enqueue(f audio.AudioFrame) error {
	if s.h.cancelled() || !s.egress.Enqueue(s.h.turnID, f) {
		return errFlushed
	}
	s.frames++
	if s.frames == 1 && !s.h.emit(Event{Type: EventStarted}) {
		return errFlushed
	}
	return nil
}

// pump sends the queued text in order and closes the send side once the
// reply is complete.
func (s *Synthesis) pump(ctx context.Context, cancel context.CancelCauseFunc, st tts.Stream, firstSent, inputDone chan struct{}) error {
	next := 0
	for {
		s.mu.Lock()
		pending := s.texts[next:]
		closed := s.closed
		s.mu.Unlock()

		for _, text := range pending {
			stop := guard(s.cfg.Timeout, cancel, "send text")
			err := st.Send(ctx, text)
			stop()
			if err != nil {
				return fmt.Errorf("send text: %w", causeOf(ctx, err))
			}
			next++
			if next == 1 {
				close(firstSent)
			}
		}
		if closed {
			if err := st.CloseSend(); err != nil {
				return fmt.Errorf("close send: %w", err)
			}
			close(inputDone)
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}
	}
}

// watch cancels the attempt when the provider stalls. The first audio must
// arrive within Timeout of the first fragment. While more text may follow,
// later gaps are not bounded; once the input is complete every gap is.
func (s *Synthesis) watch(ctx context.Context, cancel context.CancelCauseFunc, firstSent, inputDone, progress <-chan struct{}) {
	if s.cfg.Timeout <= 0 {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-firstSent:
	}

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	armed, gotAudio, inputClosed := true, false, false
	for {
		var fire <-chan time.Time
		if armed {
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-fire:
			cancel(fmt.Errorf("synthesis audio: %w", context.DeadlineExceeded))
			return
		case <-progress:
			gotAudio = true
			if inputClosed {
				timer.Reset(s.cfg.Timeout)
				armed = true
			} else {
				timer.Stop()
				armed = false
			}
		case <-inputDone:
			inputDone = nil
			inputClosed = true
			if gotAudio {
				timer.Reset(s.cfg.Timeout)
				armed = true
			}
		}
	}
}

// framer converts provider PCM into fixed-length egress frames.
type framer struct {
	src, dst audio.Format
	size     int
	carry    []byte
	out      []byte
	pos      time.Duration
}

func newFramer(src, dst audio.Format, d time.Duration) *framer {
	if src.Channels <= 0 {
		src.Channels = 1
	}
	return &framer{src: src, dst: dst, size: max(dst.BytesPer(d), 2*max(dst.Channels, 1))}
}

// push adds raw provider bytes and returns every full frame.
func (f *framer) push(chunk []byte) []audio.AudioFrame {
	f.carry = append(f.carry, chunk...)
	whole := len(f.carry) - len(f.carry)%(2*f.src.Channels)
	if whole > 0 {
		raw := f.carry[:whole]
		if f.src != f.dst {
			raw = audio.Convert(audio.AudioFrame{Data: raw, SampleRate: f.src.SampleRate, Channels: f.src.Channels}, f.dst).Data
		}
		f.out = append(f.out, raw...)
		f.carry = append(f.carry[:0:0], f.carry[whole:]...)
	}

	var frames []audio.AudioFrame
	for len(f.out) >= f.size {
		frames = append(frames, f.frame(bytes.Clone(f.out[:f.size])))
		f.out = f.out[f.size:]
	}
	return frames
}

// flush returns the trailing partial frame, if any.
func (f *framer) flush() (audio.AudioFrame, bool) {
	if len(f.out) == 0 {
		return audio.AudioFrame{}, false
	}
	fr := f.frame(bytes.Clone(f.out))
	f.out = nil
	return fr, true
}

func (f *framer) frame(data []byte) audio.AudioFrame {
	fr := audio.AudioFrame{Data: data, SampleRate: f.dst.SampleRate, Channels: f.dst.Channels, Timestamp: f.pos}
	f.pos += fr.Duration()
	return fr
}
