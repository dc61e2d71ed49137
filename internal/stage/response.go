package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// ResponseConfig configures one response stage instance.
type ResponseConfig struct {
	// Timeout bounds opening the completion stream and the wait for every
	// subsequent chunk.
	Timeout time.Duration

	// ClauseAfter lets a fragment end at clause punctuation once this many
	// runes are pending without a sentence boundary. Zero disables it.
	ClauseAfter int

	// Retry bounds reconnection after transient failures. Retries only happen
	// before the first fragment was posted.
	Retry RetryPolicy

	// OnRetry, if set, is called before every retry.
	OnRetry func(err error)

	Logger *slog.Logger
}

// Response streams a completion and posts it as ordered [EventFragment]
// events followed by [EventComplete] with the full text, or [EventFailed].
type Response struct {
	h   *Handle
	p   llm.Provider
	req llm.CompletionRequest
	cfg ResponseConfig
	log *slog.Logger

	// fragments counts posted fragments. Only the run goroutine touches it.
	fragments int
}

type responseResult struct {
	text  string
	usage *llm.Usage
}

// StartResponse opens a response handle for turnID and starts generation in
// the background.
func StartResponse(parent context.Context, turnID string, p llm.Provider, req llm.CompletionRequest, cfg ResponseConfig, post Poster) *Response {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Response{
		h:   NewHandle(parent, KindResponse, turnID, post),
		p:   p,
		req: req,
		cfg: cfg,
		log: log.With("stage", KindResponse, "turn_id", turnID),
	}
	go r.run()
	return r
}

// Handle returns the stage handle.
func (r *Response) Handle() *Handle { return r.h }

func (r *Response) run() {
	attempt := 0
	res, err := backoff.Retry(r.h.ctx, func() (responseResult, error) {
		attempt++
		res, err := r.attempt()
		if err == nil {
			return res, nil
		}
		se := Classify(KindResponse, err)
		if se.Kind == Terminal {
			return responseResult{}, backoff.Permanent(se)
		}
		if r.fragments > 0 {
			// Spoken text cannot be taken back, so a broken stream ends the turn.
			return responseResult{}, backoff.Permanent(unretriable(se))
		}
		return responseResult{}, err
	}, r.cfg.Retry.options(func(err error, next time.Duration) {
		r.log.Warn("response: retrying", "attempt", attempt, "backoff", next, "err", err)
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(err)
		}
	})...)

	if r.h.cancelled() {
		return
	}
	if err != nil {
		se := exhausted(KindResponse, err)
		r.log.Info("response: failed", "attempts", attempt, "fragments", r.fragments, "reason", se.Reason, "err", se.Err)
		r.h.fail(se)
		return
	}
	r.h.complete(res.text, res.usage)
}

func (r *Response) attempt() (responseResult, error) {
	ctx, cancel := context.WithCancelCause(r.h.ctx)
	defer cancel(nil)

	stop := guard(r.cfg.Timeout, cancel, "open completion stream")
	s, err := r.p.StreamCompletion(ctx, r.req)
	stop()
	if err != nil {
		return responseResult{}, fmt.Errorf("stream completion: %w", causeOf(ctx, err))
	}
	defer s.Close()

	var (
		full     strings.Builder
		frag     = fragmenter{clauseAfter: r.cfg.ClauseAfter}
		usage    *llm.Usage
		finished bool
	)
	for {
		stop := guard(r.cfg.Timeout, cancel, "next completion chunk")
		c, err := s.Recv(ctx)
		stop()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return responseResult{}, causeOf(ctx, err)
		}
		if c.Usage != nil {
			usage = c.Usage
		}
		if c.Text != "" {
			if finished {
				return responseResult{}, fmt.Errorf("%w: text after finish reason %q", ErrProtocolViolation, c.Text)
			}
			full.WriteString(c.Text)
			for _, f := range frag.push(c.Text) {
				if err := r.post(f); err != nil {
					return responseResult{}, err
				}
			}
		}
		if c.FinishReason != "" {
			finished = true
		}
	}
	if rest := frag.flush(); rest != "" {
		if err := r.post(rest); err != nil {
			return responseResult{}, err
		}
	}
	return responseResult{text: strings.TrimSpace(full.String()), usage: usage}, nil
}

func (r *Response) post(fragment string) error {
	if !r.h.emit(Event{Type: EventFragment, Text: fragment}) {
		return context.Canceled
	}
	r.fragments++
	return nil
}
