// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Deepgram commits an utterance in several is_final segments. The stream joins
// them and surfaces every intermediate state as a partial; the concatenation
// is returned as the single final transcript once the server has flushed all
// audio after CloseSend.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint (ws:// or wss://).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// Handshake failures with a 4xx status wrap [stt.ErrRejected].
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("deepgram: dial: %w (status %d)", stt.ErrRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:    conn,
		cancel:  cancel,
		results: make(chan result, 64),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop(readCtx)
	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string  `json:"type"`
	IsFinal bool    `json:"is_final"`
	Start   float64 `json:"start"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type result struct {
	t   stt.Transcript
	err error
}

// stream is a live Deepgram streaming session. It implements stt.Stream.
type stream struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	results chan result
	wg      sync.WaitGroup

	mu         sync.Mutex
	sendClosed bool

	done      chan struct{}
	closeOnce sync.Once
}

// SendAudio writes a PCM chunk to Deepgram.
func (s *stream) SendAudio(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	closed := s.sendClosed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("deepgram: send after CloseSend: %w", stt.ErrStreamClosed)
	}
	select {
	case <-s.done:
		return stt.ErrStreamClosed
	default:
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("deepgram: write audio: %w", err)
	}
	return nil
}

// CloseSend asks Deepgram to flush all pending audio and close the stream.
func (s *stream) CloseSend() error {
	s.mu.Lock()
	if s.sendClosed {
		s.mu.Unlock()
		return nil
	}
	s.sendClosed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// Recv returns the next transcript, the final one, or io.EOF.
func (s *stream) Recv(ctx context.Context) (stt.Transcript, error) {
	select {
	case <-ctx.Done():
		return stt.Transcript{}, ctx.Err()
	case <-s.done:
		return stt.Transcript{}, stt.ErrStreamClosed
	case r, ok := <-s.results:
		if !ok {
			return stt.Transcript{}, io.EOF
		}
		return r.t, r.err
	}
}

// Close terminates the session.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.wg.Wait()
	})
	return nil
}

func (s *stream) flushing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendClosed
}

// readLoop receives JSON messages from Deepgram, assembles the utterance and
// publishes partials, then the final transcript or the terminating error.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)

	var (
		committed []string
		last      stt.Transcript
	)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case s.flushing() && (status == websocket.StatusNormalClosure || errors.Is(err, io.EOF)):
				last.Text = strings.Join(committed, " ")
				last.IsFinal = true
				s.publish(result{t: last})
			case status == websocket.StatusPolicyViolation || status == websocket.StatusUnsupportedData:
				s.publish(result{err: fmt.Errorf("deepgram: %w: %v", stt.ErrRejected, err)})
			default:
				s.publish(result{err: fmt.Errorf("deepgram: read: %w", err)})
			}
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		if t.IsFinal {
			if t.Text != "" {
				committed = append(committed, t.Text)
			}
			last.Confidence = t.Confidence
			last.Words = append(last.Words, t.Words...)
			if len(committed) == 1 {
				last.Timestamp = t.Timestamp
			}
			last.Duration = t.Timestamp + t.Duration - last.Timestamp
			t = stt.Transcript{Text: strings.Join(committed, " "), Confidence: t.Confidence}
		} else if len(committed) > 0 {
			t.Text = strings.TrimSpace(strings.Join(committed, " ") + " " + t.Text)
		}
		if t.Text == "" {
			continue
		}
		s.publish(result{t: t})
	}
}

func (s *stream) publish(r result) {
	select {
	case s.results <- r:
	case <-s.done:
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	var end float64
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
		end = w.End
	}

	t := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		Timestamp:  seconds(resp.Start),
	}
	if end > resp.Start {
		t.Duration = seconds(end - resp.Start)
	}
	return t, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

var _ stt.Provider = (*Provider)(nil)
