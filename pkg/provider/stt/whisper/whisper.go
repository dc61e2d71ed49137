// Package whisper provides an STT provider backed by a local whisper.cpp
// server.
//
// whisper.cpp transcribes in batch: it exposes POST /inference and answers
// with the text of a whole recording. A [Stream] therefore buffers the audio
// of one utterance and submits it when the caller signals the end of the
// utterance with CloseSend. Recv yields exactly one final transcript and then
// io.EOF; no partials are produced.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	s, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
//	s.SendAudio(ctx, pcm)
//	s.CloseSend()
//	final, err := s.Recv(ctx)
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	defaultLanguage    = "en"
	defaultSampleRate  = 16000
	defaultMaxDuration = 30 * time.Second
	defaultTimeout     = 30 * time.Second

	inferenceEndpoint = "/inference"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the server (e.g., "en", "de").
// Defaults to "en". A StreamConfig language takes precedence.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithMaxDuration caps the audio a single stream may buffer. SendAudio past
// the cap fails with [stt.ErrRejected]. Defaults to 30 s.
func WithMaxDuration(d time.Duration) Option {
	return func(p *Provider) {
		p.maxDuration = d
	}
}

// WithHTTPClient sets the client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Multiple streams may be open simultaneously; each buffers its own audio.
type Provider struct {
	serverURL   string
	model       string
	language    string
	maxDuration time.Duration
	httpClient  *http.Client
}

// New creates a Provider that sends audio to the whisper.cpp server at
// serverURL (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:   strings.TrimRight(serverURL, "/"),
		language:    defaultLanguage,
		maxDuration: defaultMaxDuration,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a buffering stream. No request is made until CloseSend.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}
	var words []string
	for _, kw := range cfg.Keywords {
		words = append(words, kw.Keyword)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &stream{
		p:        p,
		language: lang,
		prompt:   strings.Join(words, ", "),
		rate:     sr,
		channels: ch,
		maxBytes: int(p.maxDuration.Seconds() * float64(sr*ch*bitsPerSample/8)),
		ctx:      ctx,
		cancel:   cancel,
		result:   make(chan result, 1),
	}, nil
}

type result struct {
	t   stt.Transcript
	err error
}

// stream is one utterance. It implements stt.Stream.
type stream struct {
	p        *Provider
	language string
	prompt   string
	rate     int
	channels int
	maxBytes int

	ctx    context.Context
	cancel context.CancelFunc
	result chan result

	mu        sync.Mutex
	buf       []byte
	sendDone  bool
	closed    bool
	delivered bool
}

// SendAudio appends a chunk of 16-bit little-endian PCM to the utterance.
func (s *stream) SendAudio(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return stt.ErrStreamClosed
	case s.sendDone:
		return errors.New("whisper: SendAudio after CloseSend")
	case s.maxBytes > 0 && len(s.buf)+len(chunk) > s.maxBytes:
		return fmt.Errorf("whisper: utterance exceeds %v: %w", s.p.maxDuration, stt.ErrRejected)
	}
	s.buf = append(s.buf, chunk...)
	return nil
}

// CloseSend submits the buffered utterance for transcription.
func (s *stream) CloseSend() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stt.ErrStreamClosed
	}
	if s.sendDone {
		s.mu.Unlock()
		return nil
	}
	s.sendDone = true
	pcm := s.buf
	s.buf = nil
	s.mu.Unlock()

	go func() {
		duration := time.Duration(len(pcm)/(s.channels*bitsPerSample/8)) * time.Second / time.Duration(s.rate)
		if len(pcm) == 0 {
			s.result <- result{t: stt.Transcript{IsFinal: true}}
			return
		}
		text, err := s.infer(s.ctx, pcm)
		s.result <- result{
			t:   stt.Transcript{Text: strings.TrimSpace(text), IsFinal: true, Duration: duration},
			err: err,
		}
	}()
	return nil
}

// Recv returns the final transcript once the server has answered, then
// io.EOF.
func (s *stream) Recv(ctx context.Context) (stt.Transcript, error) {
	s.mu.Lock()
	closed, delivered := s.closed, s.delivered
	s.mu.Unlock()
	if closed {
		return stt.Transcript{}, stt.ErrStreamClosed
	}
	if delivered {
		return stt.Transcript{}, io.EOF
	}
	select {
	case r := <-s.result:
		s.mu.Lock()
		s.delivered = true
		s.mu.Unlock()
		return r.t, r.err
	case <-s.ctx.Done():
		return stt.Transcript{}, stt.ErrStreamClosed
	case <-ctx.Done():
		return stt.Transcript{}, ctx.Err()
	}
}

// Close abandons the utterance and any in-flight request.
func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.buf = nil
		s.cancel()
	}
	return nil
}

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp /inference
// endpoint as multipart/form-data.
func (s *stream) infer(ctx context.Context, pcm []byte) (string, error) {
	wav := encodeWAV(pcm, s.rate, s.channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	// Keywords go into the decoder prompt, which biases spelling.
	fields := map[string]string{"response_format": "json", "language": s.language, "model": s.p.model, "prompt": s.prompt}
	for _, k := range []string{"response_format", "language", "model", "prompt"} {
		if fields[k] == "" {
			continue
		}
		if err := mw.WriteField(k, fields[k]); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+inferenceEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if rejected(resp.StatusCode) {
			return "", fmt.Errorf("%w: %w", stt.ErrRejected, err)
		}
		return "", err
	}

	var out struct {
		Text  string `json:"text"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("whisper: %s: %w", out.Error, stt.ErrRejected)
	}
	return out.Text, nil
}

// rejected reports whether an HTTP status means retrying will not help.
func rejected(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
