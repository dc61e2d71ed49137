// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// One websocket carries one reply: fragments are sent as they arrive, an empty
// text message flushes the remaining buffer and the server marks the last audio
// message with isFinal.
package elevenlabs

import (
	"context"
	"encoding/base64"
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

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

const (
	defaultEndpoint  = "wss://api.elevenlabs.io"
	defaultAPIBase   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format. Only the raw PCM formats
// ("pcm_16000", "pcm_22050", "pcm_24000", "pcm_44100") are accepted by [New].
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the websocket base URL (ws:// or wss://).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithAPIBase overrides the REST base URL used by ListVoices.
func WithAPIBase(base string) Option {
	return func(p *Provider) {
		p.apiBase = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpoint     string
	apiBase      string
	httpClient   *http.Client
	format       audio.Format
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpoint:     defaultEndpoint,
		apiBase:      defaultAPIBase,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	f, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.format = f
	return p, nil
}

// parseOutputFormat maps an ElevenLabs "pcm_<rate>" format to mono PCM.
func parseOutputFormat(s string) (audio.Format, error) {
	rate, ok := strings.CutPrefix(s, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q: only pcm_* is supported", s)
	}
	sr, err := strconv.Atoi(rate)
	if err != nil || sr <= 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: invalid output format %q", s)
	}
	return audio.Format{SampleRate: sr, Channels: 1}, nil
}

// OutputFormat implements tts.Provider.
func (p *Provider) OutputFormat() audio.Format {
	return p.format
}

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// buildURL constructs the stream-input URL for a voice.
func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return p.endpoint + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// SynthesizeStream opens a WebSocket to ElevenLabs for voice and sends the
// begin-of-input handshake. Handshake failures with a 4xx status wrap
// [tts.ErrRejected].
func (p *Provider) SynthesizeStream(ctx context.Context, voice tts.VoiceProfile) (tts.Stream, error) {
	if voice.ID == "" {
		return nil, fmt.Errorf("elevenlabs: %w: voice.ID must not be empty", tts.ErrRejected)
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)
	conn, resp, err := websocket.Dial(ctx, p.buildURL(voice.ID), &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("elevenlabs: dial: %w (status %d)", tts.ErrRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 {
		vs.Speed = voice.SpeedFactor
	}
	// ElevenLabs requires a non-empty first text value.
	boi, _ := json.Marshal(boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey})
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:   conn,
		cancel: cancel,
		audio:  make(chan result, 256),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop(readCtx)
	return s, nil
}

type result struct {
	pcm []byte
	err error
}

// stream is one ElevenLabs synthesis session. It implements tts.Stream.
type stream struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	audio chan result
	wg    sync.WaitGroup

	mu         sync.Mutex
	sendClosed bool

	done      chan struct{}
	closeOnce sync.Once
}

// Send queues text for synthesis. A trailing space keeps word boundaries
// between fragments intact on the server side.
func (s *stream) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	closed := s.sendClosed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("elevenlabs: send after CloseSend: %w", tts.ErrStreamClosed)
	}
	select {
	case <-s.done:
		return tts.ErrStreamClosed
	default:
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	msg, _ := json.Marshal(textMessage{Text: text + " ", TryTriggerGeneration: true})
	if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("elevenlabs: write text: %w", err)
	}
	return nil
}

// CloseSend sends the flush command.
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
	msg, _ := json.Marshal(textMessage{Text: ""})
	if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("elevenlabs: flush: %w", err)
	}
	return nil
}

// Recv returns the next PCM chunk or io.EOF after the final one.
func (s *stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, tts.ErrStreamClosed
	case r, ok := <-s.audio:
		if !ok {
			return nil, io.EOF
		}
		return r.pcm, r.err
	}
}

// Close aborts synthesis.
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

// readLoop decodes audio messages until isFinal, a server error or a closed
// connection.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.audio)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case s.flushing() && (status == websocket.StatusNormalClosure || errors.Is(err, io.EOF)):
			case status == websocket.StatusPolicyViolation || status == websocket.StatusUnsupportedData:
				s.publish(result{err: fmt.Errorf("elevenlabs: %w: %v", tts.ErrRejected, err)})
			default:
				s.publish(result{err: fmt.Errorf("elevenlabs: read: %w", err)})
			}
			return
		}

		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			s.publish(result{err: classifyServerError(resp.Error, resp.Message)})
			return
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				s.publish(result{err: fmt.Errorf("elevenlabs: decode audio: %w", err)})
				return
			}
			if !s.publish(result{pcm: pcm}) {
				return
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

func (s *stream) publish(r result) bool {
	select {
	case s.audio <- r:
		return true
	case <-s.done:
		return false
	}
}

// classifyServerError maps in-band error messages. Quota and authentication
// problems are rejections; everything else may succeed on retry.
func classifyServerError(code, message string) error {
	lower := strings.ToLower(code + " " + message)
	for _, k := range []string{"quota", "auth", "invalid", "voice_not_found", "not_found", "unusual_activity"} {
		if strings.Contains(lower, k) {
			return fmt.Errorf("elevenlabs: %w: %s: %s", tts.ErrRejected, code, message)
		}
	}
	return fmt.Errorf("elevenlabs: server error: %s: %s", code, message)
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available from ElevenLabs for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: unexpected status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices decode: %w", err)
	}
	return toProfiles(vr.Voices), nil
}

func toProfiles(voices []elevenLabsVoice) []tts.VoiceProfile {
	profiles := make([]tts.VoiceProfile, 0, len(voices))
	for _, v := range voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, tts.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles
}

var _ tts.Provider = (*Provider)(nil)
