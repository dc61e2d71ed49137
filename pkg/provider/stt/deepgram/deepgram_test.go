package deepgram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_Overrides(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name     string
		cfg      stt.StreamConfig
		language string
		rate     string
	}{
		{"provider defaults", stt.StreamConfig{}, "de-DE", "48000"},
		{"config wins", stt.StreamConfig{Language: "fr-FR", SampleRate: 16000}, "fr-FR", "16000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawURL, err := p.buildURL(tt.cfg)
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			u, _ := url.Parse(rawURL)
			q := u.Query()
			assertEqual(t, "model", "base", q.Get("model"))
			assertEqual(t, "language", tt.language, q.Get("language"))
			assertEqual(t, "sample_rate", tt.rate, q.Get("sample_rate"))
		})
	}
}

func TestBuildURL_Keywords(t *testing.T) {
	p, _ := New("key")
	rawURL, err := p.buildURL(stt.StreamConfig{
		Keywords: []stt.KeywordBoost{{Keyword: "voxrelay", Boost: 5}, {Keyword: "LiveKit", Boost: 3.5}},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 || kws[0] != "voxrelay:5" || kws[1] != "LiveKit:3.5" {
		t.Errorf("keywords = %v", kws)
	}
}

func TestNew_EmptyKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New(\"\") succeeded, want error")
	}
}

func TestParseDeepgramResponse(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		ok     bool
		text   string
		final  bool
		words  int
		length time.Duration
	}{
		{
			name:  "interim result",
			msg:   `{"type":"Results","is_final":false,"start":0,"channel":{"alternatives":[{"transcript":"hello","confidence":0.8}]}}`,
			ok:    true,
			text:  "hello",
			final: false,
		},
		{
			name:   "final with words",
			msg:    `{"type":"Results","is_final":true,"start":1.0,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.95,"words":[{"word":"hello","start":1.0,"end":1.4,"confidence":0.9},{"word":"world","start":1.5,"end":2.0,"confidence":0.97}]}]}}`,
			ok:     true,
			text:   "hello world",
			final:  true,
			words:  2,
			length: time.Second,
		},
		{name: "metadata ignored", msg: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", msg: `{"type":"Results","channel":{"alternatives":[]}}`},
		{name: "invalid json", msg: `{not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseDeepgramResponse([]byte(tt.msg))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			assertEqual(t, "text", tt.text, got.Text)
			if got.IsFinal != tt.final {
				t.Errorf("IsFinal = %v, want %v", got.IsFinal, tt.final)
			}
			if len(got.Words) != tt.words {
				t.Errorf("words = %d, want %d", len(got.Words), tt.words)
			}
			if got.Duration != tt.length {
				t.Errorf("Duration = %v, want %v", got.Duration, tt.length)
			}
		})
	}
}

// fakeDeepgram accepts one websocket, answers every binary message with an
// interim result, commits a segment every second message and flushes on
// CloseStream.
func fakeDeepgram(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		n := 0
		for {
			typ, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && strings.Contains(string(msg), "CloseStream") {
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			n++
			word := "word" + string(rune('0'+n))
			c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"`+word+`"}]}}`))
			if n%2 == 0 {
				c.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"`+word+`","confidence":0.9}]}}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_PartialsThenSingleFinal(t *testing.T) {
	srv := fakeDeepgram(t)
	p, _ := New("key", WithEndpoint(wsURL(srv)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer s.Close()

	for range 4 {
		if err := s.SendAudio(ctx, make([]byte, 640)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if err := s.SendAudio(ctx, make([]byte, 640)); err == nil {
		t.Error("SendAudio after CloseSend succeeded")
	}

	var finals []stt.Transcript
	partials := 0
	for {
		tr, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if tr.IsFinal {
			finals = append(finals, tr)
		} else {
			partials++
		}
	}
	if len(finals) != 1 {
		t.Fatalf("got %d finals, want exactly 1", len(finals))
	}
	assertEqual(t, "final", "word2 word4", finals[0].Text)
	if partials == 0 {
		t.Error("no partial transcripts received")
	}
}

func TestStartStream_UnauthorizedIsRejected(t *testing.T) {
	srv := fakeDeepgram(t)
	p, _ := New("wrong", WithEndpoint(wsURL(srv)))

	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, stt.ErrRejected) {
		t.Fatalf("StartStream error = %v, want ErrRejected", err)
	}
}

func TestStream_ConnectionDropIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.CloseNow()
	}))
	defer srv.Close()
	p, _ := New("key", WithEndpoint(wsURL(srv)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := p.StartStream(ctx, stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer s.Close()

	_, err = s.Recv(ctx)
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("Recv error = %v, want connection error", err)
	}
	if errors.Is(err, stt.ErrRejected) {
		t.Errorf("dropped connection classified as rejection: %v", err)
	}
}
