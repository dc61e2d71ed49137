package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		opts    []Option
		want    audio.Format
		wantErr bool
	}{
		{name: "defaults", key: "k", want: audio.Format{SampleRate: 16000, Channels: 1}},
		{name: "24k", key: "k", opts: []Option{WithOutputFormat("pcm_24000")}, want: audio.Format{SampleRate: 24000, Channels: 1}},
		{name: "empty key", key: "", wantErr: true},
		{name: "mp3 rejected", key: "k", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "bad rate", key: "k", opts: []Option{WithOutputFormat("pcm_x")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.key, tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.OutputFormat() != tt.want {
				t.Errorf("OutputFormat() = %+v, want %+v", p.OutputFormat(), tt.want)
			}
		})
	}
}

func TestBuildURL(t *testing.T) {
	p, _ := New("k", WithModel("eleven_turbo_v2"))
	u, err := url.Parse(p.buildURL("voice-abc123"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "api.elevenlabs.io" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/v1/text-to-speech/voice-abc123/stream-input" {
		t.Errorf("path = %q", u.Path)
	}
	if got := u.Query().Get("model_id"); got != "eleven_turbo_v2" {
		t.Errorf("model_id = %q", got)
	}
	if got := u.Query().Get("output_format"); got != "pcm_16000" {
		t.Errorf("output_format = %q", got)
	}
}

func TestClassifyServerError(t *testing.T) {
	tests := []struct {
		code     string
		rejected bool
	}{
		{"quota_exceeded", true},
		{"invalid_api_key", true},
		{"voice_not_found", true},
		{"internal_server_error", false},
		{"input_timeout_exceeded", false},
	}
	for _, tt := range tests {
		err := classifyServerError(tt.code, "")
		if got := errors.Is(err, tts.ErrRejected); got != tt.rejected {
			t.Errorf("%s: rejected = %v, want %v", tt.code, got, tt.rejected)
		}
	}
}

// fakeElevenLabs answers every text fragment with one audio chunk whose
// bytes encode the fragment index, and sends isFinal after the flush.
func fakeElevenLabs(t *testing.T, texts chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		send := func(v any) {
			b, _ := json.Marshal(v)
			c.Write(ctx, websocket.MessageText, b)
		}
		n := 0
		first := true
		for {
			_, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			json.Unmarshal(msg, &m)
			text, _ := m["text"].(string)
			if first {
				first = false
				if m["xi_api_key"] != "key" {
					c.Close(websocket.StatusPolicyViolation, "bad key")
					return
				}
				continue
			}
			if text == "" {
				send(map[string]any{"audio": nil, "isFinal": true})
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			if texts != nil {
				texts <- text
			}
			n++
			pcm := []byte{byte(n), byte(n), byte(n), byte(n)}
			send(map[string]any{"audio": base64.StdEncoding.EncodeToString(pcm), "isFinal": false})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStream_FragmentsInOrder(t *testing.T) {
	texts := make(chan string, 8)
	srv := fakeElevenLabs(t, texts)
	p, _ := New("key", WithEndpoint(wsURL(srv)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := p.SynthesizeStream(ctx, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	defer s.Close()

	for _, frag := range []string{"One.", "Two.", "Three."} {
		if err := s.Send(ctx, frag); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}

	var got []byte
	for {
		pcm, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, pcm[0])
	}
	if string(got) != "\x01\x02\x03" {
		t.Errorf("chunk order = %v, want [1 2 3]", got)
	}
	close(texts)
	var sent []string
	for s := range texts {
		sent = append(sent, s)
	}
	if fmt.Sprint(sent) != "[One.  Two.  Three. ]" {
		t.Errorf("texts sent = %q", sent)
	}
}

func TestSynthesizeStream_Rejections(t *testing.T) {
	srv := fakeElevenLabs(t, nil)

	t.Run("empty voice", func(t *testing.T) {
		p, _ := New("key", WithEndpoint(wsURL(srv)))
		if _, err := p.SynthesizeStream(context.Background(), tts.VoiceProfile{}); !errors.Is(err, tts.ErrRejected) {
			t.Errorf("err = %v, want ErrRejected", err)
		}
	})
	t.Run("bad key", func(t *testing.T) {
		p, _ := New("wrong", WithEndpoint(wsURL(srv)))
		if _, err := p.SynthesizeStream(context.Background(), tts.VoiceProfile{ID: "v"}); !errors.Is(err, tts.ErrRejected) {
			t.Errorf("err = %v, want ErrRejected", err)
		}
	})
}

func TestStream_SendAfterClose(t *testing.T) {
	srv := fakeElevenLabs(t, nil)
	p, _ := New("key", WithEndpoint(wsURL(srv)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := p.SynthesizeStream(ctx, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	s.Close()
	if err := s.Send(ctx, "late"); !errors.Is(err, tts.ErrStreamClosed) {
		t.Errorf("Send after Close = %v, want ErrStreamClosed", err)
	}
	if _, err := s.Recv(ctx); !errors.Is(err, tts.ErrStreamClosed) {
		t.Errorf("Recv after Close = %v, want ErrStreamClosed", err)
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" || r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"voices":[{"voice_id":"abc","name":"Rachel","category":"premade","labels":{"accent":"american"}}]}`)
	}))
	defer srv.Close()

	p, _ := New("key", WithAPIBase(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("got %d voices", len(voices))
	}
	v := voices[0]
	if v.ID != "abc" || v.Name != "Rachel" || v.Provider != "elevenlabs" {
		t.Errorf("voice = %+v", v)
	}
	if v.Metadata["accent"] != "american" || v.Metadata["category"] != "premade" {
		t.Errorf("metadata = %v", v.Metadata)
	}

	bad, _ := New("other", WithAPIBase(srv.URL))
	if _, err := bad.ListVoices(context.Background()); err == nil {
		t.Error("expected error for unauthorized key")
	}
}
