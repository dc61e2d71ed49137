package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// ---- test helpers ----

// buildTestWAV constructs a minimal RIFF/WAVE byte slice around mono pcm at
// sampleRate.
func buildTestWAV(pcm []byte, sampleRate int) []byte {
	le := binary.LittleEndian
	buf := make([]byte, 44, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	le.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	le.PutUint32(buf[16:20], 16)
	le.PutUint16(buf[20:22], 1)
	le.PutUint16(buf[22:24], 1)
	le.PutUint32(buf[24:28], uint32(sampleRate))
	le.PutUint32(buf[28:32], uint32(sampleRate*2))
	le.PutUint16(buf[32:34], 2)
	le.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	le.PutUint32(buf[40:44], uint32(len(pcm)))
	return append(buf, pcm...)
}

// filled returns n bytes of b.
func filled(n int, b byte) []byte {
	return []byte(strings.Repeat(string([]byte{b}), n))
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

func mustStream(t *testing.T, p *Provider, voice tts.VoiceProfile) tts.Stream {
	t.Helper()
	s, err := p.SynthesizeStream(context.Background(), voice)
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// drain reads until io.EOF and returns the concatenated audio.
func drain(t *testing.T, s tts.Stream) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []byte
	for {
		pcm, err := s.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if len(pcm) > pcmChunkSize {
			t.Errorf("chunk of %d bytes exceeds %d", len(pcm), pcmChunkSize)
		}
		out = append(out, pcm...)
	}
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002")
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
		if p.apiMode != APIModeStandard {
			t.Errorf("apiMode = %q, want standard", p.apiMode)
		}
		if f := p.OutputFormat(); f.SampleRate != defaultSampleRate || f.Channels != 1 {
			t.Errorf("OutputFormat = %+v", f)
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002/")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
	})

	t.Run("options", func(t *testing.T) {
		p := mustNew(t, "http://x", WithLanguage("de"), WithTimeout(time.Second),
			WithAPIMode(APIModeXTTS), WithOutputSampleRate(48000))
		if p.language != "de" || p.httpClient.Timeout != time.Second || p.apiMode != APIModeXTTS {
			t.Errorf("provider = %+v", p)
		}
		if p.OutputFormat().SampleRate != 48000 {
			t.Errorf("sample rate = %d, want 48000", p.OutputFormat().SampleRate)
		}
	})

	t.Run("empty url", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Error("expected error for empty serverURL")
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		if _, err := New("http://x", WithAPIMode("fancy")); err == nil {
			t.Error("expected error for unknown API mode")
		}
	})
}

// ---- helpers ----

func TestFindSentenceBoundary(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"Hello world", -1},
		{"Hello.", 5},
		{"Hello. World", 5},
		{"Really? Yes", 6},
		{"Wow! ", 3},
		{"Pi is 3.14 exactly", -1},
		{"Dr.Who", -1},
		{"", -1},
	}
	for _, tt := range tests {
		if got := findSentenceBoundary(tt.in); got != tt.want {
			t.Errorf("findSentenceBoundary(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseWAV(t *testing.T) {
	wav := buildTestWAV([]byte{1, 2, 3, 4}, 24000)
	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.DataOffset != 44 || info.SampleRate != 24000 || info.Channels != 1 {
		t.Errorf("info = %+v", info)
	}

	// An odd-sized LIST chunk before data is skipped with its pad byte.
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)
	info, err = parseWAV(withList)
	if err != nil {
		t.Fatalf("parseWAV with LIST: %v", err)
	}
	if info.DataOffset != 44+len(list) {
		t.Errorf("DataOffset = %d, want %d", info.DataOffset, 44+len(list))
	}

	bad := [][]byte{
		[]byte("RIFF"),
		append([]byte("RIFX"), wav[4:]...),
		append(append([]byte{}, wav[:8]...), []byte("AVI ")...),
		wav[:36],
	}
	for i, b := range bad {
		if _, err := parseWAV(b); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

// ---- streaming ----

func TestStream_StandardModeKeepsSentenceOrder(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint {
			http.NotFound(w, r)
			return
		}
		text := r.URL.Query().Get("text")
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()
		// Earlier sentences answer later, so ordering depends on the stream.
		var b byte
		switch text {
		case "One.":
			b = 1
			time.Sleep(60 * time.Millisecond)
		case "Two!":
			b = 2
			time.Sleep(20 * time.Millisecond)
		default:
			b = 3
		}
		w.Write(buildTestWAV(filled(5000, b), defaultSampleRate))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithLanguage("en"))
	s := mustStream(t, p, tts.VoiceProfile{ID: "p225"})
	ctx := context.Background()
	for _, frag := range []string{"On", "e. Tw", "o! and three"} {
		if err := s.Send(ctx, frag); err != nil {
			t.Fatalf("Send(%q): %v", frag, err)
		}
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}

	got, err := drain(t, s)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 15000 {
		t.Fatalf("got %d bytes, want 15000", len(got))
	}
	for i, want := range []byte{1, 2, 3} {
		if got[i*5000] != want || got[i*5000+4999] != want {
			t.Errorf("sentence %d out of order", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(queries) != 3 {
		t.Fatalf("requests = %d, want 3", len(queries))
	}
	for _, q := range queries {
		if !strings.Contains(q, "speaker_id=p225") || !strings.Contains(q, "language_id=en") {
			t.Errorf("query %q missing speaker or language", q)
		}
	}
}

func TestStream_XTTSRequestAndConversion(t *testing.T) {
	bodies := make(chan ttsRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ttsEndpoint {
			http.NotFound(w, r)
			return
		}
		var body ttsRequest
		json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		w.Write(buildTestWAV(make([]byte, 3200), 16000)) // 100 ms at 16 kHz
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithLanguage("de"), WithOutputSampleRate(48000))
	s := mustStream(t, p, tts.VoiceProfile{ID: "speaker.wav"})
	s.Send(context.Background(), "Hallo")
	s.CloseSend()

	got, err := drain(t, s)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if want := p.OutputFormat().BytesPer(100 * time.Millisecond); len(got) != want {
		t.Errorf("got %d bytes, want %d", len(got), want)
	}
	if body := <-bodies; body.Text != "Hallo" || body.SpeakerWav != "speaker.wav" || body.Language != "de" {
		t.Errorf("request body = %+v", body)
	}
}

func TestStream_XTTSRequiresVoice(t *testing.T) {
	p := mustNew(t, "http://x", WithAPIMode(APIModeXTTS))
	if _, err := p.SynthesizeStream(context.Background(), tts.VoiceProfile{}); !errors.Is(err, tts.ErrRejected) {
		t.Errorf("SynthesizeStream = %v, want ErrRejected", err)
	}
}

func TestStream_ServerErrors(t *testing.T) {
	tests := []struct {
		status       int
		wantRejected bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			s := mustStream(t, mustNew(t, srv.URL), tts.VoiceProfile{})
			s.Send(context.Background(), "Hi.")
			s.CloseSend()
			_, err := drain(t, s)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, tts.ErrRejected); got != tt.wantRejected {
				t.Errorf("errors.Is(ErrRejected) = %v, want %v (%v)", got, tt.wantRejected, err)
			}
			// The error is sticky.
			if _, err2 := s.Recv(context.Background()); err2 == nil || errors.Is(err2, io.EOF) {
				t.Errorf("second Recv = %v, want the same error", err2)
			}
		})
	}
}

func TestStream_EmptyInput(t *testing.T) {
	p := mustNew(t, "http://127.0.0.1:1")
	s := mustStream(t, p, tts.VoiceProfile{})
	s.Send(context.Background(), "   ")
	s.CloseSend()
	got, err := drain(t, s)
	if err != nil || len(got) != 0 {
		t.Errorf("drain = %d bytes, %v", len(got), err)
	}
}

func TestStream_Close(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := mustStream(t, mustNew(t, srv.URL), tts.VoiceProfile{})
	s.Send(context.Background(), "Waiting.")

	done := make(chan error, 1)
	go func() {
		_, err := s.Recv(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, tts.ErrStreamClosed) {
			t.Errorf("Recv = %v, want ErrStreamClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
	if err := s.Send(context.Background(), "More."); !errors.Is(err, tts.ErrStreamClosed) {
		t.Errorf("Send after Close = %v, want ErrStreamClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// ---- voices ----

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case detailsEndpoint:
			json.NewEncoder(w).Encode(detailsResponse{ModelName: "vctk", Speakers: []string{"p226", "p225"}})
		case studioSpeakersEndpoint:
			w.Write([]byte(`{"Claribel Dervla": {}, "Ana Florence": {}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	std, err := mustNew(t, srv.URL).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("standard ListVoices: %v", err)
	}
	if len(std) != 2 || std[0].ID != "p225" || std[1].Metadata["model_name"] != "vctk" {
		t.Errorf("standard voices = %+v", std)
	}

	xtts, err := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS)).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("xtts ListVoices: %v", err)
	}
	if len(xtts) != 2 || xtts[0].ID != "Ana Florence" || xtts[0].Metadata["type"] != "studio" {
		t.Errorf("xtts voices = %+v", xtts)
	}
}

func TestListVoices_SingleSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"model_name": "tts_models/en/ljspeech/vits"}`))
	}))
	defer srv.Close()

	voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(voices) != 1 || voices[0].ID != "tts_models/en/ljspeech/vits" || voices[0].Metadata["type"] != "single-speaker" {
		t.Errorf("voices = %+v", voices)
	}
}

func TestCloneVoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil || len(r.MultipartForm.File["wav_files"]) != 2 {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"name": "cloned-1"}`))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	v, err := p.CloneVoice(context.Background(), [][]byte{buildTestWAV(nil, 16000), buildTestWAV(nil, 16000)})
	if err != nil {
		t.Fatalf("CloneVoice: %v", err)
	}
	if v.ID != "cloned-1" || v.Metadata["type"] != "cloned" {
		t.Errorf("voice = %+v", v)
	}

	if _, err := p.CloneVoice(context.Background(), nil); err == nil {
		t.Error("expected error for no samples")
	}
	if _, err := mustNew(t, srv.URL).CloneVoice(context.Background(), [][]byte{{1}}); err == nil {
		t.Error("expected error in standard mode")
	}
}
