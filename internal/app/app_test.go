package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/internal/notify"
	"github.com/MrWong99/voxrelay/internal/token"
	"github.com/MrWong99/voxrelay/pkg/audio"
	audiomock "github.com/MrWong99/voxrelay/pkg/audio/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxrelay/pkg/provider/stt/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
	vadmock "github.com/MrWong99/voxrelay/pkg/provider/vad/mock"
)

const waitTimeout = 5 * time.Second

// testConfig returns a minimal config that selects the mock providers.
func testConfig() *config.Config {
	mock := config.ProviderEntry{Name: "mock"}
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{STT: mock, LLM: mock, TTS: mock, VAD: mock},
		Token: config.TokenConfig{
			APIKey:    "devkey",
			APISecret: "devsecret-devsecret-devsecret-00",
			URL:       "ws://localhost:7880",
		},
	}
}

// testRegistry registers mock providers under "mock".
func testRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{Default: llmmock.Script{Chunks: []llm.Chunk{{Text: "Hi."}}}}, nil
	})
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})
	reg.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) {
		return &vadmock.Engine{}, nil
	})
	return reg
}

// recorder collects notifications.
type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) has(typ string) (notify.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return e, true
		}
	}
	return notify.Event{}, false
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]app.Option{
		app.WithHistoryStore(history.NewMemStore()),
		app.WithNotifier(rec),
		app.WithLogger(slog.New(slog.DiscardHandler), new(slog.LevelVar)),
	}, opts...)
	a, err := app.New(context.Background(), cfg, testRegistry(), opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a, rec
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())
	if a.Handler() == nil || a.Sessions() == nil || a.Issuer() == nil {
		t.Fatal("New returned an App with nil subsystems")
	}
	if got := a.ShutdownTimeout(); got != 15*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 15s", got)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{"unknown provider", func(c *config.Config) { c.Providers.STT.Name = "nope" }, config.ErrProviderNotRegistered},
		{"no token credentials", func(c *config.Config) { c.Token.APISecret = "" }, token.ErrNoCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := app.New(context.Background(), cfg, testRegistry(),
				app.WithHistoryStore(history.NewMemStore()),
				app.WithNotifier(&recorder{}),
				app.WithLogger(slog.New(slog.DiscardHandler), nil),
			)
			if !errors.Is(err, tt.want) {
				t.Errorf("New = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/token?room_name=r1&participant_name=alice", "", http.StatusOK},
		{http.MethodPost, "/token", `{"room_name":"r1","participant_name":"bob"}`, http.StatusOK},
		{http.MethodPost, "/token", `{"room_name":"r1"}`, http.StatusBadRequest},
		{http.MethodGet, "/rooms/ws", "", http.StatusUnauthorized},
		{http.MethodGet, "/sessions", "", http.StatusUnauthorized},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tt.method, tt.path, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
}

func TestHandler_TokenVerifies(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/token", "application/json",
		strings.NewReader(`{"room_name":"lobby","participant_name":"carol"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body token.Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.LiveKitURL != "ws://localhost:7880" {
		t.Errorf("livekit_url = %q", body.LiveKitURL)
	}
	claims, err := a.Issuer().Verify(body.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Video.Room != "lobby" || claims.Identity() != "carol" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestSessions_RoomScoped(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())
	for _, j := range []struct{ room, participant string }{{"lobby", "carol"}, {"lobby", "dave"}, {"attic", "erin"}} {
		err := a.Sessions().Dispatch(context.Background(), audio.Event{
			Type:          audio.EventJoin,
			RoomID:        j.room,
			ParticipantID: j.participant,
			Sink:          &audiomock.Sink{},
		})
		if err != nil {
			t.Fatalf("join %s/%s: %v", j.room, j.participant, err)
		}
	}

	get := func(grant token.Grant) *httptest.ResponseRecorder {
		raw, err := a.Issuer().Issue(grant)
		if err != nil {
			t.Fatal(err)
		}
		req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rr := httptest.NewRecorder()
		a.Handler().ServeHTTP(rr, req)
		return rr
	}

	rr := get(token.Grant{Room: "lobby", ParticipantName: "carol", CanSubscribe: true})
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /sessions = %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Room     string `json:"room"`
		Sessions []struct {
			RoomID        string `json:"room_id"`
			ParticipantID string `json:"participant_id"`
		} `json:"sessions"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Room != "lobby" || len(body.Sessions) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Sessions[0].ParticipantID != "carol" || body.Sessions[1].ParticipantID != "dave" {
		t.Errorf("sessions = %+v, want carol then dave", body.Sessions)
	}

	if rr := get(token.Grant{Room: "lobby", ParticipantName: "mallory"}); rr.Code != http.StatusForbidden {
		t.Errorf("token without subscribe = %d, want 403", rr.Code)
	}
}

func TestReadyz_FailingCheck(t *testing.T) {
	t.Parallel()
	store := history.NewMemStore()
	a, _ := newApp(t, testConfig(), app.WithHistoryStore(store))
	store.Close()

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503 (%s)", rr.Code, rr.Body.String())
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	a, _ := newApp(t, testConfig(), app.WithLogger(slog.New(slog.DiscardHandler), level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Pipeline.GracePeriod = 3 * time.Second
	next.Server.ShutdownTimeout = 2 * time.Second
	a.ApplyConfig(next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := a.ShutdownTimeout(); got != 2*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 2s", got)
	}
}

func TestServe_ShutdownEndsSessions(t *testing.T) {
	t.Parallel()
	a, rec := newApp(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	err = a.Sessions().Dispatch(context.Background(), audio.Event{
		Type:          audio.EventJoin,
		RoomID:        "r1",
		ParticipantID: "p1",
		Sink:          &audiomock.Sink{},
	})
	if err != nil {
		t.Fatalf("Dispatch join: %v", err)
	}
	if a.Sessions().Len() != 1 {
		t.Errorf("sessions = %d, want 1", a.Sessions().Len())
	}

	cancel()
	select {
	case err := <-served:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return")
	}

	sctx, scancel := context.WithTimeout(context.Background(), waitTimeout)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, ok := rec.has(notify.TypeStarted); !ok {
		t.Error("no session.started notification")
	}
	ev, ok := rec.has(notify.TypeEnded)
	if !ok {
		t.Fatal("no session.ended notification")
	}
	if ev.Reason != "shutdown" || ev.RoomID != "r1" {
		t.Errorf("ended event = %+v", ev)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
