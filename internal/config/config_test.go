package config_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/pkg/audio"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxrelay/pkg/provider/stt/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
	vadmock "github.com/MrWong99/voxrelay/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info
  allowed_origins: ["https://app.example.com"]

providers:
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-2
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
    fallbacks:
      - name: anthropic
        model: claude-3-5-haiku-latest
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      output_format: pcm_16000

pipeline:
  grace_period: 10s
  max_consecutive_failures: 5
  vad:
    speech_threshold: 0.6
    silence_threshold: 0.3
    silence_timeout: 500ms
  deadlines:
    response: 8s
  retry:
    max_attempts: 4
  summarise: true

persona:
  name: Ada
  system_prompt: You are Ada, a concise assistant.
  language: de-DE
  voice:
    voice_id: rachel
    speed_factor: 1.1
  temperature: 0.7
  vocabulary: [Eldrinax, Tower of Whispers]
  greeting: Welcome back, traveller.

token:
  api_key: devkey
  api_secret: devsecret
  url: wss://rooms.example.com
  ttl: 2h

history:
  backend: sqlite
  path: /var/lib/voxrelay/history.db

notify:
  nats_url: nats://localhost:4222
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Providers.LLM.Name != "openai" {
		t.Errorf("providers.llm.name: got %q, want %q", cfg.Providers.LLM.Name, "openai")
	}
	if len(cfg.Providers.LLM.Fallbacks) != 1 || cfg.Providers.LLM.Fallbacks[0].Name != "anthropic" {
		t.Errorf("providers.llm.fallbacks: got %+v", cfg.Providers.LLM.Fallbacks)
	}
	if cfg.Pipeline.GracePeriod != 10*time.Second {
		t.Errorf("pipeline.grace_period: got %v, want 10s", cfg.Pipeline.GracePeriod)
	}
	if cfg.Pipeline.VAD.SilenceTimeout != 500*time.Millisecond {
		t.Errorf("pipeline.vad.silence_timeout: got %v, want 500ms", cfg.Pipeline.VAD.SilenceTimeout)
	}
	if cfg.Token.TTL != 2*time.Hour {
		t.Errorf("token.ttl: got %v, want 2h", cfg.Token.TTL)
	}
	if cfg.History.Backend != config.HistorySQLite {
		t.Errorf("history.backend: got %q", cfg.History.Backend)
	}
	if cfg.Persona.Voice.SpeedFactor != 1.1 {
		t.Errorf("persona.voice.speed_factor: got %.2f, want 1.1", cfg.Persona.Voice.SpeedFactor)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	yaml := sampleYAML + "\nagents: []\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestSessionConfig(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	sc := cfg.SessionConfig()

	if sc.GracePeriod != 10*time.Second || sc.MaxConsecutiveFailures != 5 {
		t.Errorf("grace %v failures %d", sc.GracePeriod, sc.MaxConsecutiveFailures)
	}
	if sc.VAD.SpeechThreshold != 0.6 || sc.VAD.SilenceThreshold != 0.3 {
		t.Errorf("vad thresholds = %+v", sc.VAD)
	}
	if sc.TurnBuffer.SilenceTimeout != 500*time.Millisecond {
		t.Errorf("silence timeout = %v", sc.TurnBuffer.SilenceTimeout)
	}
	// Unset boundaries keep their defaults so the turn buffer stays valid.
	if sc.TurnBuffer.MinSpeech == 0 || sc.TurnBuffer.ChunkDuration == 0 {
		t.Errorf("turn buffer defaults lost: %+v", sc.TurnBuffer)
	}
	if err := sc.TurnBuffer.Validate(); err != nil {
		t.Errorf("turn buffer invalid: %v", err)
	}
	if sc.ResponseTimeout != 8*time.Second || sc.TranscriptionTimeout != 0 {
		t.Errorf("deadlines: response %v transcription %v", sc.ResponseTimeout, sc.TranscriptionTimeout)
	}
	if sc.Retry.MaxAttempts != 4 || sc.Retry.InitialBackoff == 0 {
		t.Errorf("retry = %+v", sc.Retry)
	}
	p := sc.Persona
	if p.Name != "Ada" || p.Language != "de-DE" || p.Temperature != 0.7 {
		t.Errorf("persona = %+v", p)
	}
	if p.Voice.ID != "rachel" || p.Voice.Provider != "elevenlabs" || p.Voice.SpeedFactor != 1.1 {
		t.Errorf("voice = %+v", p.Voice)
	}
	if len(p.Vocabulary) != 2 || p.Vocabulary[1] != "Tower of Whispers" {
		t.Errorf("vocabulary = %q", p.Vocabulary)
	}
	if p.Greeting != "Welcome back, traveller." {
		t.Errorf("greeting = %q", p.Greeting)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

type counted struct {
	stt, llm, tts, vad int
}

func newMockRegistry(c *counted) *config.Registry {
	reg := config.NewRegistry()
	registerMocks(reg, c)
	return reg
}

func registerMocks(reg *config.Registry, c *counted) {
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) {
		c.stt++
		return &sttmock.Provider{}, nil
	})
	for _, name := range []string{"openai", "anthropic"} {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) {
			c.llm++
			return &llmmock.Provider{}, nil
		})
	}
	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		c.tts++
		if e.Options["output_format"] == "pcm_24000" {
			return &ttsmock.Provider{Format: audio.Format{SampleRate: 24000, Channels: 1}}, nil
		}
		return &ttsmock.Provider{}, nil
	})
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		c.vad++
		return &vadmock.Engine{}, nil
	})
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	reg := config.NewRegistry()
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateVAD = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Capabilities(t *testing.T) {
	var c counted
	reg := newMockRegistry(&c)
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	caps, err := reg.Capabilities(cfg.Providers, nil)
	if err != nil {
		t.Fatalf("Capabilities: %v", err)
	}
	if err := caps.Validate(); err != nil {
		t.Fatalf("incomplete capabilities: %v", err)
	}
	if _, ok := caps.LLM.(*resilience.LLMFallback); !ok {
		t.Errorf("LLM with fallbacks is %T, want *resilience.LLMFallback", caps.LLM)
	}
	if _, ok := caps.STT.(*sttmock.Provider); !ok {
		t.Errorf("STT without fallbacks is %T, want the plain provider", caps.STT)
	}
	if c.llm != 2 || c.vad != 1 {
		t.Errorf("factories called: %+v", c)
	}
	if caps.LLMModel != "openai/gpt-4o-mini" || caps.TTSModel != "elevenlabs" {
		t.Errorf("models: llm %q tts %q", caps.LLMModel, caps.TTSModel)
	}
}

func TestRegistry_CapabilitiesErrors(t *testing.T) {
	var c counted
	reg := newMockRegistry(&c)

	_, err := reg.Capabilities(config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "whisper"},
		LLM: config.ProviderEntry{Name: "openai"},
		TTS: config.ProviderEntry{
			Name: "elevenlabs",
			Fallbacks: []config.ProviderEntry{
				{Name: "elevenlabs", Options: map[string]any{"output_format": "pcm_24000"}},
			},
		},
	}, nil)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered for the stt entry", err)
	}
	if err == nil || !strings.Contains(err.Error(), "tts fallback") {
		t.Errorf("err = %v, want the tts format mismatch reported", err)
	}
}

func TestResolver_CachesUntilProvidersChange(t *testing.T) {
	var c counted
	reg := newMockRegistry(&c)
	providers := config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "deepgram"},
		LLM: config.ProviderEntry{Name: "openai"},
		TTS: config.ProviderEntry{Name: "elevenlabs"},
	}
	r := config.NewResolver(reg, providers, nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "r1", "p1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Resolve(ctx, "r2", "p2")
	if err != nil {
		t.Fatal(err)
	}
	if first.LLM != second.LLM || c.llm != 1 {
		t.Errorf("provider set rebuilt for the second session (llm factory calls %d)", c.llm)
	}

	providers.LLM.Name = "anthropic"
	r.SetProviders(providers)
	third, err := r.Resolve(ctx, "r3", "p3")
	if err != nil {
		t.Fatal(err)
	}
	if third.LLM == first.LLM || c.llm != 2 {
		t.Errorf("provider set not rebuilt after SetProviders (llm factory calls %d)", c.llm)
	}
}

func TestResolver_ErrorNotCached(t *testing.T) {
	var c counted
	reg := config.NewRegistry()
	r := config.NewResolver(reg, config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "deepgram"},
		LLM: config.ProviderEntry{Name: "openai"},
		TTS: config.ProviderEntry{Name: "elevenlabs"},
	}, nil)
	if _, err := r.Resolve(context.Background(), "r1", "p1"); err == nil {
		t.Fatal("Resolve succeeded with an empty registry")
	}

	// Registering later makes the next session succeed.
	registerMocks(reg, &c)
	if _, err := r.Resolve(context.Background(), "r1", "p1"); err != nil {
		t.Errorf("Resolve after registration: %v", err)
	}
}

func TestResolver_BreakersIgnoreRejections(t *testing.T) {
	reg := newMockRegistry(&counted{})
	rejected := fmt.Errorf("%w: unsupported encoding", stt.ErrRejected)
	down := errors.New("connection reset")
	primary := &sttmock.Provider{StartErrs: []error{rejected, rejected, down}}
	fallback := &sttmock.Provider{StartErrs: []error{down, down, down}}
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) { return primary, nil })
	reg.RegisterSTT("whisper", func(config.ProviderEntry) (stt.Provider, error) { return fallback, nil })

	var opened []string
	reg.OnBreakerChange(func(name string, _, to resilience.State) {
		if to == resilience.StateOpen {
			opened = append(opened, name)
		}
	})

	r := config.NewResolver(reg, config.ProvidersConfig{
		STT: config.ProviderEntry{
			Name:      "deepgram",
			Fallbacks: []config.ProviderEntry{{Name: "whisper"}},
		},
		LLM:            config.ProviderEntry{Name: "openai"},
		TTS:            config.ProviderEntry{Name: "elevenlabs"},
		CircuitBreaker: config.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	}, nil)
	if got := r.Unavailable(); got != nil {
		t.Errorf("Unavailable before Resolve = %v", got)
	}
	caps, err := r.Resolve(context.Background(), "", "")
	if err != nil {
		t.Fatal(err)
	}

	// Rejections fall through to the fallback without opening the primary.
	for range 2 {
		_, _ = caps.STT.StartStream(context.Background(), stt.StreamConfig{})
	}
	if len(opened) != 1 || opened[0] != "stt/whisper" {
		t.Fatalf("opened = %v, want only stt/whisper", opened)
	}
	if got := r.Unavailable(); len(got) != 0 {
		t.Fatalf("Unavailable = %v with the primary still closed", got)
	}

	_, _ = caps.STT.StartStream(context.Background(), stt.StreamConfig{})
	if got := r.Unavailable(); len(got) != 1 || got[0] != "stt" {
		t.Errorf("Unavailable = %v, want [stt]", got)
	}
}

func TestResolver_Switch(t *testing.T) {
	var c counted
	reg := newMockRegistry(&c)
	var built []config.ProviderEntry
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		built = append(built, e)
		return &llmmock.Provider{}, nil
	})
	r := config.NewResolver(reg, config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "deepgram"},
		LLM: config.ProviderEntry{
			Name:      "openai",
			Model:     "gpt-4o-mini",
			Fallbacks: []config.ProviderEntry{{Name: "anthropic", Model: "claude-haiku"}},
		},
		TTS: config.ProviderEntry{Name: "elevenlabs"},
	}, nil)
	ctx := context.Background()
	base, err := r.Resolve(ctx, "lobby", "alice")
	if err != nil {
		t.Fatal(err)
	}

	t.Run("promote fallback", func(t *testing.T) {
		built = nil
		caps, err := r.Switch(ctx, base, session.ProviderChoices{
			LLM: session.ProviderChoice{Name: "anthropic", Model: "anthropic/claude-sonnet"},
		})
		if err != nil {
			t.Fatalf("Switch: %v", err)
		}
		if caps.LLMModel != "anthropic/claude-sonnet" {
			t.Errorf("llm model = %q", caps.LLMModel)
		}
		if _, ok := caps.LLM.(*resilience.LLMFallback); !ok {
			t.Errorf("switched LLM is %T, want the old primary kept as fallback", caps.LLM)
		}
		if len(built) != 1 || built[0].Model != "claude-sonnet" {
			t.Errorf("anthropic built with %+v, want the prefix stripped", built)
		}
		if caps.STT != base.STT || caps.TTS != base.TTS || caps.VAD != base.VAD {
			t.Error("unswitched kinds were rebuilt")
		}
	})

	t.Run("model only", func(t *testing.T) {
		caps, err := r.Switch(ctx, base, session.ProviderChoices{
			LLM: session.ProviderChoice{Model: "gpt-4o"},
		})
		if err != nil {
			t.Fatalf("Switch: %v", err)
		}
		if caps.LLMModel != "openai/gpt-4o" {
			t.Errorf("llm model = %q", caps.LLMModel)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		caps, err := r.Switch(ctx, base, session.ProviderChoices{
			STT: session.ProviderChoice{Name: "deepgram", Model: "nova-3"},
			TTS: session.ProviderChoice{Name: "cartesia"},
		})
		if !errors.Is(err, config.ErrProviderNotConfigured) {
			t.Fatalf("err = %v, want ErrProviderNotConfigured", err)
		}
		if caps.STT != base.STT || caps.STTModel != base.STTModel {
			t.Error("a failed switch changed the provider set")
		}
	})
}
