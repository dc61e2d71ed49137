package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "whisper"},
	"tts": {"elevenlabs", "coqui"},
	"vad": {"energy"},
}

// Environment variables overlaid onto the loaded configuration by [ApplyEnv].
const (
	EnvLiveKitAPIKey    = "LIVEKIT_API_KEY"
	EnvLiveKitAPISecret = "LIVEKIT_API_SECRET"
	EnvLiveKitURL       = "LIVEKIT_URL"
	EnvDeepgramAPIKey   = "DEEPGRAM_API_KEY"
	EnvOpenAIAPIKey     = "OPENAI_API_KEY"
	EnvElevenLabsAPIKey = "ELEVENLABS_API_KEY"
)

// Load reads the YAML configuration file at path, overlays secrets from the
// environment and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// The environment is not consulted. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv fills empty credentials from environment variables looked up
// with getenv. Values set in the file take precedence. Provider API keys are
// applied to every entry (primary or fallback) of the matching provider name.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	setString(&cfg.Token.APIKey, getenv(EnvLiveKitAPIKey))
	setString(&cfg.Token.APISecret, getenv(EnvLiveKitAPISecret))
	setString(&cfg.Token.URL, getenv(EnvLiveKitURL))

	keys := map[string]string{
		"deepgram":   getenv(EnvDeepgramAPIKey),
		"openai":     getenv(EnvOpenAIAPIKey),
		"elevenlabs": getenv(EnvElevenLabsAPIKey),
	}
	for _, e := range []*ProviderEntry{&cfg.Providers.STT, &cfg.Providers.LLM, &cfg.Providers.TTS} {
		applyKey(e, keys)
	}
}

func applyKey(e *ProviderEntry, keys map[string]string) {
	if key := keys[e.Name]; key != "" {
		setString(&e.APIKey, key)
	}
	for i := range e.Fallbacks {
		applyKey(&e.Fallbacks[i], keys)
	}
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Providers
	for _, p := range []struct {
		kind     string
		entry    ProviderEntry
		required bool
	}{
		{"stt", cfg.Providers.STT, true},
		{"llm", cfg.Providers.LLM, true},
		{"tts", cfg.Providers.TTS, true},
		{"vad", cfg.Providers.VAD, false},
	} {
		errs = append(errs, validateEntry("providers."+p.kind, p.kind, p.entry, p.required)...)
	}

	errs = append(errs, validatePipeline(cfg.Pipeline)...)

	// Persona
	if v := cfg.Persona.Voice.SpeedFactor; v != 0 && (v < 0.5 || v > 2.0) {
		errs = append(errs, fmt.Errorf("persona.voice.speed_factor %.2f is out of range [0.5, 2.0]", v))
	}
	if t := cfg.Persona.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("persona.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Persona.MaxTokens < 0 {
		errs = append(errs, errors.New("persona.max_tokens must not be negative"))
	}
	if cfg.Persona.Voice.VoiceID == "" {
		slog.Warn("persona.voice.voice_id is empty; the speech provider's default voice is used")
	}

	// Token
	if cfg.Token.APIKey == "" || cfg.Token.APISecret == "" {
		errs = append(errs, fmt.Errorf("token.api_key and token.api_secret are required (or set %s and %s)", EnvLiveKitAPIKey, EnvLiveKitAPISecret))
	}
	if cfg.Token.TTL < 0 {
		errs = append(errs, errors.New("token.ttl must not be negative"))
	}
	if cfg.Token.RateLimit < 0 || cfg.Token.Burst < 0 {
		errs = append(errs, errors.New("token.rate_limit and token.burst must not be negative"))
	}

	// History
	switch cfg.History.Backend {
	case "", HistoryMemory:
	case HistorySQLite:
		if cfg.History.Path == "" {
			errs = append(errs, errors.New("history.path is required when backend is sqlite"))
		}
	case HistoryPostgres:
		if cfg.History.PostgresDSN == "" {
			errs = append(errs, errors.New("history.postgres_dsn is required when backend is postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.History.Backend))
	}

	// Telemetry
	switch cfg.Telemetry.Traces {
	case "", TraceNone, TraceStdout:
	case TraceOTLP:
		if cfg.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, errors.New("telemetry.otlp_endpoint is required when traces is otlp"))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry.traces %q is invalid; valid values: none, stdout, otlp", cfg.Telemetry.Traces))
	}

	return errors.Join(errs...)
}

func validateEntry(path, kind string, e ProviderEntry, required bool) []error {
	var errs []error
	if e.Name == "" {
		if required {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
		}
		if len(e.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks requires a primary provider", path))
		}
		return errs
	}
	validateProviderName(kind, e.Name)
	for i, fb := range e.Fallbacks {
		p := fmt.Sprintf("%s.fallbacks[%d]", path, i)
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s: fallbacks cannot be nested", p))
		}
		errs = append(errs, validateEntry(p, kind, ProviderEntry{Name: fb.Name}, true)...)
	}
	return errs
}

func validatePipeline(p PipelineConfig) []error {
	var errs []error
	v := p.VAD
	if v.SpeechThreshold < 0 || v.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.vad.speech_threshold %.2f is out of range [0, 1]", v.SpeechThreshold))
	}
	if v.SilenceThreshold < 0 || (v.SpeechThreshold > 0 && v.SilenceThreshold > v.SpeechThreshold) {
		errs = append(errs, fmt.Errorf("pipeline.vad.silence_threshold %.2f must be in [0, speech_threshold]", v.SilenceThreshold))
	}
	if v.SampleRate < 0 || v.FrameSizeMs < 0 {
		errs = append(errs, errors.New("pipeline.vad.sample_rate and frame_size_ms must not be negative"))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"pipeline.vad.min_speech", v.MinSpeech},
		{"pipeline.vad.silence_timeout", v.SilenceTimeout},
		{"pipeline.vad.max_utterance", v.MaxUtterance},
		{"pipeline.vad.chunk_duration", v.ChunkDuration},
		{"pipeline.vad.pre_roll", v.PreRoll},
		{"pipeline.grace_period", p.GracePeriod},
		{"pipeline.deadlines.transcription", p.Deadlines.Transcription},
		{"pipeline.deadlines.response", p.Deadlines.Response},
		{"pipeline.deadlines.synthesis", p.Deadlines.Synthesis},
		{"pipeline.retry.initial_backoff", p.Retry.InitialBackoff},
		{"pipeline.retry.max_backoff", p.Retry.MaxBackoff},
		{"pipeline.frame_duration", p.FrameDuration},
	}
	for _, f := range durations {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", f.name))
		}
	}
	counts := []struct {
		name string
		n    int
	}{
		{"pipeline.max_consecutive_failures", p.MaxConsecutiveFailures},
		{"pipeline.retry.max_attempts", p.Retry.MaxAttempts},
		{"pipeline.clause_after", p.ClauseAfter},
		{"pipeline.history_turns", p.HistoryTurns},
		{"pipeline.context_tokens", p.ContextTokens},
		{"pipeline.queue_size", p.QueueSize},
	}
	for _, f := range counts {
		if f.n < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", f.name))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
