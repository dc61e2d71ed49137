package config

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	"github.com/MrWong99/voxrelay/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// DefaultVAD is the VAD engine used when providers.vad is not configured.
const DefaultVAD = "energy"

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(ProviderEntry) (llm.Provider, error)
	stt map[string]func(ProviderEntry) (stt.Provider, error)
	tts map[string]func(ProviderEntry) (tts.Provider, error)
	vad map[string]func(ProviderEntry) (vad.Engine, error)

	onBreaker func(name string, from, to resilience.State)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt: make(map[string]func(ProviderEntry) (stt.Provider, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Provider, error)),
		vad: make(map[string]func(ProviderEntry) (vad.Engine, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// Names returns the registered provider names per kind.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		"llm": keys(r.llm),
		"stt": keys(r.stt),
		"tts": keys(r.tts),
		"vad": keys(r.vad),
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// OnBreakerChange registers fn to observe every circuit breaker transition of
// provider sets built from now on.
func (r *Registry) OnBreakerChange(fn func(name string, from, to resilience.State)) {
	r.mu.Lock()
	r.onBreaker = fn
	r.mu.Unlock()
}

// providerFailure reports whether err says something about the provider's
// health. Rejected input is the caller's problem and must not open a breaker.
func providerFailure(err error) bool {
	return !errors.Is(err, stt.ErrRejected) &&
		!errors.Is(err, llm.ErrRejected) &&
		!errors.Is(err, tts.ErrRejected)
}

// fallbackConfig returns the fallback group settings for provider sets built
// from p.
func (r *Registry) fallbackConfig(p ProvidersConfig, log *slog.Logger) resilience.FallbackConfig {
	r.mu.RLock()
	onBreaker := r.onBreaker
	r.mu.RUnlock()
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:   p.CircuitBreaker.MaxFailures,
			ResetTimeout:  p.CircuitBreaker.ResetTimeout,
			HalfOpenMax:   p.CircuitBreaker.HalfOpenMax,
			IsFailure:     providerFailure,
			OnStateChange: onBreaker,
		},
		Logger: log,
	}
}

// Capabilities builds the provider set described by p. A provider with
// fallbacks is wrapped in the matching resilience fallback group, with one
// circuit breaker per entry.
func (r *Registry) Capabilities(p ProvidersConfig, log *slog.Logger) (session.Capabilities, error) {
	if log == nil {
		log = slog.Default()
	}
	fbCfg := r.fallbackConfig(p, log)

	var (
		caps session.Capabilities
		errs []error
		err  error
	)
	if caps.STT, err = r.buildSTT(p.STT, fbCfg); err != nil {
		errs = append(errs, err)
	}
	if caps.LLM, err = r.buildLLM(p.LLM, fbCfg); err != nil {
		errs = append(errs, err)
	}
	if caps.TTS, err = r.buildTTS(p.TTS, fbCfg); err != nil {
		errs = append(errs, err)
	}

	vadEntry := p.VAD
	if vadEntry.Name == "" {
		vadEntry.Name = DefaultVAD
	}
	if caps.VAD, err = r.CreateVAD(vadEntry); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return session.Capabilities{}, fmt.Errorf("config: build providers: %w", err)
	}
	caps.STTModel = modelName(p.STT)
	caps.LLMModel = modelName(p.LLM)
	caps.TTSModel = modelName(p.TTS)
	return caps, nil
}

func (r *Registry) buildSTT(e ProviderEntry, fbCfg resilience.FallbackConfig) (stt.Provider, error) {
	primary, err := r.CreateSTT(e)
	if err != nil || len(e.Fallbacks) == 0 {
		return primary, err
	}
	group := resilience.NewSTTFallback(primary, e.Name, fbCfg)
	var errs []error
	for _, fe := range e.Fallbacks {
		fb, err := r.CreateSTT(fe)
		if err != nil {
			errs = append(errs, fmt.Errorf("stt fallback %q: %w", fe.Name, err))
			continue
		}
		group.AddFallback(fe.Name, fb)
	}
	return group, errors.Join(errs...)
}

func (r *Registry) buildLLM(e ProviderEntry, fbCfg resilience.FallbackConfig) (llm.Provider, error) {
	primary, err := r.CreateLLM(e)
	if err != nil || len(e.Fallbacks) == 0 {
		return primary, err
	}
	group := resilience.NewLLMFallback(primary, e.Name, fbCfg)
	var errs []error
	for _, fe := range e.Fallbacks {
		fb, err := r.CreateLLM(fe)
		if err != nil {
			errs = append(errs, fmt.Errorf("llm fallback %q: %w", fe.Name, err))
			continue
		}
		group.AddFallback(fe.Name, fb)
	}
	return group, errors.Join(errs...)
}

func (r *Registry) buildTTS(e ProviderEntry, fbCfg resilience.FallbackConfig) (tts.Provider, error) {
	primary, err := r.CreateTTS(e)
	if err != nil || len(e.Fallbacks) == 0 {
		return primary, err
	}
	group := resilience.NewTTSFallback(primary, e.Name, fbCfg)
	var errs []error
	for _, fe := range e.Fallbacks {
		fb, err := r.CreateTTS(fe)
		if err == nil {
			err = group.AddFallback(fe.Name, fb)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("tts fallback %q: %w", fe.Name, err))
		}
	}
	return group, errors.Join(errs...)
}

func modelName(e ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

// ErrProviderNotConfigured is returned by [Resolver.Switch] when a session
// asks for a backend that is neither the configured primary nor one of its
// fallbacks.
var ErrProviderNotConfigured = errors.New("config: provider not configured")

// promote returns e with the entry named by c as primary. The configured
// primary and the remaining fallbacks, in order, become its fallbacks. A
// model carrying the provider's name as prefix ("openai/gpt-4o") is stripped
// to the bare model.
func promote(kind string, e ProviderEntry, c session.ProviderChoice) (ProviderEntry, error) {
	name := cmp.Or(c.Name, e.Name)
	chain := append([]ProviderEntry{e}, e.Fallbacks...)
	chain[0].Fallbacks = nil
	i := slices.IndexFunc(chain, func(x ProviderEntry) bool { return x.Name == name })
	if i < 0 {
		return ProviderEntry{}, fmt.Errorf("%w: %s/%q", ErrProviderNotConfigured, kind, name)
	}
	out := chain[i]
	out.Fallbacks = slices.Delete(slices.Clone(chain), i, i+1)
	if c.Model != "" {
		out.Model = strings.TrimPrefix(c.Model, name+"/")
	}
	return out, nil
}

// Switch implements [session.ProviderSwitcher]. Each kind named in c is
// rebuilt from the configured entries with the chosen backend promoted to
// primary; every other kind is taken from base. On error base is kept whole.
func (r *Resolver) Switch(_ context.Context, base session.Capabilities, c session.ProviderChoices) (session.Capabilities, error) {
	r.mu.Lock()
	p := r.providers
	r.mu.Unlock()
	fbCfg := r.reg.fallbackConfig(p, r.log)

	caps := base
	var errs []error
	if !c.STT.IsZero() {
		e, err := promote("stt", p.STT, c.STT)
		if err == nil {
			caps.STT, err = r.reg.buildSTT(e, fbCfg)
		}
		if err != nil {
			errs = append(errs, err)
		}
		caps.STTModel = modelName(e)
	}
	if !c.LLM.IsZero() {
		e, err := promote("llm", p.LLM, c.LLM)
		if err == nil {
			caps.LLM, err = r.reg.buildLLM(e, fbCfg)
		}
		if err != nil {
			errs = append(errs, err)
		}
		caps.LLMModel = modelName(e)
	}
	if !c.TTS.IsZero() {
		e, err := promote("tts", p.TTS, c.TTS)
		if err == nil {
			caps.TTS, err = r.reg.buildTTS(e, fbCfg)
		}
		if err != nil {
			errs = append(errs, err)
		}
		caps.TTSModel = modelName(e)
	}
	if err := errors.Join(errs...); err != nil {
		return base, fmt.Errorf("config: switch providers: %w", err)
	}
	r.log.Debug("providers switched",
		"stt", caps.STTModel, "llm", caps.LLMModel, "tts", caps.TTSModel)
	return caps, nil
}

// Resolver implements [session.CapabilityResolver] on top of a [Registry].
// The provider set is built on first use and shared by every session until
// [Resolver.SetProviders] replaces the configuration; running sessions keep
// the set they started with.
type Resolver struct {
	reg *Registry
	log *slog.Logger

	mu        sync.Mutex
	providers ProvidersConfig
	caps      *session.Capabilities
}

var (
	_ session.CapabilityResolver = (*Resolver)(nil)
	_ session.ProviderSwitcher   = (*Resolver)(nil)
)

// NewResolver creates a resolver for p.
func NewResolver(reg *Registry, p ProvidersConfig, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{reg: reg, log: log, providers: p}
}

// Resolve returns the shared provider set, building it if needed. A failed
// build is not cached.
func (r *Resolver) Resolve(context.Context, string, string) (session.Capabilities, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.caps != nil {
		return *r.caps, nil
	}
	caps, err := r.reg.Capabilities(r.providers, r.log)
	if err != nil {
		return session.Capabilities{}, err
	}
	r.caps = &caps
	r.log.Info("providers ready",
		"stt", caps.STTModel, "llm", caps.LLMModel, "tts", caps.TTSModel)
	return caps, nil
}

// Unavailable lists the provider kinds whose every backend is currently
// behind an open breaker. Kinds without fallbacks are never reported, and
// nothing is reported before the first Resolve.
func (r *Resolver) Unavailable() []string {
	r.mu.Lock()
	caps := r.caps
	r.mu.Unlock()
	if caps == nil {
		return nil
	}
	type availability interface{ Available() bool }
	var down []string
	for _, kind := range []struct {
		name string
		p    any
	}{{"stt", caps.STT}, {"llm", caps.LLM}, {"tts", caps.TTS}} {
		if a, ok := kind.p.(availability); ok && !a.Available() {
			down = append(down, kind.name)
		}
	}
	return down
}

// SetProviders replaces the provider configuration used for sessions that
// start from now on.
func (r *Resolver) SetProviders(p ProvidersConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = p
	r.caps = nil
}
