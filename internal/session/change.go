package session

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// ProviderChoice selects the backend and model of one provider kind. The zero
// value keeps the current backend.
type ProviderChoice struct {
	Name  string
	Model string
}

// IsZero reports whether the choice keeps the current backend.
func (c ProviderChoice) IsZero() bool { return c == ProviderChoice{} }

// ProviderChoices holds a [ProviderChoice] per switchable provider kind.
type ProviderChoices struct {
	STT ProviderChoice
	LLM ProviderChoice
	TTS ProviderChoice
}

// IsZero reports whether no kind is switched.
func (c ProviderChoices) IsZero() bool { return c == ProviderChoices{} }

// ProviderSwitcher builds a provider set with some backends replaced. A
// [CapabilityResolver] that also implements it lets participants switch
// providers while their session runs.
type ProviderSwitcher interface {
	Switch(ctx context.Context, base Capabilities, c ProviderChoices) (Capabilities, error)
}

// Change alters the persona and providers of a running session. Empty fields
// keep their current value. A change never affects the turn in progress; it
// applies from the next turn.
type Change struct {
	// Reset starts from the persona the session was created with instead of
	// the current one.
	Reset bool

	Name         string
	SystemPrompt string
	Language     string

	// Greeting is spoken once if the session has not greeted yet.
	Greeting string

	// Voice is the backend voice ID.
	Voice       string
	Speed       float64
	Temperature *float64
	MaxTokens   int

	Providers ProviderChoices
}

// persona returns p with the persona fields of c applied. initial is the
// persona the session was created with.
func (c Change) persona(p, initial Persona) Persona {
	if c.Reset {
		p = initial
	}
	if c.Name != "" {
		p.Name = c.Name
	}
	if c.SystemPrompt != "" {
		p.SystemPrompt = c.SystemPrompt
	}
	if c.Language != "" {
		p.Language = c.Language
	}
	if c.Greeting != "" {
		p.Greeting = c.Greeting
	}
	if c.Voice != "" {
		p.Voice = tts.VoiceProfile{ID: c.Voice, Provider: p.Voice.Provider, SpeedFactor: p.Voice.SpeedFactor}
	}
	if c.Providers.TTS.Name != "" {
		p.Voice.Provider = c.Providers.TTS.Name
	}
	if c.Speed != 0 {
		p.Voice.SpeedFactor = c.Speed
	}
	if c.Temperature != nil {
		p.Temperature = *c.Temperature
	}
	if c.MaxTokens != 0 {
		p.MaxTokens = c.MaxTokens
	}
	return p
}

// merge returns c with every kind switched in next replaced.
func (c ProviderChoices) merge(next ProviderChoices) ProviderChoices {
	if !next.STT.IsZero() {
		c.STT = next.STT
	}
	if !next.LLM.IsZero() {
		c.LLM = next.LLM
	}
	if !next.TTS.IsZero() {
		c.TTS = next.TTS
	}
	return c
}
