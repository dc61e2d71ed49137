// Package usage accumulates the external resources a session consumed:
// transcribed audio, language model tokens and synthesised characters, keyed
// by provider model.
package usage

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// Model kinds recorded by a [Tracker].
const (
	KindSTT = "stt"
	KindLLM = "llm"
	KindTTS = "tts"
)

// Entry is the accumulated usage of one model. Units are minutes of audio for
// speech-to-text, tokens for language models and characters for synthesis.
type Entry struct {
	Kind   string  `json:"model_type"`
	Model  string  `json:"model_id"`
	Units  float64 `json:"units_used"`
	Events int     `json:"events"`
}

// Summary is a point-in-time copy of a tracker.
type Summary struct {
	Started time.Time `json:"started_at"`
	Entries []Entry   `json:"entries"`
}

// Units returns the total units recorded for kind across all models.
func (s Summary) Units(kind string) float64 {
	var total float64
	for _, e := range s.Entries {
		if e.Kind == kind {
			total += e.Units
		}
	}
	return total
}

// Empty reports whether nothing was recorded.
func (s Summary) Empty() bool {
	return len(s.Entries) == 0
}

// Tracker accumulates usage for a single session.
//
// All methods are safe for concurrent use.
type Tracker struct {
	started time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTracker returns an empty tracker whose session started at now.
func NewTracker(now time.Time) *Tracker {
	return &Tracker{started: now, entries: make(map[string]*Entry)}
}

// AddAudio records d of transcribed audio.
func (t *Tracker) AddAudio(model string, d time.Duration) {
	if d <= 0 {
		return
	}
	t.add(KindSTT, model, d.Minutes())
}

// AddTokens records the tokens of one completion. When the provider did not
// report a total, prompt and completion tokens are summed.
func (t *Tracker) AddTokens(model string, u llm.Usage) {
	tokens := u.TotalTokens
	if tokens == 0 {
		tokens = u.PromptTokens + u.CompletionTokens
	}
	if tokens <= 0 {
		return
	}
	t.add(KindLLM, model, float64(tokens))
}

// AddCharacters records n synthesised characters.
func (t *Tracker) AddCharacters(model string, n int) {
	if n <= 0 {
		return
	}
	t.add(KindTTS, model, float64(n))
}

func (t *Tracker) add(kind, model string, units float64) {
	if model == "" {
		model = "unknown"
	}
	key := kind + ":" + model
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{Kind: kind, Model: model}
		t.entries[key] = e
	}
	e.Units += units
	e.Events++
}

// Summary returns the usage recorded so far, ordered by kind and model.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Summary{Started: t.started, Entries: make([]Entry, 0, len(t.entries))}
	for _, e := range t.entries {
		s.Entries = append(s.Entries, *e)
	}
	slices.SortFunc(s.Entries, func(a, b Entry) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Model, b.Model))
	})
	return s
}
