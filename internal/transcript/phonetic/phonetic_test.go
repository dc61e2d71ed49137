package phonetic_test

import (
	"testing"

	"github.com/MrWong99/voxrelay/internal/transcript/phonetic"
)

var lore = []string{"Eldrinax", "Grimjaw", "Tower of Whispers"}

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		phrase  string
		terms   []string
		want    string
		matched bool
		minConf float64
	}{
		{phrase: "elder nacks", terms: lore, want: "Eldrinax", matched: true, minConf: 0.80},
		{phrase: "tower of wispers", terms: lore, want: "Tower of Whispers", matched: true, minConf: 0.95},
		{phrase: "ELDRINAX", terms: lore, want: "Eldrinax", matched: true, minConf: 0.99},
		{phrase: "grimjaw", terms: lore, want: "Grimjaw", matched: true, minConf: 0.99},
		{phrase: "gremjaw", terms: lore, want: "Grimjaw", matched: true, minConf: 0.90},
		{phrase: "hello", terms: lore, want: "hello"},
		{phrase: "eldrinax", terms: nil, want: "eldrinax"},
		{phrase: "", terms: lore, want: ""},
		{phrase: "   ", terms: lore, want: "   "},
	}

	m := phonetic.New()
	for _, tt := range tests {
		t.Run(tt.phrase, func(t *testing.T) {
			got, conf, matched := m.Match(tt.phrase, tt.terms)
			if matched != tt.matched || got != tt.want {
				t.Fatalf("Match(%q) = %q, %v; want %q, %v", tt.phrase, got, matched, tt.want, tt.matched)
			}
			if !tt.matched && conf != 0 {
				t.Errorf("confidence = %f without a match", conf)
			}
			if conf < tt.minConf || conf > 1 {
				t.Errorf("confidence = %f, want in [%.2f, 1]", conf, tt.minConf)
			}
		})
	}
}

func TestMatch_Thresholds(t *testing.T) {
	t.Parallel()

	strict := phonetic.New(phonetic.WithPhoneticThreshold(0.99), phonetic.WithFuzzyThreshold(0.99))
	if got, _, ok := strict.Match("elder nacks", lore); ok {
		t.Errorf("strict matcher corrected to %q", got)
	}
	if got, _, ok := strict.Match("grimjaw", lore); !ok || got != "Grimjaw" {
		t.Errorf("strict matcher rejected an exact term: %q, %v", got, ok)
	}

	// A phonetic candidate under its threshold does not fall through to the
	// fuzzy pass.
	picky := phonetic.New(phonetic.WithPhoneticThreshold(0.96))
	if got, _, ok := picky.Match("eldrinex", []string{"Eldrinax"}); ok {
		t.Errorf("picky matcher corrected to %q", got)
	}
	if got, _, ok := phonetic.New().Match("eldrinex", []string{"Eldrinax"}); !ok || got != "Eldrinax" {
		t.Errorf("default matcher = %q, %v", got, ok)
	}
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	v := phonetic.Prepare([]string{" Eldrinax ", "", "Tower of Whispers", "   "})
	if v.Len() != 2 || v.MaxWords() != 3 {
		t.Errorf("Len, MaxWords = %d, %d; want 2, 3", v.Len(), v.MaxWords())
	}

	m := phonetic.New()
	if got, _, ok := m.MatchPrepared("eldrinax", v); !ok || got != "Eldrinax" {
		t.Errorf("MatchPrepared = %q, %v; want the trimmed term", got, ok)
	}
	if _, _, ok := m.MatchPrepared("eldrinax", nil); ok {
		t.Error("nil vocabulary matched")
	}
	if empty := phonetic.Prepare(nil); empty.Len() != 0 || empty.MaxWords() != 0 {
		t.Errorf("empty vocabulary = %d terms, %d words", empty.Len(), empty.MaxWords())
	}
}
