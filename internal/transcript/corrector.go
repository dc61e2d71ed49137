// Package transcript corrects speech-to-text output against a known
// vocabulary of proper nouns.
//
// Recognisers routinely mishear names that are not in their language model
// ("elder nacks" for "Eldrinax"). A [Corrector] slides n-gram windows over a
// final transcript and replaces windows that phonetically match a vocabulary
// term. Matching runs in-process with no network calls, so it is cheap enough
// to run on every final transcript.
package transcript

import (
	"cmp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/voxrelay/internal/transcript/phonetic"
	"github.com/MrWong99/voxrelay/pkg/provider/stt"
)

// minWindowLetters is the minimum number of letters a window needs before it
// is compared against the vocabulary. Short function words otherwise collide
// with short terms.
const minWindowLetters = 3

// Correction is a single substitution.
type Correction struct {
	// Original is the text as produced by the recogniser, without surrounding
	// punctuation.
	Original string

	// Corrected is the vocabulary term that replaced Original.
	Corrected string

	// Confidence is the similarity score in [0, 1].
	Confidence float64
}

// Result is the output of [Corrector.Correct].
type Result struct {
	// Text is the corrected transcript text.
	Text string

	// Corrections lists substitutions in text order. Empty when Text equals
	// the trimmed input.
	Corrections []Correction
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithMatcher replaces the default phonetic matcher.
func WithMatcher(m *phonetic.Matcher) Option {
	return func(c *Corrector) {
		if m != nil {
			c.matcher = m
		}
	}
}

// Corrector is read-only after construction and safe for concurrent use.
type Corrector struct {
	matcher *phonetic.Matcher

	// byWords[n] holds the terms with at most n words, so a window never
	// expands into a longer term than what was spoken.
	byWords  []*phonetic.Vocabulary
	maxWords int
}

// NewCorrector prepares vocabulary for matching. A nil or empty vocabulary
// yields a Corrector that only trims whitespace.
func NewCorrector(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{matcher: phonetic.New()}
	for _, o := range opts {
		o(c)
	}
	for _, term := range vocabulary {
		c.maxWords = max(c.maxWords, len(strings.Fields(term)))
	}
	c.byWords = make([]*phonetic.Vocabulary, c.maxWords+1)
	for n := 1; n <= c.maxWords; n++ {
		var terms []string
		for _, term := range vocabulary {
			if k := len(strings.Fields(term)); k > 0 && k <= n {
				terms = append(terms, term)
			}
		}
		c.byWords[n] = phonetic.Prepare(terms)
	}
	return c
}

// Len returns the number of usable vocabulary terms.
func (c *Corrector) Len() int {
	if c.maxWords == 0 {
		return 0
	}
	return c.byWords[c.maxWords].Len()
}

// token is one whitespace-separated word split into its punctuation and core.
type token struct {
	lead, core, trail string
}

func splitToken(s string) token {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }
	start := strings.IndexFunc(s, isWord)
	if start < 0 {
		return token{lead: s}
	}
	end := strings.LastIndexFunc(s, isWord)
	_, size := utf8.DecodeRuneInString(s[end:])
	end += size
	return token{lead: s[:start], core: s[start:end], trail: s[end:]}
}

func letters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

// match is a candidate replacement of tokens[start:start+n].
type match struct {
	start, n int
	term     string
	score    float64
}

// Correct returns the corrected text of t.
//
// Every window of up to the longest term's word count is scored. Windows are
// then accepted best score first, skipping any that overlap an accepted one;
// ties go to the longer window. A window may only match a term with no more
// words than the window itself. Punctuation before the first and after the
// last word of a replaced window is kept.
func (c *Corrector) Correct(t stt.Transcript) Result {
	text := strings.TrimSpace(t.Text)
	if c.maxWords == 0 || text == "" {
		return Result{Text: text}
	}

	fields := strings.Fields(text)
	tokens := make([]token, len(fields))
	for i, f := range fields {
		tokens[i] = splitToken(f)
	}

	var candidates []match
	for i := range tokens {
		for n := 1; n <= min(c.maxWords, len(tokens)-i); n++ {
			window, ok := joinCores(tokens[i : i+n])
			if !ok || letters(window) < minWindowLetters {
				continue
			}
			if term, score, matched := c.matcher.MatchPrepared(window, c.byWords[n]); matched {
				candidates = append(candidates, match{start: i, n: n, term: term, score: score})
			}
		}
	}
	if len(candidates) == 0 {
		return Result{Text: strings.Join(fields, " ")}
	}

	slices.SortStableFunc(candidates, func(a, b match) int {
		if d := cmp.Compare(b.score, a.score); d != 0 {
			return d
		}
		return cmp.Compare(b.n, a.n)
	})
	chosen := make([]*match, len(tokens))
	for i := range candidates {
		m := &candidates[i]
		free := true
		for k := m.start; k < m.start+m.n; k++ {
			if chosen[k] != nil {
				free = false
				break
			}
		}
		if !free {
			continue
		}
		for k := m.start; k < m.start+m.n; k++ {
			chosen[k] = m
		}
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(tokens); {
		m := chosen[i]
		if m == nil {
			out = append(out, fields[i])
			i++
			continue
		}
		span := tokens[i : i+m.n]
		original, _ := joinCores(span)
		out = append(out, span[0].lead+m.term+span[len(span)-1].trail)
		if original != m.term {
			corrections = append(corrections, Correction{
				Original:   original,
				Corrected:  m.term,
				Confidence: m.score,
			})
		}
		i += m.n
	}

	return Result{Text: strings.Join(out, " "), Corrections: corrections}
}

// joinCores joins the word cores of a window. It fails when an inner token
// carries punctuation, so matches never span a sentence or clause break.
func joinCores(span []token) (string, bool) {
	parts := make([]string, len(span))
	for i, tk := range span {
		if tk.core == "" {
			return "", false
		}
		if i > 0 && tk.lead != "" {
			return "", false
		}
		if i < len(span)-1 && tk.trail != "" {
			return "", false
		}
		parts[i] = tk.core
	}
	return strings.Join(parts, " "), true
}
