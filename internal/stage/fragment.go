package stage

import (
	"strings"
	"unicode/utf8"
)

// fragmenter accumulates streamed response text and cuts it into speakable
// fragments at sentence boundaries. Once the pending text reaches clauseAfter
// runes without a sentence boundary it also cuts at clause punctuation, so a
// long sentence starts playing before it ends.
type fragmenter struct {
	buf         strings.Builder
	clauseAfter int
}

// push appends text and returns every fragment completed by it, in order.
func (f *fragmenter) push(text string) []string {
	f.buf.WriteString(text)
	var out []string
	for {
		s := f.buf.String()
		idx := firstSentenceBoundary(s)
		if idx < 0 && f.clauseAfter > 0 && utf8.RuneCountInString(s) >= f.clauseAfter {
			idx = firstClauseBoundary(s)
		}
		if idx < 0 {
			return out
		}
		frag := strings.TrimSpace(s[:idx+1])
		rest := strings.TrimLeft(s[idx+1:], " \t\n\r")
		f.buf.Reset()
		f.buf.WriteString(rest)
		if frag != "" {
			out = append(out, frag)
		}
	}
}

// flush returns whatever text is still pending and empties the buffer.
func (f *fragmenter) flush() string {
	s := strings.TrimSpace(f.buf.String())
	f.buf.Reset()
	return s
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by whitespace. Returns -1 if no such
// boundary exists in s.
func firstSentenceBoundary(s string) int {
	return firstBoundary(s, ".!?")
}

// firstClauseBoundary is like firstSentenceBoundary for ',', ';' and ':'.
func firstClauseBoundary(s string) int {
	return firstBoundary(s, ",;:")
}

func firstBoundary(s, marks string) int {
	for i := 0; i < len(s)-1; i++ {
		if strings.IndexByte(marks, s[i]) < 0 {
			continue
		}
		switch s[i+1] {
		case ' ', '\n', '\r', '\t':
			return i
		}
	}
	return -1
}
