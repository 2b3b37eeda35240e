package chat

import (
	"regexp"
	"strings"
)

// A sentence ends at `.`, `!` or `?` followed by whitespace, or at a
// newline. The residual tail stays buffered until more text arrives.
var sentenceRe = regexp.MustCompile(`[^.!?\n]*[.!?]\s+|[^\n]*\n`)

// SentenceBuffer accumulates streamed delta text and yields completed
// sentences in production order.
type SentenceBuffer struct {
	pending string
}

// Push appends delta text and returns any sentences completed by it.
func (b *SentenceBuffer) Push(delta string) []string {
	b.pending += delta
	matches := sentenceRe.FindAllStringIndex(b.pending, -1)
	if len(matches) == 0 {
		return nil
	}
	var out []string
	for _, m := range matches {
		s := strings.TrimSpace(b.pending[m[0]:m[1]])
		if s != "" {
			out = append(out, s)
		}
	}
	b.pending = b.pending[matches[len(matches)-1][1]:]
	return out
}

// Flush returns the non-empty residual at stream end.
func (b *SentenceBuffer) Flush() string {
	s := strings.TrimSpace(b.pending)
	b.pending = ""
	return s
}
