package service

import (
	"strings"
	"unicode/utf8"

	"github.com/liliang-cn/askguard/internal/domain"
)

// StreamGuard applies the blocking privacy checks to a streamed response. It
// holds back the trailing words until every word run that could start before
// them has been seen in full, so a leak split across deltas is still caught
// before any of it is forwarded.
type StreamGuard struct {
	idx         *leakIndex
	placeholder string
	acc         strings.Builder
	emitted     int
	violations  []string
}

// NewStreamGuard compiles the context's private chunks for streaming checks
func (f *PrivacyFilter) NewStreamGuard(data *domain.ContextData) *StreamGuard {
	return &StreamGuard{
		idx:         f.compile(data),
		placeholder: f.opts.Placeholder,
	}
}

// Push adds delta and returns the newly releasable, redacted text
func (g *StreamGuard) Push(delta string) string {
	g.acc.WriteString(delta)
	return g.release(false)
}

// Flush releases everything still held back
func (g *StreamGuard) Flush() string {
	return g.release(true)
}

// Reset forgets all text. Only valid before anything was released.
func (g *StreamGuard) Reset() {
	g.acc.Reset()
	g.emitted = 0
	g.violations = nil
}

// Violations returns the distinct violations seen so far
func (g *StreamGuard) Violations() []string {
	return g.violations
}

func (g *StreamGuard) release(final bool) string {
	text := g.acc.String()
	spans, violations := g.idx.scan(text)
	g.noteViolations(violations)

	boundary := len(text)
	if !final {
		boundary = g.holdBoundary(text)
		// never cut through a span; hold all of it
		for _, s := range spans {
			if s.start < boundary && s.end > boundary {
				boundary = s.start
			}
		}
	}
	if boundary <= g.emitted {
		return ""
	}

	var sb strings.Builder
	pos := g.emitted
	for _, s := range spans {
		if s.end <= pos || s.start >= boundary {
			continue
		}
		if s.start > pos {
			sb.WriteString(text[pos:s.start])
		}
		if s.start >= g.emitted {
			sb.WriteString(g.placeholder)
		}
		pos = min(s.end, boundary)
	}
	if pos < boundary {
		sb.WriteString(text[pos:boundary])
	}
	g.emitted = boundary
	return sb.String()
}

// holdBoundary is the byte offset up to which text is final: before the last
// MinShingleWords tokens, and far enough back that no literal can straddle it
func (g *StreamGuard) holdBoundary(text string) int {
	toks := tokenize(text)
	k := g.idx.opts.MinShingleWords
	boundary := len(text) - g.idx.maxLiteral
	if len(toks) < k {
		return 0
	}
	if b := toks[len(toks)-k].start; b < boundary {
		boundary = b
	}
	if boundary < 0 {
		return 0
	}
	for boundary > 0 && !utf8.RuneStart(text[boundary]) {
		boundary--
	}
	return boundary
}

func (g *StreamGuard) noteViolations(vs []string) {
	for _, v := range vs {
		dup := false
		for _, have := range g.violations {
			if have == v {
				dup = true
				break
			}
		}
		if !dup {
			g.violations = append(g.violations, v)
		}
	}
}
