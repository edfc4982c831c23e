package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/metrics"
	"go.uber.org/zap"
)

// AuditLog is the append-only store of privacy verdicts
type AuditLog interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
}

// PrivacyOptions tunes leak detection
type PrivacyOptions struct {
	// MinShingleWords is the shortest word run treated as a verbatim leak
	MinShingleWords int
	// MinLeakChars is the shortest leaked span, in characters
	MinLeakChars int
	// MinIdentifierLen is the shortest identifier-like token treated as a leak
	MinIdentifierLen int
	// MinDistinctiveLen is the shortest lowercase private-only word treated as
	// a leak. Capitalized private-only words count from minCapitalizedLen.
	MinDistinctiveLen int
	// HeuristicRatio of private-only words in a response raises a warning
	HeuristicRatio float64
	Placeholder    string
	Refusal        string
	Budget         time.Duration
}

// PrivacyFilter blocks responses that leak [PRIVATE] context
type PrivacyFilter struct {
	opts    PrivacyOptions
	audit   AuditLog
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPrivacyFilter creates a new privacy filter. audit may be nil.
func NewPrivacyFilter(opts PrivacyOptions, audit AuditLog, m *metrics.Metrics, logger *zap.Logger) *PrivacyFilter {
	if opts.MinShingleWords < 1 {
		opts.MinShingleWords = 3
	}
	if opts.MinLeakChars < 1 {
		opts.MinLeakChars = 12
	}
	if opts.MinIdentifierLen < 1 {
		opts.MinIdentifierLen = 4
	}
	if opts.MinDistinctiveLen < 1 {
		opts.MinDistinctiveLen = 10
	}
	if opts.HeuristicRatio <= 0 {
		opts.HeuristicRatio = 0.3
	}
	if opts.Placeholder == "" {
		opts.Placeholder = "[redacted]"
	}
	if opts.Refusal == "" {
		opts.Refusal = DefaultRefusal
	}
	if opts.Budget <= 0 {
		opts.Budget = 100 * time.Millisecond
	}
	return &PrivacyFilter{
		opts:    opts,
		audit:   audit,
		metrics: m,
		logger:  logger.Named("privacy"),
	}
}

// Validate checks response against the private chunks of data. Checks 1 and 2
// block: offending spans (word runs, identifiers, distinctive terms, references)
// are redacted, and if the redacted text still leaks it is replaced by the
// refusal. Check 3 only warns. Every call is audited.
func (f *PrivacyFilter) Validate(ctx context.Context, response string, data *domain.ContextData) domain.FilterResult {
	start := time.Now()
	idx := f.compile(data)

	spans, violations := idx.scan(response)
	result := domain.FilterResult{
		Passed:           len(spans) == 0,
		Violations:       violations,
		Warnings:         idx.heuristic(response),
		SanitizedContent: response,
	}

	if !result.Passed {
		result.SanitizedContent = redact(response, spans, f.opts.Placeholder)
		if again, _ := idx.scan(result.SanitizedContent); len(again) > 0 {
			result.SanitizedContent = f.opts.Refusal
			result.Violations = append(result.Violations, "redaction_incomplete")
		}
	}

	elapsed := time.Since(start)
	result.DurationMS = float64(elapsed.Microseconds()) / 1000
	f.record(ctx, data, result, elapsed)
	return result
}

func (f *PrivacyFilter) record(ctx context.Context, data *domain.ContextData, result domain.FilterResult, elapsed time.Duration) {
	var tenantID, queryHash string
	if data != nil {
		tenantID = data.TenantID
		queryHash = hashQuery(data.TenantID, data.Query)
	}

	f.metrics.PrivacyCheckTime.Observe(elapsed.Seconds())
	if !result.Passed {
		f.metrics.PrivacyViolations.Inc()
	}
	if len(result.Warnings) > 0 {
		f.metrics.PrivacyWarnings.Inc()
	}
	if elapsed > f.opts.Budget {
		f.logger.Warn("Privacy check over budget",
			zap.String("tenant_id", tenantID),
			zap.Duration("elapsed", elapsed),
			zap.Duration("budget", f.opts.Budget),
		)
	}

	entry := &domain.AuditEntry{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		QueryHash:  queryHash,
		Passed:     result.Passed,
		Violations: result.Violations,
		Warnings:   result.Warnings,
		Timestamp:  time.Now().UTC(),
	}

	fields := []zap.Field{
		zap.String("audit_id", entry.ID),
		zap.String("tenant_id", tenantID),
		zap.String("query_hash", queryHash),
		zap.Bool("passed", result.Passed),
		zap.Strings("violations", result.Violations),
		zap.Strings("warnings", result.Warnings),
		zap.Float64("duration_ms", result.DurationMS),
	}
	if result.Passed {
		f.logger.Info("Privacy check", fields...)
	} else {
		f.logger.Warn("Privacy check", fields...)
	}

	if f.audit != nil {
		if err := f.audit.Append(ctx, entry); err != nil {
			f.logger.Error("Failed to write privacy audit entry",
				zap.String("audit_id", entry.ID),
				zap.Error(err),
			)
		}
	}
}

// token is a lowercased word of a text with its original form and byte offsets
type token struct {
	text       string
	raw        string
	start, end int
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:[-_'.][\p{L}\p{N}]+)*`)

func tokenize(text string) []token {
	locs := wordPattern.FindAllStringIndex(text, -1)
	tokens := make([]token, len(locs))
	for i, l := range locs {
		raw := text[l[0]:l[1]]
		tokens[i] = token{text: strings.ToLower(raw), raw: raw, start: l[0], end: l[1]}
	}
	return tokens
}

// span is a byte range of a response to redact
type span struct {
	start, end int
}

// leakIndex holds what one response must not contain, compiled from a context
type leakIndex struct {
	opts        PrivacyOptions
	shingles    map[string]string // shingle -> private chunk ID
	distinctive map[string]string // word -> private chunk ID
	literals    []literal
	privateOnly map[string]struct{}
	// maxLiteral is the longest literal or distinctive word in bytes, for stream hold-back
	maxLiteral int
}

// literal is matched as a substring of the lowercased response. Bounded
// literals only count when no letter or digit touches either end.
type literal struct {
	text    string
	reason  string
	bounded bool
}

// minCapitalizedLen is the shortest capitalized private-only word treated as a leak
const minCapitalizedLen = 5

var letterRun = regexp.MustCompile(`\p{L}+`)

func (f *PrivacyFilter) compile(data *domain.ContextData) *leakIndex {
	idx := &leakIndex{
		opts:        f.opts,
		shingles:    make(map[string]string),
		distinctive: make(map[string]string),
		privateOnly: make(map[string]struct{}),
		literals:    []literal{{text: lowerSameWidth(domain.PrivateMarker), reason: "private_marker"}},
	}
	idx.maxLiteral = len(domain.PrivateMarker)
	if data == nil || len(data.Private) == 0 {
		return idx
	}

	k := f.opts.MinShingleWords

	// Text the response may legitimately repeat
	allowedShingles := make(map[string]struct{})
	allowedTokens := make(map[string]struct{})
	allowedWords := make(map[string]struct{})
	citableSources := make(map[string]struct{})
	allow := func(text string) {
		toks := tokenize(text)
		for _, t := range toks {
			allowedTokens[t.text] = struct{}{}
		}
		for i := 0; i+k <= len(toks); i++ {
			allowedShingles[joinTokens(toks[i:i+k])] = struct{}{}
		}
		for _, w := range contentWords(text) {
			allowedWords[w] = struct{}{}
		}
	}
	for _, c := range data.Citable {
		allow(c.Content)
		citableSources[strings.ToLower(c.SourceID)] = struct{}{}
	}
	allow(data.Query)

	for _, c := range data.Private {
		toks := tokenize(c.Content)
		for i := 0; i+k <= len(toks); i++ {
			key := joinTokens(toks[i : i+k])
			if _, ok := allowedShingles[key]; ok {
				continue
			}
			idx.shingles[key] = c.ChunkID
		}
		for _, t := range toks {
			if _, ok := allowedTokens[t.text]; ok {
				continue
			}
			switch {
			case isIdentifier(t.raw, f.opts.MinIdentifierLen):
				idx.addLiteral(t.raw, "identifier_leak:"+c.ChunkID, false)
			case isDistinctive(t.raw, f.opts.MinDistinctiveLen):
				if _, ok := allowedWords[t.text]; ok {
					continue
				}
				if _, ok := idx.distinctive[t.text]; !ok {
					idx.distinctive[t.text] = c.ChunkID
					idx.maxLiteral = max(idx.maxLiteral, len(t.text))
				}
			}
		}
		for _, w := range contentWords(c.Content) {
			if _, ok := allowedWords[w]; !ok {
				idx.privateOnly[w] = struct{}{}
			}
		}

		if len(c.ChunkID) > 1 {
			idx.addLiteral(c.ChunkID, "chunk_id_reference:"+c.ChunkID, true)
		}
		if _, citable := citableSources[strings.ToLower(c.SourceID)]; len(c.SourceID) > 1 && !citable {
			idx.addLiteral(c.SourceID, "source_reference:"+c.ChunkID, true)
		}
	}
	return idx
}

func (idx *leakIndex) addLiteral(text, reason string, bounded bool) {
	lit := literal{text: lowerSameWidth(text), reason: reason, bounded: bounded}
	for _, have := range idx.literals {
		if have == lit {
			return
		}
	}
	idx.literals = append(idx.literals, lit)
	idx.maxLiteral = max(idx.maxLiteral, len(lit.text))
}

func joinTokens(toks []token) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = t.text
	}
	return strings.Join(parts, " ")
}

// isIdentifier reports tokens that look like codes, keys or names rather
// than prose: digits mixed in, joined with - or _, or written in capitals.
func isIdentifier(tok string, minLen int) bool {
	if utf8.RuneCountInString(tok) < minLen {
		return false
	}
	var letters, upper, digits int
	for _, r := range tok {
		switch {
		case unicode.IsLetter(r):
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		case unicode.IsDigit(r):
			digits++
		}
	}
	if letters == 0 {
		// shorter bare numbers are usually years or amounts
		return digits >= 6
	}
	return digits > 0 || strings.ContainsAny(tok, "-_") || upper == letters
}

// isDistinctive reports plain words specific enough that repeating one alone
// discloses the chunk: long words, or capitalized names and terms.
func isDistinctive(tok string, minLen int) bool {
	n := 0
	for _, r := range tok {
		if !unicode.IsLetter(r) {
			return false
		}
		n++
	}
	if stopWords[strings.ToLower(tok)] {
		return false
	}
	first, _ := utf8.DecodeRuneInString(tok)
	return n >= minLen || (n >= minCapitalizedLen && unicode.IsUpper(first))
}

// scan runs the blocking checks and returns merged spans and violation labels
func (idx *leakIndex) scan(text string) ([]span, []string) {
	var (
		spans      []span
		violations []string
		seen       = make(map[string]struct{})
	)
	flag := func(s span, reason string) {
		spans = append(spans, s)
		if _, ok := seen[reason]; !ok {
			seen[reason] = struct{}{}
			violations = append(violations, reason)
		}
	}

	// Check 1: verbatim word runs and identifiers of private chunks
	toks := tokenize(text)
	k := idx.opts.MinShingleWords
	if len(idx.shingles) > 0 {
		for i := 0; i+k <= len(toks); i++ {
			chunkID, ok := idx.shingles[joinTokens(toks[i:i+k])]
			if !ok {
				continue
			}
			s := span{start: toks[i].start, end: toks[i+k-1].end}
			if s.end-s.start < idx.opts.MinLeakChars {
				continue
			}
			flag(s, "literal_leak:"+chunkID)
		}
	}
	if len(idx.distinctive) > 0 {
		for _, loc := range letterRun.FindAllStringIndex(text, -1) {
			if chunkID, ok := idx.distinctive[strings.ToLower(text[loc[0]:loc[1]])]; ok {
				flag(span{start: loc[0], end: loc[1]}, "distinctive_term_leak:"+chunkID)
			}
		}
	}

	// Identifiers match anywhere, glued to other text or not. Check 2 adds
	// private chunk IDs, sources and the private marker itself.
	lower := lowerSameWidth(text)
	for _, lit := range idx.literals {
		for from := 0; ; {
			i := strings.Index(lower[from:], lit.text)
			if i < 0 {
				break
			}
			s := span{start: from + i, end: from + i + len(lit.text)}
			if !lit.bounded || wordBounded(lower, s) {
				flag(s, lit.reason)
			}
			from = s.end
		}
	}

	return mergeSpans(spans), violations
}

// lowerSameWidth lowercases text rune by rune, keeping runes whose lowercase
// form has another UTF-8 width, so byte offsets stay valid in the original
func lowerSameWidth(text string) string {
	return strings.Map(func(r rune) rune {
		if l := unicode.ToLower(r); utf8.RuneLen(l) == utf8.RuneLen(r) {
			return l
		}
		return r
	}, text)
}

func wordBounded(text string, s span) bool {
	if s.start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:s.start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if s.end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[s.end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// heuristic is Check 3: a high share of words only the private chunks use
func (idx *leakIndex) heuristic(text string) []string {
	if len(idx.privateOnly) == 0 {
		return nil
	}
	words := wordSet(contentWords(text))
	if len(words) == 0 {
		return nil
	}
	matched := 0
	for w := range words {
		if _, ok := idx.privateOnly[w]; ok {
			matched++
		}
	}
	ratio := float64(matched) / float64(len(words))
	if matched < 2 || ratio <= idx.opts.HeuristicRatio {
		return nil
	}
	return []string{fmt.Sprintf("private_vocabulary_overlap:%.2f", ratio)}
}

func mergeSpans(spans []span) []span {
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// redact replaces merged spans with placeholder
func redact(text string, spans []span, placeholder string) string {
	var sb strings.Builder
	prev := 0
	for _, s := range spans {
		sb.WriteString(text[prev:s.start])
		sb.WriteString(placeholder)
		prev = s.end
	}
	sb.WriteString(text[prev:])
	return sb.String()
}
