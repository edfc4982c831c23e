package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memoryAudit struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
	err     error
}

func (a *memoryAudit) Append(ctx context.Context, e *domain.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, e)
	return nil
}

func (a *memoryAudit) all() []*domain.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*domain.AuditEntry(nil), a.entries...)
}

func setupTestPrivacyFilter(t *testing.T) (*PrivacyFilter, *memoryAudit) {
	t.Helper()
	audit := &memoryAudit{}
	return NewPrivacyFilter(PrivacyOptions{}, audit, metrics.New(nil), zaptest.NewLogger(t)), audit
}

func scenarioContext() *domain.ContextData {
	return &domain.ContextData{
		TenantID: "acme",
		Query:    "what is your refund policy?",
		FullContext: "[CITABLE-1] (source: refund-faq)\nRefunds within 30 days." +
			"\n\n[PRIVATE]\nLayoffs planned Q4, code SECRET-7781",
		CitableSources: []domain.CitableSource{{Index: 1, SourceID: "refund-faq", ChunkID: "c1"}},
		Citable:        []domain.ContextChunk{{ChunkID: "c1", SourceID: "refund-faq", Content: "Refunds within 30 days."}},
		Private:        []domain.ContextChunk{{ChunkID: "p1", SourceID: "hr-memo", Content: "Layoffs planned Q4, code SECRET-7781"}},
	}
}

func TestValidate_CleanResponsePasses(t *testing.T) {
	f, audit := setupTestPrivacyFilter(t)

	res := f.Validate(context.Background(), "Refunds within 30 days are available [CITABLE-1].", scenarioContext())
	assert.True(t, res.Passed)
	assert.Empty(t, res.Violations)
	assert.Equal(t, "Refunds within 30 days are available [CITABLE-1].", res.SanitizedContent)

	entries := audit.all()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Passed)
	assert.Equal(t, "acme", entries[0].TenantID)
	assert.Equal(t, hashQuery("acme", "what is your refund policy?"), entries[0].QueryHash)
	assert.NotContains(t, entries[0].QueryHash, "refund")
}

func TestValidate_Violations(t *testing.T) {
	tests := []struct {
		name      string
		response  string
		violation string
		absent    string
	}{
		{
			name:      "verbatim phrase",
			response:  "Refunds take 30 days. Also, layoffs planned q4 for staff.",
			violation: "literal_leak:p1",
			absent:    "planned",
		},
		{
			name:      "identifier",
			response:  "Use code SECRET-7781 at checkout.",
			violation: "identifier_leak:p1",
			absent:    "SECRET-7781",
		},
		{
			name:      "identifier with suffix",
			response:  "SECRET-7781's holder can approve it.",
			violation: "identifier_leak:p1",
			absent:    "SECRET-7781",
		},
		{
			name:      "identifier inside a longer token",
			response:  "Use xSECRET-7781-B today, or ref SECRET-7781.2.",
			violation: "identifier_leak:p1",
			absent:    "SECRET-7781",
		},
		{
			name:      "single private term",
			response:  "Refunds within 30 days [CITABLE-1]. Also, Layoffs are coming.",
			violation: "distinctive_term_leak:p1",
			absent:    "Layoffs",
		},
		{
			name:      "private term in another case",
			response:  "No LAYOFFS's news today.",
			violation: "distinctive_term_leak:p1",
			absent:    "LAYOFFS",
		},
		{
			name:      "chunk id",
			response:  "See p1 for details.",
			violation: "chunk_id_reference:p1",
			absent:    "p1",
		},
		{
			name:      "source name",
			response:  "According to the HR-Memo, refunds are fine.",
			violation: "source_reference:p1",
			absent:    "HR-Memo",
		},
		{
			name:      "private marker",
			response:  "Some [PRIVATE] notes exist.",
			violation: "private_marker",
			absent:    "[PRIVATE]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, audit := setupTestPrivacyFilter(t)
			res := f.Validate(context.Background(), tt.response, scenarioContext())

			assert.False(t, res.Passed)
			assert.Contains(t, res.Violations, tt.violation)
			assert.NotContains(t, res.SanitizedContent, tt.absent)
			assert.Contains(t, res.SanitizedContent, "[redacted]")

			entries := audit.all()
			require.Len(t, entries, 1)
			assert.False(t, entries[0].Passed)
			assert.Contains(t, entries[0].Violations, tt.violation)
		})
	}
}

func TestValidate_RedactionKeepsCitableValue(t *testing.T) {
	f, _ := setupTestPrivacyFilter(t)

	res := f.Validate(context.Background(),
		"Refunds within 30 days [CITABLE-1]. Note: Layoffs planned Q4, code SECRET-7781.",
		scenarioContext())
	assert.False(t, res.Passed)
	assert.Contains(t, res.SanitizedContent, "Refunds within 30 days [CITABLE-1].")
	assert.NotContains(t, res.SanitizedContent, "SECRET-7781")
	assert.NotContains(t, res.SanitizedContent, "Layoffs planned")
}

func TestValidate_SharedTextIsExempt(t *testing.T) {
	f, _ := setupTestPrivacyFilter(t)
	data := scenarioContext()
	data.Private = append(data.Private, domain.ContextChunk{
		ChunkID: "p2", SourceID: "refund-faq", Content: "Refunds within 30 days unless flagged by FRAUD-22 review.",
	})

	res := f.Validate(context.Background(), "Refunds within 30 days, per refund-faq.", data)
	assert.True(t, res.Passed, "violations: %v", res.Violations)
}

func TestValidate_HeuristicWarningDoesNotBlock(t *testing.T) {
	f, _ := setupTestPrivacyFilter(t)
	data := scenarioContext()
	data.Private = []domain.ContextChunk{{ChunkID: "p9", SourceID: "board", Content: "restructuring severance merger divestiture"}}

	res := f.Validate(context.Background(), "Severance and merger talks.", data)
	assert.True(t, res.Passed)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "private_vocabulary_overlap")
}

func TestValidate_AuditFailureDoesNotBlock(t *testing.T) {
	audit := &memoryAudit{err: errors.New("disk full")}
	f := NewPrivacyFilter(PrivacyOptions{}, audit, metrics.New(nil), zaptest.NewLogger(t))

	res := f.Validate(context.Background(), "Refunds within 30 days.", scenarioContext())
	assert.True(t, res.Passed)
}

func TestValidate_NoPrivateContext(t *testing.T) {
	f, audit := setupTestPrivacyFilter(t)
	res := f.Validate(context.Background(), "anything goes", &domain.ContextData{TenantID: "acme"})
	assert.True(t, res.Passed)
	assert.Len(t, audit.all(), 1)

	res = f.Validate(context.Background(), "leaking the [private] marker", nil)
	assert.False(t, res.Passed)
}

// A unique marker planted in a private chunk never survives validation,
// however the response embeds it.
func TestValidate_NoLiteralLeakProperty(t *testing.T) {
	f, _ := setupTestPrivacyFilter(t)
	rng := rand.New(rand.NewSource(42))
	fillers := []string{"refunds", "within", "30", "days", "please", "contact", "support", "thanks", "the", "order"}

	for trial := 0; trial < 300; trial++ {
		marker := fmt.Sprintf("ZQX-%06d-%c", rng.Intn(1000000), 'A'+rune(rng.Intn(26)))
		private := fmt.Sprintf("Internal escalation uses %s for priority routing", marker)
		data := scenarioContext()
		data.Private = []domain.ContextChunk{{ChunkID: fmt.Sprintf("p-%d", trial), SourceID: "ops", Content: private}}

		words := make([]string, 5+rng.Intn(20))
		for i := range words {
			words[i] = fillers[rng.Intn(len(fillers))]
		}
		pos := rng.Intn(len(words) + 1)
		variants := []string{
			marker, strings.ToLower(marker), "(" + marker + ")", marker + ".", private,
			marker + "'s", marker + ".2", marker + "-B", "x" + marker, "ref:" + strings.ToLower(marker) + "x",
		}
		leak := variants[rng.Intn(len(variants))]
		words = append(words[:pos], append([]string{leak}, words[pos:]...)...)
		response := strings.Join(words, " ")

		res := f.Validate(context.Background(), response, data)
		require.False(t, res.Passed, "trial %d: %q", trial, response)
		assert.NotContains(t, strings.ToLower(res.SanitizedContent), strings.ToLower(marker), "trial %d", trial)
	}
}

func TestStreamGuard_CatchesSplitLeak(t *testing.T) {
	f, _ := setupTestPrivacyFilter(t)
	g := f.NewStreamGuard(scenarioContext())

	deltas := []string{"Refunds within ", "30 days [CITABLE-1]. Code SEC", "RET-", "7781 applies", " to Layoffs pla", "nned Q4 too."}
	var out strings.Builder
	for _, d := range deltas {
		out.WriteString(g.Push(d))
		assert.NotContains(t, out.String(), "SECRET-7781")
		assert.NotContains(t, out.String(), "RET-7781")
	}
	out.WriteString(g.Flush())

	final := out.String()
	assert.True(t, strings.HasPrefix(final, "Refunds within 30 days [CITABLE-1]."))
	assert.NotContains(t, final, "SECRET")
	assert.NotContains(t, final, "7781")
	assert.NotContains(t, final, "planned Q4")
	assert.Contains(t, final, "[redacted]")
	assert.Contains(t, g.Violations(), "identifier_leak:p1")
}

func TestStreamGuard_CleanTextPassesThrough(t *testing.T) {
	f, _ := setupTestPrivacyFilter(t)
	g := f.NewStreamGuard(scenarioContext())

	text := "Refunds are issued within 30 days of purchase [CITABLE-1]. Contact support for help."
	var out strings.Builder
	for _, r := range text {
		out.WriteString(g.Push(string(r)))
	}
	assert.Less(t, out.Len(), len(text), "the tail is held back until flush")
	out.WriteString(g.Flush())
	assert.Equal(t, text, out.String())
	assert.Empty(t, g.Violations())
}

func TestStreamGuard_Reset(t *testing.T) {
	f, _ := setupTestPrivacyFilter(t)
	g := f.NewStreamGuard(scenarioContext())

	assert.Equal(t, "", g.Push("half"))
	g.Reset()
	g.Push("Fresh answer.")
	assert.Equal(t, "Fresh answer.", g.Flush())
}

func TestValidate_CommonPrivateWordsPass(t *testing.T) {
	f, _ := setupTestPrivacyFilter(t)

	// "planned" and "code" are ordinary words; only the full phrase or the terms leak
	res := f.Validate(context.Background(), "We planned to share the discount code soon.", scenarioContext())
	assert.True(t, res.Passed, "violations: %v", res.Violations)
}

func TestStreamGuard_CatchesGluedIdentifier(t *testing.T) {
	f, _ := setupTestPrivacyFilter(t)
	g := f.NewStreamGuard(scenarioContext())

	var out strings.Builder
	for _, d := range []string{"Ref xSEC", "RET-77", "81.2 and Lay", "offs's plan."} {
		out.WriteString(g.Push(d))
		assert.NotContains(t, out.String(), "RET-7781")
	}
	out.WriteString(g.Flush())

	assert.NotContains(t, out.String(), "SECRET-7781")
	assert.NotContains(t, out.String(), "Layoffs")
	assert.Contains(t, g.Violations(), "identifier_leak:p1")
	assert.Contains(t, g.Violations(), "distinctive_term_leak:p1")
}

func TestIsDistinctive(t *testing.T) {
	tests := map[string]bool{
		"Layoffs":       true,
		"layoffs":       false,
		"restructuring": true,
		"Q4":            false,
		"These":         false,
		"Acme":          false,
		"code-name":     false,
	}
	for tok, want := range tests {
		assert.Equal(t, want, isDistinctive(tok, 10), tok)
	}
}

func TestIsIdentifier(t *testing.T) {
	tests := map[string]bool{
		"SECRET-7781": true,
		"ab12":        true,
		"foo_bar":     true,
		"ACME":        true,
		"Acme":        false,
		"Q4":          false,
		"2026":        false,
		"12345678":    true,
		"hello":       false,
	}
	for tok, want := range tests {
		assert.Equal(t, want, isIdentifier(tok, 4), tok)
	}
}
