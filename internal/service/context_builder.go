package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
	"go.uber.org/zap"
)

const blockSeparator = "\n\n"

// ContextOptions configures ranking and deduplication
type ContextOptions struct {
	Strategy        string
	Weights         RankingWeights
	RecencyHalfLife time.Duration
	DedupThreshold  float64
}

// ContextBuilder assembles search results into a token-bounded context with
// citation markers
type ContextBuilder struct {
	opts    ContextOptions
	counter TokenCounter
	logger  *zap.Logger
}

// NewContextBuilder creates a new context builder
func NewContextBuilder(opts ContextOptions, counter TokenCounter, logger *zap.Logger) *ContextBuilder {
	if opts.Strategy == "" {
		opts.Strategy = StrategyHybrid
	}
	if opts.Weights == (RankingWeights{}) {
		opts.Weights = RankingWeights{Similarity: 0.7, Recency: 0.1, Keyword: 0.2}
	}
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &ContextBuilder{
		opts:    opts,
		counter: counter,
		logger:  logger.Named("context"),
	}
}

// Counter returns the token counter used for budgets
func (b *ContextBuilder) Counter() TokenCounter {
	return b.counter
}

// Build ranks, dedupes and renders results until the next block would exceed
// maxTokens. Blocks are never split. Citable blocks are numbered from 1 in the
// order they appear; private blocks carry no identifier.
func (b *ContextBuilder) Build(results []domain.SearchResult, query string, maxTokens int, includePrivate bool) (*domain.ContextData, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("%w: max_context_tokens must be positive", domain.ErrInvalidRequest)
	}

	data := &domain.ContextData{
		Query:          query,
		CitableSources: []domain.CitableSource{},
	}
	if len(results) == 0 {
		return data, nil
	}
	data.TenantID = results[0].TenantID

	candidates := results
	if !includePrivate {
		candidates = make([]domain.SearchResult, 0, len(results))
		for _, r := range results {
			if r.IsCitable {
				candidates = append(candidates, r)
			}
		}
	}

	ranked := dedupe(
		rankResults(candidates, query, b.opts.Strategy, b.opts.Weights, b.opts.RecencyHalfLife),
		b.opts.DedupThreshold,
	)

	var sb strings.Builder
	skipped := 0
	for i, r := range ranked {
		content := neutralizeMarkers(r.Content)

		var block string
		if r.IsCitable {
			n := len(data.CitableSources) + 1
			block = fmt.Sprintf("%s%d] (source: %s)\n%s", domain.CitableMarkerPrefix, n, r.SourceID, content)
		} else {
			block = domain.PrivateMarker + "\n" + content
		}

		candidate := block
		if sb.Len() > 0 {
			candidate = sb.String() + blockSeparator + block
		}
		if b.counter.Count(candidate) > maxTokens {
			skipped = len(ranked) - i
			break
		}

		if sb.Len() > 0 {
			sb.WriteString(blockSeparator)
		}
		sb.WriteString(block)

		chunk := domain.ContextChunk{ChunkID: r.ChunkID, SourceID: r.SourceID, Content: r.Content}
		if r.IsCitable {
			data.CitableSources = append(data.CitableSources, domain.CitableSource{
				Index:    len(data.CitableSources) + 1,
				SourceID: r.SourceID,
				ChunkID:  r.ChunkID,
			})
			data.Citable = append(data.Citable, chunk)
		} else {
			data.Private = append(data.Private, chunk)
		}
	}

	data.FullContext = sb.String()
	data.TokenCount = b.counter.Count(data.FullContext)

	b.logger.Debug("Context assembled",
		zap.Int("results", len(results)),
		zap.Int("after_dedupe", len(ranked)),
		zap.Int("citable", len(data.Citable)),
		zap.Int("private", len(data.Private)),
		zap.Int("skipped_for_budget", skipped),
		zap.Int("tokens", data.TokenCount),
	)
	return data, nil
}

// neutralizeMarkers keeps chunk text from forging context markers
func neutralizeMarkers(content string) string {
	content = strings.ReplaceAll(content, domain.PrivateMarker, "(PRIVATE)")
	return strings.ReplaceAll(content, domain.CitableMarkerPrefix, "(CITABLE-")
}
