package service

import (
	"context"
	"math"
	"sort"

	"github.com/liliang-cn/askguard/internal/domain"
)

// Reranker reorders search results for a query. It may rewrite scores.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []domain.SearchResult) ([]domain.SearchResult, error)
}

// LexicalReranker blends vector similarity with query/content term overlap
type LexicalReranker struct {
	// LexicalWeight is the share of the final score taken by term overlap
	LexicalWeight float64
}

// NewLexicalReranker creates a reranker with the default 0.3 lexical share
func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{LexicalWeight: 0.3}
}

// Rerank rescored results are ordered by score desc, chunk ID on ties
func (r *LexicalReranker) Rerank(ctx context.Context, query string, results []domain.SearchResult) ([]domain.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w := r.LexicalWeight
	if w < 0 || w > 1 {
		w = 0.3
	}
	queryWords := contentWords(query)

	out := make([]domain.SearchResult, len(results))
	copy(out, results)
	for i := range out {
		lex := lexicalSimilarity(queryWords, contentWords(out[i].Content))
		out[i].Score = (1-w)*out[i].Score + w*lex
	}
	sortResults(out)
	return out, nil
}

// lexicalSimilarity is the cosine of the term frequency vectors
func lexicalSimilarity(queryWords, contentWords []string) float64 {
	if len(queryWords) == 0 || len(contentWords) == 0 {
		return 0
	}

	queryFreq := make(map[string]int)
	contentFreq := make(map[string]int)
	for _, w := range queryWords {
		queryFreq[w]++
	}
	for _, w := range contentWords {
		contentFreq[w]++
	}

	var dot, qMag, cMag float64
	for w, qf := range queryFreq {
		dot += float64(qf * contentFreq[w])
		qMag += float64(qf * qf)
	}
	for _, cf := range contentFreq {
		cMag += float64(cf * cf)
	}
	if qMag == 0 || cMag == 0 {
		return 0
	}
	return dot / (math.Sqrt(qMag) * math.Sqrt(cMag))
}

func sortResults(results []domain.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}
