package service

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/vectorstore"
)

// Ranking strategies
const (
	StrategySimilarity = "similarity"
	StrategyRecency    = "recency"
	StrategyKeyword    = "keyword"
	StrategyHybrid     = "hybrid"
)

// RankingWeights are the hybrid strategy weights
type RankingWeights struct {
	Similarity float64
	Recency    float64
	Keyword    float64
}

type rankedResult struct {
	domain.SearchResult
	rank float64
}

// rankResults orders results by the strategy. The result depends only on the
// inputs: recency is measured against the newest result, not the clock.
func rankResults(results []domain.SearchResult, query, strategy string, w RankingWeights, halfLife time.Duration) []rankedResult {
	if halfLife <= 0 {
		halfLife = 30 * 24 * time.Hour
	}

	var newest time.Time
	for _, r := range results {
		if r.CreatedAt.After(newest) {
			newest = r.CreatedAt
		}
	}
	queryWords := wordSet(contentWords(query))

	ranked := make([]rankedResult, len(results))
	for i, r := range results {
		sim := clamp01(r.Score)
		rec := recencyScore(newest, r.CreatedAt, halfLife)
		kw := keywordScore(queryWords, r.Content)

		var score float64
		switch strategy {
		case StrategySimilarity:
			score = sim
		case StrategyRecency:
			score = rec
		case StrategyKeyword:
			score = kw
		default:
			score = w.Similarity*sim + w.Recency*rec + w.Keyword*kw
		}
		ranked[i] = rankedResult{SearchResult: r, rank: score}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].rank != ranked[j].rank {
			return ranked[i].rank > ranked[j].rank
		}
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ChunkID < ranked[j].ChunkID
	})
	return ranked
}

// recencyScore halves every halfLife of age relative to newest
func recencyScore(newest, created time.Time, halfLife time.Duration) float64 {
	if created.IsZero() {
		if newest.IsZero() {
			return 1
		}
		return 0
	}
	age := newest.Sub(created)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * float64(age) / float64(halfLife))
}

// keywordScore is the share of query words found in content
func keywordScore(queryWords map[string]struct{}, content string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	found := wordSet(contentWords(content))
	matched := 0
	for w := range queryWords {
		if _, ok := found[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryWords))
}

// dedupe keeps the first of any near-duplicate group. Results are compared by
// embedding cosine when both have embeddings, by normalized content otherwise.
func dedupe(ranked []rankedResult, threshold float64) []rankedResult {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.95
	}

	kept := make([]rankedResult, 0, len(ranked))
	seenIDs := make(map[string]struct{}, len(ranked))
	seenText := make(map[string]struct{}, len(ranked))

	for _, r := range ranked {
		if _, dup := seenIDs[r.ChunkID]; dup {
			continue
		}
		norm := normalizeContent(r.Content)
		if _, dup := seenText[norm]; dup {
			continue
		}

		duplicate := false
		if len(r.Embedding) > 0 {
			for _, k := range kept {
				if len(k.Embedding) == len(r.Embedding) && vectorstore.Cosine(k.Embedding, r.Embedding) >= threshold {
					duplicate = true
					break
				}
			}
		}
		if duplicate {
			continue
		}

		seenIDs[r.ChunkID] = struct{}{}
		seenText[norm] = struct{}{}
		kept = append(kept, r)
	}
	return kept
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
