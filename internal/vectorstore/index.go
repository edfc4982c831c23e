// Package vectorstore holds the tenant-namespaced similarity indexes the
// search service queries.
package vectorstore

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
)

// RawHit is a backend hit before thresholding, isolation checks and reranking
type RawHit struct {
	ChunkID    string
	TenantID   string
	Content    string
	SourceID   string
	IsCitable  bool
	Embedding  []float32
	Similarity float64
	CreatedAt  time.Time
}

// Index answers nearest-neighbour queries within one namespace
type Index interface {
	Query(ctx context.Context, namespace string, vector []float32, topK int) ([]RawHit, error)
	Dimension() int
}

// Writer loads chunks into an index
type Writer interface {
	Upsert(ctx context.Context, namespace string, chunks ...domain.Chunk) error
}

// Cosine returns the cosine similarity of a and b, or 0 when they cannot be compared
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topHits sorts by similarity desc (chunk ID on ties) and keeps topK
func topHits(hits []RawHit, topK int) []RawHit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits
}

func hitFromChunk(c domain.Chunk, similarity float64) RawHit {
	return RawHit{
		ChunkID:    c.ID,
		TenantID:   c.TenantID,
		Content:    c.Content,
		SourceID:   c.SourceID,
		IsCitable:  c.IsCitable,
		Embedding:  append([]float32(nil), c.Embedding...),
		Similarity: similarity,
		CreatedAt:  c.CreatedAt,
	}
}
