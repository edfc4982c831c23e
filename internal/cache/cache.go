// Package cache stores vector search results for a short TTL. Caches are
// best-effort: a failed lookup is a miss, never an error for the caller.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
)

// Cache is a concurrency-safe store of search results
type Cache interface {
	Get(ctx context.Context, key string) ([]domain.SearchResult, bool)
	Set(ctx context.Context, key string, results []domain.SearchResult, ttl time.Duration)
	Clear(ctx context.Context) error
	Stats() map[string]any
}

// SearchKey derives the cache key of a search. The embedding is hashed so keys
// stay short and never carry vector data. rankQuery is the query text when
// the result order depends on it (reranking), empty otherwise.
func SearchKey(tenantID string, embedding []float32, topK int, threshold float64, citableOnly bool, rankQuery string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	buf := make([]byte, 4)
	for _, f := range embedding {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
		h.Write(buf)
	}
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(topK)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(threshold, 'g', -1, 64)))
	if citableOnly {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write([]byte(rankQuery))
	return tenantID + ":" + hex.EncodeToString(h.Sum(nil))
}
