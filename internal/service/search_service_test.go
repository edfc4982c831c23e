package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liliang-cn/askguard/internal/cache"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/metrics"
	"github.com/liliang-cn/askguard/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// fakeIndex wraps a MemoryIndex with failure and latency injection
type fakeIndex struct {
	*vectorstore.MemoryIndex
	calls    atomic.Int32
	failNext atomic.Bool
	delay    time.Duration
	rewrite  func([]vectorstore.RawHit) []vectorstore.RawHit
}

func (f *fakeIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]vectorstore.RawHit, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("connection reset by peer")
	}
	hits, err := f.MemoryIndex.Query(ctx, namespace, vector, topK)
	if err == nil && f.rewrite != nil {
		hits = f.rewrite(hits)
	}
	return hits, err
}

func seedIndex(t *testing.T) *fakeIndex {
	t.Helper()
	idx := &fakeIndex{MemoryIndex: vectorstore.NewMemoryIndex(3)}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, idx.Upsert(context.Background(), "acme",
		domain.Chunk{ID: "faq-1", TenantID: "acme", Content: "Refunds are issued within 30 days.", Embedding: []float32{1, 0, 0}, IsCitable: true, SourceID: "faq", CreatedAt: now},
		domain.Chunk{ID: "memo-1", TenantID: "acme", Content: "Internal: refunds over 500 need approval.", Embedding: []float32{0.9, 0.1, 0}, SourceID: "memo", CreatedAt: now},
		domain.Chunk{ID: "faq-2", TenantID: "acme", Content: "Shipping takes five days.", Embedding: []float32{0.6, 0.8, 0}, IsCitable: true, SourceID: "faq", CreatedAt: now},
		domain.Chunk{ID: "far", TenantID: "acme", Content: "Office hours.", Embedding: []float32{0, 0, 1}, IsCitable: true, SourceID: "misc", CreatedAt: now},
	))
	return idx
}

func setupTestSearchService(t *testing.T, idx vectorstore.Index, opts SearchOptions) (*SearchService, *cache.MemoryCache) {
	t.Helper()
	c := cache.NewMemoryCache(0)
	return NewSearchService(idx, c, opts, metrics.New(nil), zaptest.NewLogger(t)), c
}

func acmeRequest() SearchRequest {
	return SearchRequest{TenantID: "acme", Query: "refund", Embedding: []float32{1, 0, 0}, TopK: 3, ScoreThreshold: 0.3}
}

func TestSearch_OrderingThresholdAndPrivate(t *testing.T) {
	svc, _ := setupTestSearchService(t, seedIndex(t), SearchOptions{})

	results, err := svc.Search(context.Background(), acmeRequest())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "faq-1", results[0].ChunkID)
	assert.Equal(t, "memo-1", results[1].ChunkID)
	assert.False(t, results[1].IsCitable, "private chunks are returned by default")
	assert.Equal(t, "faq-2", results[2].ChunkID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestSearch_FilterCitable(t *testing.T) {
	svc, _ := setupTestSearchService(t, seedIndex(t), SearchOptions{})

	req := acmeRequest()
	req.FilterCitable = true
	results, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.IsCitable)
	}
	assert.Len(t, results, 2)
}

func TestSearch_InvalidParameters(t *testing.T) {
	svc, _ := setupTestSearchService(t, seedIndex(t), SearchOptions{})

	tests := []struct {
		name   string
		mutate func(r *SearchRequest)
	}{
		{"top_k zero", func(r *SearchRequest) { r.TopK = 0 }},
		{"top_k too large", func(r *SearchRequest) { r.TopK = 51 }},
		{"negative threshold", func(r *SearchRequest) { r.ScoreThreshold = -0.1 }},
		{"threshold above one", func(r *SearchRequest) { r.ScoreThreshold = 1.1 }},
		{"missing tenant", func(r *SearchRequest) { r.TenantID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := acmeRequest()
			tt.mutate(&req)
			_, err := svc.Search(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
}

func TestSearch_DimensionMismatchIsFatal(t *testing.T) {
	idx := seedIndex(t)
	svc, _ := setupTestSearchService(t, idx, SearchOptions{})

	req := acmeRequest()
	req.Embedding = []float32{1, 0}
	_, err := svc.Search(context.Background(), req)
	require.Error(t, err)

	var dimErr *domain.DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)
	assert.True(t, domain.IsFatal(err))
	assert.Equal(t, int32(0), idx.calls.Load())
}

func TestSearch_TenantIsolationIsFatalAndNotCached(t *testing.T) {
	idx := seedIndex(t)
	idx.rewrite = func(hits []vectorstore.RawHit) []vectorstore.RawHit {
		hits[0].TenantID = "globex"
		return hits
	}
	svc, c := setupTestSearchService(t, idx, SearchOptions{})

	_, err := svc.Search(context.Background(), acmeRequest())
	require.ErrorIs(t, err, domain.ErrTenantIsolation)
	assert.True(t, domain.IsFatal(err))
	assert.Equal(t, 0, c.Stats()["size"])
}

func TestSearch_BackendFailure(t *testing.T) {
	idx := seedIndex(t)
	idx.failNext.Store(true)
	svc, c := setupTestSearchService(t, idx, SearchOptions{})

	_, err := svc.Search(context.Background(), acmeRequest())
	require.ErrorIs(t, err, domain.ErrRetrievalUnavailable)
	assert.Equal(t, 0, c.Stats()["size"])

	results, err := svc.Search(context.Background(), acmeRequest())
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearch_DeadlineExceeded(t *testing.T) {
	idx := seedIndex(t)
	idx.delay = 200 * time.Millisecond
	svc, _ := setupTestSearchService(t, idx, SearchOptions{Timeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Search(ctx, acmeRequest())
	assert.ErrorIs(t, err, domain.ErrTimeoutExceeded)
}

func TestSearch_CacheHitEqualsMiss(t *testing.T) {
	idx := seedIndex(t)
	svc, _ := setupTestSearchService(t, idx, SearchOptions{})
	ctx := context.Background()

	miss, err := svc.Search(ctx, acmeRequest())
	require.NoError(t, err)
	// callers may mutate what they receive
	miss[0].Content = "scribbled"

	hit, err := svc.Search(ctx, acmeRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), idx.calls.Load())
	assert.Equal(t, "Refunds are issued within 30 days.", hit[0].Content)

	fresh, err := NewSearchService(idx, nil, SearchOptions{}, metrics.New(nil), zaptest.NewLogger(t)).Search(ctx, acmeRequest())
	require.NoError(t, err)
	assert.Equal(t, fresh, hit)
}

func TestSearch_Rerank(t *testing.T) {
	svc, _ := setupTestSearchService(t, seedIndex(t), SearchOptions{Reranker: NewLexicalReranker()})

	req := acmeRequest()
	req.Query = "how long does shipping take"
	req.TopK = 2
	results, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

// Reranked order depends on the query text, so two queries sharing an
// embedding must not share a cache entry.
func TestSearch_RerankCacheKeyedByQuery(t *testing.T) {
	idx := seedIndex(t)
	svc, _ := setupTestSearchService(t, idx, SearchOptions{Reranker: NewLexicalReranker()})
	ctx := context.Background()

	refunds := acmeRequest()
	refunds.Query = "refunds issued"
	approval := acmeRequest()
	approval.Query = "internal approval"

	first, err := svc.Search(ctx, refunds)
	require.NoError(t, err)
	second, err := svc.Search(ctx, approval)
	require.NoError(t, err)

	assert.Equal(t, int32(2), idx.calls.Load())
	assert.Equal(t, "faq-1", first[0].ChunkID)
	assert.Equal(t, "memo-1", second[0].ChunkID)

	again, err := svc.Search(ctx, refunds)
	require.NoError(t, err)
	assert.Equal(t, int32(2), idx.calls.Load())
	assert.Equal(t, first, again)
}

// 50 concurrent identical queries while the backend fails once: every caller
// sees either the full result list or a retrieval error, and the cache never
// holds a partial entry.
func TestSearch_ConcurrentQueriesWithInjectedFailure(t *testing.T) {
	idx := seedIndex(t)
	idx.delay = 5 * time.Millisecond
	svc, c := setupTestSearchService(t, idx, SearchOptions{})
	ctx := context.Background()

	expected, err := NewSearchService(seedIndex(t), nil, SearchOptions{}, metrics.New(nil), zaptest.NewLogger(t)).Search(ctx, acmeRequest())
	require.NoError(t, err)

	idx.failNext.Store(true)

	var (
		mu       sync.Mutex
		ok, fail int
	)
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			results, err := svc.Search(ctx, acmeRequest())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, domain.ErrRetrievalUnavailable) {
					return err
				}
				fail++
				return nil
			}
			if !assert.Equal(t, expected, results) {
				return errors.New("unexpected results")
			}
			ok++
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 50, ok+fail)
	assert.GreaterOrEqual(t, fail, 1)

	cached, err := svc.Search(ctx, acmeRequest())
	require.NoError(t, err)
	assert.Equal(t, expected, cached)
	assert.LessOrEqual(t, c.Stats()["size"].(int), 1)
}
