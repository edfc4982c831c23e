package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liliang-cn/askguard/internal/cache"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/metrics"
	"github.com/liliang-cn/askguard/internal/vectorstore"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxTopK = 50

// SearchRequest is a similarity query against one tenant namespace
type SearchRequest struct {
	TenantID       string
	Query          string
	Embedding      []float32
	TopK           int
	ScoreThreshold float64
	FilterCitable  bool
}

// SearchOptions tunes the search service
type SearchOptions struct {
	CacheTTL time.Duration
	// Timeout bounds one backend query, independent of the caller's deadline
	Timeout  time.Duration
	Reranker Reranker
}

// SearchService finds the chunks of a tenant's namespace closest to a query embedding
type SearchService struct {
	index    vectorstore.Index
	cache    cache.Cache
	ttl      time.Duration
	timeout  time.Duration
	reranker Reranker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	flights  singleflight.Group
}

// NewSearchService creates a new search service. c may be nil to disable caching.
func NewSearchService(index vectorstore.Index, c cache.Cache, opts SearchOptions, m *metrics.Metrics, logger *zap.Logger) *SearchService {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &SearchService{
		index:    index,
		cache:    c,
		ttl:      opts.CacheTTL,
		timeout:  opts.Timeout,
		reranker: opts.Reranker,
		metrics:  m,
		logger:   logger.Named("search"),
	}
}

// Search returns up to TopK results of the request's tenant, best first
func (s *SearchService) Search(ctx context.Context, req SearchRequest) ([]domain.SearchResult, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", domain.ErrInvalidRequest)
	}
	if req.TopK < 1 || req.TopK > maxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", domain.ErrInvalidRequest, maxTopK)
	}
	if req.ScoreThreshold < 0 || req.ScoreThreshold > 1 {
		return nil, fmt.Errorf("%w: score_threshold must be between 0 and 1", domain.ErrInvalidRequest)
	}

	if dim := s.index.Dimension(); len(req.Embedding) != dim {
		err := &domain.DimensionMismatchError{Expected: dim, Got: len(req.Embedding)}
		s.integrityFailure(req.TenantID, "dimension_mismatch", err)
		return nil, err
	}

	var rankQuery string
	if s.reranker != nil {
		rankQuery = req.Query
	}
	key := cache.SearchKey(req.TenantID, req.Embedding, req.TopK, req.ScoreThreshold, req.FilterCitable, rankQuery)
	if s.cache != nil {
		if results, ok := s.cache.Get(ctx, key); ok {
			s.metrics.CacheLookups.WithLabelValues("hit").Inc()
			return results, nil
		}
		s.metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	// Callers waiting on the same key share one backend query. The query runs
	// detached from any single caller so one cancellation cannot fail the rest.
	ch := s.flights.DoChan(key, func() (interface{}, error) {
		fctx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, s.timeout)
			defer cancel()
		}
		results, err := s.fetch(fctx, req)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.Set(fctx, key, results, s.ttl)
		}
		return results, nil
	})

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: retrieval", domain.ErrTimeoutExceeded)
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return domain.CloneResults(res.Val.([]domain.SearchResult)), nil
	}
}

func (s *SearchService) fetch(ctx context.Context, req SearchRequest) ([]domain.SearchResult, error) {
	fetchK := req.TopK
	if req.FilterCitable || s.reranker != nil {
		fetchK = min(req.TopK*3, maxTopK*3)
	}

	hits, err := s.index.Query(ctx, req.TenantID, req.Embedding, fetchK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrTimeoutExceeded, err)
		}
		s.logger.Warn("Vector backend query failed",
			zap.String("tenant_id", req.TenantID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrRetrievalUnavailable, err)
	}

	results := make([]domain.SearchResult, 0, len(hits))
	for _, h := range hits {
		if h.TenantID != req.TenantID {
			err := fmt.Errorf("%w: chunk %s belongs to %q", domain.ErrTenantIsolation, h.ChunkID, h.TenantID)
			s.integrityFailure(req.TenantID, "tenant_isolation", err)
			return nil, err
		}
		if req.FilterCitable && !h.IsCitable {
			continue
		}
		if h.Similarity < req.ScoreThreshold {
			continue
		}
		results = append(results, domain.SearchResult{
			ChunkID:   h.ChunkID,
			TenantID:  h.TenantID,
			Content:   h.Content,
			Score:     h.Similarity,
			IsCitable: h.IsCitable,
			SourceID:  h.SourceID,
			Embedding: h.Embedding,
			CreatedAt: h.CreatedAt,
		})
	}
	sortResults(results)

	if s.reranker != nil && len(results) > 1 {
		reranked, err := s.reranker.Rerank(ctx, req.Query, results)
		if err != nil {
			s.logger.Warn("Rerank failed, keeping similarity order", zap.Error(err))
		} else {
			results = reranked
		}
	}

	if len(results) > req.TopK {
		results = results[:req.TopK]
	}
	return results, nil
}

func (s *SearchService) integrityFailure(tenantID, kind string, err error) {
	s.metrics.IntegrityErrors.WithLabelValues(kind).Inc()
	s.logger.Error("Search integrity failure",
		zap.Bool("alert", true),
		zap.String("kind", kind),
		zap.String("tenant_id", tenantID),
		zap.Error(err),
	)
}

// ClearCache drops every cached search result
func (s *SearchService) ClearCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Clear(ctx)
}

// CacheStats returns the cache counters, nil without a cache
func (s *SearchService) CacheStats() map[string]any {
	if s.cache == nil {
		return nil
	}
	return s.cache.Stats()
}
