package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/liliang-cn/askguard/internal/domain"
)

// MemoryIndex keeps chunks in process. Used for development and tests.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	spaces    map[string]map[string]domain.Chunk
}

// NewMemoryIndex creates an empty index for vectors of the given size
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		spaces:    make(map[string]map[string]domain.Chunk),
	}
}

// Dimension returns the vector size the index accepts
func (m *MemoryIndex) Dimension() int {
	return m.dimension
}

// Upsert adds or replaces chunks in namespace. The chunk's own TenantID is
// stored as given so misfiled data stays detectable.
func (m *MemoryIndex) Upsert(_ context.Context, namespace string, chunks ...domain.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != m.dimension {
			return fmt.Errorf("chunk %s: %w", c.ID, &domain.DimensionMismatchError{Expected: m.dimension, Got: len(c.Embedding)})
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	space, ok := m.spaces[namespace]
	if !ok {
		space = make(map[string]domain.Chunk)
		m.spaces[namespace] = space
	}
	for _, c := range chunks {
		c.Embedding = append([]float32(nil), c.Embedding...)
		space[c.ID] = c
	}
	return nil
}

// Query scores every chunk in namespace against vector
func (m *MemoryIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]RawHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	space := m.spaces[namespace]
	hits := make([]RawHit, 0, len(space))
	for _, c := range space {
		hits = append(hits, hitFromChunk(c, Cosine(vector, c.Embedding)))
	}
	return topHits(hits, topK), nil
}

// Count returns the number of chunks in namespace
func (m *MemoryIndex) Count(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spaces[namespace])
}
