package vectorstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Requires a live cluster: ASKGUARD_TEST_WEAVIATE_HOST=localhost:8080
func setupTestWeaviateIndex(t *testing.T) *WeaviateIndex {
	t.Helper()
	host := os.Getenv("ASKGUARD_TEST_WEAVIATE_HOST")
	if host == "" {
		t.Skip("ASKGUARD_TEST_WEAVIATE_HOST not set")
	}

	idx, err := NewWeaviateIndex(WeaviateConfig{
		Host:      host,
		APIKey:    os.Getenv("ASKGUARD_TEST_WEAVIATE_API_KEY"),
		Class:     fmt.Sprintf("AskguardTest%d", time.Now().UnixNano()),
		Dimension: 3,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, idx.EnsureSchema(ctx))
	require.NoError(t, idx.EnsureSchema(ctx), "schema setup is idempotent")
	t.Cleanup(func() {
		idx.client.Schema().ClassDeleter().WithClassName(idx.class).Do(context.Background())
	})
	return idx
}

func TestWeaviateIndex_QueryStaysInNamespace(t *testing.T) {
	idx := setupTestWeaviateIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "t1", sampleChunks("t1")...))
	require.NoError(t, idx.Upsert(ctx, "t2", domain.Chunk{ID: "x", TenantID: "t2", Content: "other tenant", Embedding: []float32{1, 0, 0}, SourceID: "s"}))

	hits, err := idx.Query(ctx, "t1", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-4)
	assert.Equal(t, "b", hits[1].ChunkID)
	assert.InDelta(t, 0.8, hits[1].Similarity, 1e-4)
	assert.False(t, hits[1].IsCitable)
	assert.Equal(t, "memo", hits[1].SourceID)
	assert.Len(t, hits[1].Embedding, 3)
	for _, h := range hits {
		assert.Equal(t, "t1", h.TenantID)
	}
}

func TestWeaviateIndex_UpsertReplaces(t *testing.T) {
	idx := setupTestWeaviateIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "t1", sampleChunks("t1")...))
	updated := sampleChunks("t1")[0]
	updated.Content = "refund policy v2"
	require.NoError(t, idx.Upsert(ctx, "t1", updated))

	hits, err := idx.Query(ctx, "t1", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "refund policy v2", hits[0].Content)

	err = idx.Upsert(ctx, "t1", domain.Chunk{ID: "bad", Embedding: []float32{1, 2}})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}
