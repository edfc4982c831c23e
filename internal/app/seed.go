package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
)

// seedBatch bounds one Upsert call
const seedBatch = 100

// Seed upserts a JSON array of chunks into tenantID's namespace. Chunks
// without an embedding are embedded first. Returns the number stored.
func (a *App) Seed(ctx context.Context, tenantID string, r io.Reader) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenant is required", domain.ErrInvalidRequest)
	}

	var chunks []domain.Chunk
	if err := json.NewDecoder(r).Decode(&chunks); err != nil {
		return 0, fmt.Errorf("failed to decode chunks: %w", err)
	}

	now := time.Now().UTC()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" || c.Content == "" {
			return 0, fmt.Errorf("%w: chunk %d needs an id and content", domain.ErrInvalidRequest, i)
		}
		c.TenantID = tenantID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if len(c.Embedding) == 0 {
			vec, err := a.Embedder.Embed(ctx, c.Content)
			if err != nil {
				return 0, fmt.Errorf("failed to embed chunk %s: %w", c.ID, err)
			}
			c.Embedding = vec
		}
	}

	for start := 0; start < len(chunks); start += seedBatch {
		end := min(start+seedBatch, len(chunks))
		if err := a.Writer.Upsert(ctx, tenantID, chunks[start:end]...); err != nil {
			return start, err
		}
	}
	return len(chunks), nil
}
