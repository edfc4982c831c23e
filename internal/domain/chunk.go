package domain

import "time"

// Chunk is a unit of retrievable knowledge owned by exactly one tenant namespace
type Chunk struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	IsCitable bool      `json:"is_citable"`
	SourceID  string    `json:"source_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is a scored retrieval hit, discarded once the query completes
type SearchResult struct {
	ChunkID   string    `json:"chunk_id"`
	TenantID  string    `json:"tenant_id"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	IsCitable bool      `json:"is_citable"`
	SourceID  string    `json:"source_id"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CloneResults returns a deep copy of results so cached slices are never shared
func CloneResults(results []SearchResult) []SearchResult {
	if results == nil {
		return nil
	}
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = r
		if r.Embedding != nil {
			out[i].Embedding = append([]float32(nil), r.Embedding...)
		}
	}
	return out
}
