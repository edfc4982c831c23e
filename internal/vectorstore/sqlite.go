package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
)

// SQLiteIndex stores chunks and their embeddings in the service database and
// scores them by brute-force cosine within the requested namespace.
type SQLiteIndex struct {
	db        *sql.DB
	dimension int
}

// NewSQLiteIndex creates the chunks table when missing
func NewSQLiteIndex(db *sql.DB, dimension int) (*SQLiteIndex, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			content TEXT NOT NULL,
			source_id TEXT NOT NULL,
			is_citable INTEGER NOT NULL DEFAULT 0,
			embedding BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_namespace ON chunks(namespace)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return nil, fmt.Errorf("failed to create chunks table: %w", err)
		}
	}
	return &SQLiteIndex{db: db, dimension: dimension}, nil
}

// Dimension returns the vector size the index accepts
func (s *SQLiteIndex) Dimension() int {
	return s.dimension
}

// Upsert writes chunks to namespace in one transaction
func (s *SQLiteIndex) Upsert(ctx context.Context, namespace string, chunks ...domain.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO chunks (namespace, id, tenant_id, content, source_id, is_citable, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			content = excluded.content,
			source_id = excluded.source_id,
			is_citable = excluded.is_citable,
			embedding = excluded.embedding,
			created_at = excluded.created_at`

	for _, c := range chunks {
		if len(c.Embedding) != s.dimension {
			return fmt.Errorf("chunk %s: %w", c.ID, &domain.DimensionMismatchError{Expected: s.dimension, Got: len(c.Embedding)})
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, query,
			namespace, c.ID, c.TenantID, c.Content, c.SourceID, c.IsCitable,
			encodeVector(c.Embedding), createdAt,
		); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// Query scores every chunk in namespace against vector
func (s *SQLiteIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]RawHit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, content, source_id, is_citable, embedding, created_at
		FROM chunks WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var hits []RawHit
	for rows.Next() {
		var (
			c    domain.Chunk
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Content, &c.SourceID, &c.IsCitable, &blob, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Embedding = decodeVector(blob)
		hits = append(hits, hitFromChunk(c, Cosine(vector, c.Embedding)))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return topHits(hits, topK), nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
