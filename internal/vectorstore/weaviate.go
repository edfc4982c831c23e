package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"
)

// WeaviateConfig holds connection settings for a Weaviate cluster
type WeaviateConfig struct {
	Host      string
	Scheme    string
	APIKey    string
	Class     string
	Dimension int
}

// WeaviateIndex queries a multi-tenant Weaviate class. Each namespace maps to
// one Weaviate tenant, so a query never leaves its shard.
type WeaviateIndex struct {
	client    *weaviate.Client
	class     string
	dimension int
	logger    *zap.Logger
}

// NewWeaviateIndex creates a client for the configured cluster
func NewWeaviateIndex(cfg WeaviateConfig, logger *zap.Logger) (*WeaviateIndex, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Class == "" {
		cfg.Class = "Chunk"
	}

	var authConfig auth.Config
	if cfg.APIKey != "" {
		authConfig = auth.ApiKey{Value: cfg.APIKey}
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:       cfg.Host,
		Scheme:     cfg.Scheme,
		AuthConfig: authConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	return &WeaviateIndex{
		client:    client,
		class:     cfg.Class,
		dimension: cfg.Dimension,
		logger:    logger.Named("weaviate"),
	}, nil
}

// Dimension returns the vector size the index accepts
func (w *WeaviateIndex) Dimension() int {
	return w.dimension
}

// EnsureSchema creates the multi-tenant chunk class when missing
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check class %s: %w", w.class, err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:              w.class,
		Description:        "Tenant knowledge base chunks",
		Vectorizer:         "none",
		MultiTenancyConfig: &models.MultiTenancyConfig{Enabled: true},
		Properties: []*models.Property{
			{Name: "chunkId", DataType: []string{"text"}},
			{Name: "tenantId", DataType: []string{"text"}},
			{Name: "content", DataType: []string{"text"}},
			{Name: "sourceId", DataType: []string{"text"}},
			{Name: "isCitable", DataType: []string{"boolean"}},
			{Name: "createdAt", DataType: []string{"date"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create class %s: %w", w.class, err)
	}
	w.logger.Info("Created weaviate class", zap.String("class", w.class))
	return nil
}

// Upsert writes chunks into the namespace's tenant shard, creating the tenant when needed
func (w *WeaviateIndex) Upsert(ctx context.Context, namespace string, chunks ...domain.Chunk) error {
	err := w.client.Schema().TenantsCreator().
		WithClassName(w.class).
		WithTenants(models.Tenant{Name: namespace}).
		Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create tenant %s: %w", namespace, err)
	}

	for _, c := range chunks {
		if len(c.Embedding) != w.dimension {
			return fmt.Errorf("chunk %s: %w", c.ID, &domain.DimensionMismatchError{Expected: w.dimension, Got: len(c.Embedding)})
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		id := objectID(namespace, c.ID)
		props := map[string]interface{}{
			"chunkId":   c.ID,
			"tenantId":  c.TenantID,
			"content":   c.Content,
			"sourceId":  c.SourceID,
			"isCitable": c.IsCitable,
			"createdAt": createdAt.Format(time.RFC3339),
		}

		exists, err := w.client.Data().Checker().
			WithClassName(w.class).
			WithID(id).
			WithTenant(namespace).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to look up chunk %s: %w", c.ID, err)
		}
		if exists {
			err = w.client.Data().Updater().
				WithClassName(w.class).
				WithID(id).
				WithTenant(namespace).
				WithProperties(props).
				WithVector(c.Embedding).
				Do(ctx)
		} else {
			_, err = w.client.Data().Creator().
				WithClassName(w.class).
				WithID(id).
				WithTenant(namespace).
				WithProperties(props).
				WithVector(c.Embedding).
				Do(ctx)
		}
		if err != nil {
			return fmt.Errorf("failed to write chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

// Query runs a nearVector search inside the namespace's tenant shard
func (w *WeaviateIndex) Query(ctx context.Context, namespace string, vector []float32, topK int) ([]RawHit, error) {
	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "tenantId"},
		{Name: "content"},
		{Name: "sourceId"},
		{Name: "isCitable"},
		{Name: "createdAt"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "distance"},
			{Name: "vector"},
		}},
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithTenant(namespace).
		WithNearVector(nearVector).
		WithFields(fields...).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("weaviate search failed: %s", strings.Join(msgs, "; "))
	}

	var items []interface{}
	if get, ok := result.Data["Get"].(map[string]interface{}); ok {
		items, _ = get[w.class].([]interface{})
	}
	return topHits(parseHits(items), topK), nil
}

// parseHits converts GraphQL result items. Items missing a chunk ID are skipped.
func parseHits(items []interface{}) []RawHit {
	hits := make([]RawHit, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		hit := RawHit{}
		hit.ChunkID, _ = m["chunkId"].(string)
		if hit.ChunkID == "" {
			continue
		}
		hit.TenantID, _ = m["tenantId"].(string)
		hit.Content, _ = m["content"].(string)
		hit.SourceID, _ = m["sourceId"].(string)
		hit.IsCitable, _ = m["isCitable"].(bool)
		if s, ok := m["createdAt"].(string); ok {
			hit.CreatedAt, _ = time.Parse(time.RFC3339, s)
		}

		if add, ok := m["_additional"].(map[string]interface{}); ok {
			if d, ok := add["distance"].(float64); ok {
				// cosine distance
				hit.Similarity = 1 - d
			}
			if raw, ok := add["vector"].([]interface{}); ok {
				hit.Embedding = make([]float32, 0, len(raw))
				for _, x := range raw {
					if f, ok := x.(float64); ok {
						hit.Embedding = append(hit.Embedding, float32(f))
					}
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits
}

func objectID(namespace, chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(namespace+"/"+chunkID)).String()
}
