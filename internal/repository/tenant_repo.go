package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/askguard/internal/domain"
)

const tenantColumns = `id, name, model, max_context_tokens, top_k, include_private, rate_limit, created_at, updated_at`

// TenantRepository handles tenant persistence
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// Create creates a new tenant
func (r *TenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tenant.ID, tenant.Name, tenant.Model, tenant.MaxContextTokens, tenant.TopK,
		tenant.IncludePrivate, tenant.RateLimit, tenant.CreatedAt, tenant.UpdatedAt)

	return err
}

// Get retrieves a tenant by ID. A missing tenant is (nil, nil).
func (r *TenantRepository) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	tenant, err := scanTenant(r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tenant, err
}

// List retrieves all tenants
func (r *TenantRepository) List(ctx context.Context) ([]*domain.Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}

	return tenants, rows.Err()
}

// Update updates a tenant
func (r *TenantRepository) Update(ctx context.Context, tenant *domain.Tenant) error {
	tenant.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET name = ?, model = ?, max_context_tokens = ?, top_k = ?,
			include_private = ?, rate_limit = ?, updated_at = ?
		WHERE id = ?
	`, tenant.Name, tenant.Model, tenant.MaxContextTokens, tenant.TopK,
		tenant.IncludePrivate, tenant.RateLimit, tenant.UpdatedAt, tenant.ID)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant %s: %w", tenant.ID, domain.ErrNotFound)
	}

	return nil
}

// Delete deletes a tenant
func (r *TenantRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

// Count returns the number of tenants
func (r *TenantRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*domain.Tenant, error) {
	tenant := &domain.Tenant{}
	var model sql.NullString

	if err := row.Scan(&tenant.ID, &tenant.Name, &model, &tenant.MaxContextTokens, &tenant.TopK,
		&tenant.IncludePrivate, &tenant.RateLimit, &tenant.CreatedAt, &tenant.UpdatedAt); err != nil {
		return nil, err
	}
	tenant.Model = model.String

	return tenant, nil
}
