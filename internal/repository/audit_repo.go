package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/liliang-cn/askguard/internal/domain"
)

// AuditRepository is the append-only store of privacy verdicts. Entries hold
// a query hash, never the query or response text.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append records one verdict
func (r *AuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	violations, err := json.Marshal(entry.Violations)
	if err != nil {
		return err
	}
	warnings, err := json.Marshal(entry.Warnings)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO privacy_audit (id, tenant_id, query_hash, passed, violations, warnings, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.TenantID, entry.QueryHash, entry.Passed,
		string(violations), string(warnings), entry.Timestamp.UTC())

	return err
}

// List returns the newest entries, optionally for one tenant only
func (r *AuditRepository) List(ctx context.Context, tenantID string, limit int) ([]*domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, tenant_id, query_hash, passed, violations, warnings, created_at FROM privacy_audit`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		entry := &domain.AuditEntry{}
		var violations, warnings sql.NullString

		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.QueryHash, &entry.Passed,
			&violations, &warnings, &entry.Timestamp); err != nil {
			return nil, err
		}
		if err := decodeStrings(violations, &entry.Violations); err != nil {
			return nil, fmt.Errorf("audit %s: %w", entry.ID, err)
		}
		if err := decodeStrings(warnings, &entry.Warnings); err != nil {
			return nil, fmt.Errorf("audit %s: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// CountBlocked returns the number of verdicts that blocked a response
func (r *AuditRepository) CountBlocked(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM privacy_audit WHERE passed = 0`).Scan(&count)
	return count, err
}

func decodeStrings(s sql.NullString, dst *[]string) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}
