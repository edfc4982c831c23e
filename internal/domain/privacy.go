package domain

import "time"

// FilterResult is the privacy verdict on a generated response
type FilterResult struct {
	Passed           bool     `json:"passed"`
	Violations       []string `json:"violations,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	SanitizedContent string   `json:"sanitized_content"`
	DurationMS       float64  `json:"duration_ms"`
}

// AuditEntry is one append-only record of a privacy check
type AuditEntry struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	QueryHash  string    `json:"query_hash"`
	Passed     bool      `json:"passed"`
	Violations []string  `json:"violations"`
	Warnings   []string  `json:"warnings,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
