package domain

import "time"

// Tenant is a chatbot with its own knowledge namespace and pipeline overrides.
// Zero-valued overrides fall back to the global pipeline configuration.
type Tenant struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Model            string    `json:"model,omitempty"`
	MaxContextTokens int       `json:"max_context_tokens,omitempty"`
	TopK             int       `json:"top_k,omitempty"`
	IncludePrivate   bool      `json:"include_private"`
	RateLimit        int       `json:"rate_limit"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreateTenantRequest is the request to register a tenant
type CreateTenantRequest struct {
	ID               string `json:"id,omitempty"`
	Name             string `json:"name" binding:"required"`
	Model            string `json:"model,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
	TopK             int    `json:"top_k,omitempty"`
	IncludePrivate   *bool  `json:"include_private,omitempty"`
	RateLimit        int    `json:"rate_limit,omitempty"`
}

// UpdateTenantRequest is the request to update a tenant
type UpdateTenantRequest struct {
	Name             string `json:"name,omitempty"`
	Model            string `json:"model,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
	TopK             int    `json:"top_k,omitempty"`
	IncludePrivate   *bool  `json:"include_private,omitempty"`
	RateLimit        int    `json:"rate_limit,omitempty"`
}
