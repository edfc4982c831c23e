package domain

import "time"

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is a chat thread of one tenant
type Conversation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one turn of a conversation
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ChatRequest is the request to send a chat message
type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message" binding:"required"`
}

// ChatResponse is the response from a chat message
type ChatResponse struct {
	ConversationID   string          `json:"conversation_id"`
	Answer           string          `json:"answer"`
	Citations        []string        `json:"citations"`
	PrivacyCompliant bool            `json:"privacy_compliant"`
	Fallback         bool            `json:"fallback"`
	StageLatenciesMS map[Stage]int64 `json:"stage_latencies_ms,omitempty"`
}

// Stream event types
const (
	EventContent   = "content"
	EventCitations = "citations"
	EventDone      = "done"
	EventError     = "error"
)

// StreamEvent represents a chunk in SSE stream
type StreamEvent struct {
	Type      string   `json:"type"`
	Content   string   `json:"content,omitempty"`
	Citations []string `json:"citations,omitempty"`
}

// Stats represents engine statistics for the admin surface
type Stats struct {
	TotalTenants     int               `json:"total_tenants"`
	TotalChats       int               `json:"total_chats"`
	BlockedResponses int               `json:"blocked_responses"`
	Cost             CostSnapshot      `json:"cost"`
	Cache            map[string]any    `json:"cache"`
	Breakers         map[string]string `json:"breakers"`
}

// CostSnapshot is a point-in-time view of accumulated generation spend
type CostSnapshot struct {
	Requests     int64              `json:"requests"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
	TotalUSD     float64            `json:"total_usd"`
	ByTenantUSD  map[string]float64 `json:"by_tenant_usd"`
	ByModelUSD   map[string]float64 `json:"by_model_usd"`
}
