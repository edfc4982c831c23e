package domain

// Context markers used in the assembled prompt context
const (
	PrivateMarker       = "[PRIVATE]"
	CitableMarkerPrefix = "[CITABLE-"
)

// CitableSource maps a [CITABLE-n] marker to the chunk it was rendered from
type CitableSource struct {
	Index    int    `json:"index"`
	SourceID string `json:"source_id"`
	ChunkID  string `json:"chunk_id"`
}

// ContextChunk is a chunk as it was placed into the context
type ContextChunk struct {
	ChunkID  string `json:"chunk_id"`
	SourceID string `json:"source_id"`
	Content  string `json:"content"`
}

// ContextData is the token-bounded context handed to generation
type ContextData struct {
	TenantID       string          `json:"tenant_id"`
	Query          string          `json:"-"`
	FullContext    string          `json:"full_context"`
	CitableSources []CitableSource `json:"citable_sources"`
	Citable        []ContextChunk  `json:"-"`
	Private        []ContextChunk  `json:"-"`
	TokenCount     int             `json:"token_count"`
}

// Empty reports whether no knowledge made it into the context
func (c *ContextData) Empty() bool {
	return c == nil || c.FullContext == ""
}

// SourceForIndex resolves a [CITABLE-n] index to its source
func (c *ContextData) SourceForIndex(n int) (CitableSource, bool) {
	if c == nil {
		return CitableSource{}, false
	}
	for _, s := range c.CitableSources {
		if s.Index == n {
			return s, true
		}
	}
	return CitableSource{}, false
}
