package domain

import "time"

// Stage is a step of the query pipeline
type Stage string

const (
	StageEmbedding    Stage = "EMBEDDING"
	StageRetrieval    Stage = "RETRIEVAL"
	StageContextBuild Stage = "CONTEXT_BUILD"
	StageGeneration   Stage = "GENERATION"
	StagePrivacyCheck Stage = "PRIVACY_CHECK"
	StageDone         Stage = "DONE"
	StageFailed       Stage = "FAILED"
)

// PipelineStages lists the working stages in execution order
var PipelineStages = []Stage{
	StageEmbedding,
	StageRetrieval,
	StageContextBuild,
	StageGeneration,
	StagePrivacyCheck,
}

// StageOutcome records how a stage ended
type StageOutcome string

const (
	OutcomeOK      StageOutcome = "ok"
	OutcomeFailed  StageOutcome = "failed"
	OutcomeSkipped StageOutcome = "skipped"
)

// RAGResponse is the final, immutable result of one query
type RAGResponse struct {
	ID               string                 `json:"id"`
	TenantID         string                 `json:"tenant_id"`
	ConversationID   string                 `json:"conversation_id"`
	Content          string                 `json:"content"`
	Citations        []string               `json:"citations"`
	PrivacyCompliant bool                   `json:"privacy_compliant"`
	Redacted         bool                   `json:"redacted"`
	Usage            Usage                  `json:"usage"`
	StageLatenciesMS map[Stage]int64        `json:"stage_latencies_ms"`
	StageOutcomes    map[Stage]StageOutcome `json:"stage_outcomes"`
	FailedStage      Stage                  `json:"failed_stage,omitempty"`
	Fallback         bool                   `json:"fallback"`
	CreatedAt        time.Time              `json:"created_at"`
}
