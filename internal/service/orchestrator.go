package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/metrics"
	"github.com/liliang-cn/askguard/internal/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultFallbackMessage is returned whenever a query cannot be answered safely
const DefaultFallbackMessage = "Sorry, I can't answer that right now. Please try again in a moment."

// ConversationStore persists the message pair of each answered query
type ConversationStore interface {
	AppendMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) error
}

// PipelineOptions are the per-query defaults
type PipelineOptions struct {
	Deadline         time.Duration
	TopK             int
	ScoreThreshold   float64
	MaxContextTokens int
	IncludePrivate   bool
	FallbackMessage  string
	NoContextMessage string
	StreamBuffer     int
	Generation       domain.GenerationConfig
}

// QueryOptions override the pipeline defaults for one query. Zero values keep the default.
type QueryOptions struct {
	TopK             int
	MaxContextTokens int
	IncludePrivate   *bool
	Model            string
	History          []domain.Message
}

// OrchestratorDeps are the collaborators of the orchestrator
type OrchestratorDeps struct {
	Embedder  provider.Embedder
	Search    *SearchService
	Builder   *ContextBuilder
	Generator *GenerationService
	Filter    *PrivacyFilter
	Store     ConversationStore
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Orchestrator runs the query pipeline:
// EMBEDDING -> RETRIEVAL -> CONTEXT_BUILD -> GENERATION -> PRIVACY_CHECK -> DONE,
// or FAILED at the first stage that errors.
type Orchestrator struct {
	embedder  provider.Embedder
	search    *SearchService
	builder   *ContextBuilder
	generator *GenerationService
	filter    *PrivacyFilter
	store     ConversationStore
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	opts      PipelineOptions
	logger    *zap.Logger
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(deps OrchestratorDeps, opts PipelineOptions) *Orchestrator {
	if opts.Deadline <= 0 {
		opts.Deadline = 2500 * time.Millisecond
	}
	if opts.TopK <= 0 {
		opts.TopK = 8
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = 2000
	}
	if opts.FallbackMessage == "" {
		opts.FallbackMessage = DefaultFallbackMessage
	}
	if opts.NoContextMessage == "" {
		opts.NoContextMessage = DefaultRefusal
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 16
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/liliang-cn/askguard/internal/service")
	}
	return &Orchestrator{
		embedder:  deps.Embedder,
		search:    deps.Search,
		builder:   deps.Builder,
		generator: deps.Generator,
		filter:    deps.Filter,
		store:     deps.Store,
		metrics:   deps.Metrics,
		tracer:    tracer,
		opts:      opts,
		logger:    deps.Logger.Named("orchestrator"),
	}
}

// queryRun is the mutable state of one pipeline run
type queryRun struct {
	tenantID       string
	conversationID string
	query          string
	queryHash      string
	opts           QueryOptions
	latencies      map[domain.Stage]int64
	outcomes       map[domain.Stage]domain.StageOutcome
}

func newQueryRun(tenantID, conversationID, query string, opts QueryOptions) *queryRun {
	return &queryRun{
		tenantID:       tenantID,
		conversationID: conversationID,
		query:          query,
		queryHash:      hashQuery(tenantID, query),
		opts:           opts,
		latencies:      make(map[domain.Stage]int64),
		outcomes:       make(map[domain.Stage]domain.StageOutcome),
	}
}

// ProcessQuery answers query for tenantID. Pipeline failures never surface as
// errors: they produce the fallback response. The error is only for invalid input.
func (o *Orchestrator) ProcessQuery(ctx context.Context, tenantID, conversationID, query string) (*domain.RAGResponse, error) {
	return o.ProcessQueryWithOptions(ctx, tenantID, conversationID, query, QueryOptions{})
}

// ProcessQueryWithOptions is ProcessQuery with per-query overrides
func (o *Orchestrator) ProcessQueryWithOptions(ctx context.Context, tenantID, conversationID, query string, opts QueryOptions) (*domain.RAGResponse, error) {
	if err := validateQuery(tenantID, query); err != nil {
		return nil, err
	}

	run := newQueryRun(tenantID, conversationID, query, opts)
	ctx, cancel := context.WithTimeout(ctx, o.opts.Deadline)
	defer cancel()

	ctx, span := o.tracer.Start(ctx, "askguard.process_query", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("query_hash", run.queryHash),
	))
	defer span.End()

	data, failed := o.retrieve(ctx, run)
	if failed != nil {
		return failed, nil
	}

	var gen *domain.GenerationResult
	if data.Empty() {
		run.outcomes[domain.StageGeneration] = domain.OutcomeSkipped
		run.latencies[domain.StageGeneration] = 0
		gen = &domain.GenerationResult{Content: o.opts.NoContextMessage}
	} else {
		err := o.stage(ctx, run, domain.StageGeneration, func(ctx context.Context) error {
			var err error
			gen, err = o.generator.Generate(ctx, o.generationRequest(run, data))
			return err
		})
		if err != nil {
			return o.fail(ctx, run, domain.StageGeneration, err), nil
		}
	}

	var verdict domain.FilterResult
	err := o.stage(ctx, run, domain.StagePrivacyCheck, func(ctx context.Context) error {
		verdict = o.filter.Validate(ctx, gen.Content, data)
		return nil
	})
	if err != nil {
		return o.fail(ctx, run, domain.StagePrivacyCheck, err), nil
	}

	resp := o.finalize(ctx, run, data, verdict, gen.Usage)
	span.SetAttributes(attribute.Bool("privacy_passed", verdict.Passed))
	return resp, nil
}

// retrieve runs the stages before generation. A non-nil response means the run failed.
func (o *Orchestrator) retrieve(ctx context.Context, run *queryRun) (*domain.ContextData, *domain.RAGResponse) {
	var embedding []float32
	err := o.stage(ctx, run, domain.StageEmbedding, func(ctx context.Context) error {
		var err error
		embedding, err = o.embedder.Embed(ctx, run.query)
		return err
	})
	if err != nil {
		return nil, o.fail(ctx, run, domain.StageEmbedding, err)
	}

	topK := o.opts.TopK
	if run.opts.TopK > 0 {
		topK = run.opts.TopK
	}
	var results []domain.SearchResult
	err = o.stage(ctx, run, domain.StageRetrieval, func(ctx context.Context) error {
		var err error
		results, err = o.search.Search(ctx, SearchRequest{
			TenantID:       run.tenantID,
			Query:          run.query,
			Embedding:      embedding,
			TopK:           topK,
			ScoreThreshold: o.opts.ScoreThreshold,
		})
		return err
	})
	if err != nil {
		return nil, o.fail(ctx, run, domain.StageRetrieval, err)
	}

	maxTokens := o.opts.MaxContextTokens
	if run.opts.MaxContextTokens > 0 {
		maxTokens = run.opts.MaxContextTokens
	}
	includePrivate := o.opts.IncludePrivate
	if run.opts.IncludePrivate != nil {
		includePrivate = *run.opts.IncludePrivate
	}
	var data *domain.ContextData
	err = o.stage(ctx, run, domain.StageContextBuild, func(ctx context.Context) error {
		var err error
		data, err = o.builder.Build(results, run.query, maxTokens, includePrivate)
		return err
	})
	if err != nil {
		return nil, o.fail(ctx, run, domain.StageContextBuild, err)
	}
	data.TenantID = run.tenantID
	data.Query = run.query
	return data, nil
}

func (o *Orchestrator) generationRequest(run *queryRun, data *domain.ContextData) GenerationRequest {
	cfg := o.opts.Generation
	if run.opts.Model != "" {
		cfg.Model = run.opts.Model
	}
	return GenerationRequest{
		TenantID: run.tenantID,
		Context:  data,
		Query:    run.query,
		History:  run.opts.History,
		Config:   cfg,
	}
}

// stage times fn, records its outcome and wraps any error in a StageError.
// A run whose deadline already passed fails the stage without calling fn.
func (o *Orchestrator) stage(ctx context.Context, run *queryRun, stage domain.Stage, fn func(ctx context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "askguard.stage."+string(stage))
	defer span.End()

	start := time.Now()
	err := ctx.Err()
	if err == nil {
		err = fn(ctx)
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeoutExceeded) {
		err = fmt.Errorf("%w: %w", domain.ErrTimeoutExceeded, err)
	}
	elapsed := time.Since(start)

	run.latencies[stage] = elapsed.Milliseconds()
	outcome := domain.OutcomeOK
	if err != nil {
		outcome = domain.OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage)+" failed")
	}
	run.outcomes[stage] = outcome
	o.metrics.StageLatency.WithLabelValues(string(stage), string(outcome)).Observe(elapsed.Seconds())

	if err != nil {
		return &domain.StageError{Stage: stage, Err: err}
	}
	return nil
}

// fail builds the fallback response. Nothing is persisted.
func (o *Orchestrator) fail(ctx context.Context, run *queryRun, stage domain.Stage, err error) *domain.RAGResponse {
	fields := []zap.Field{
		zap.String("tenant_id", run.tenantID),
		zap.String("conversation_id", run.conversationID),
		zap.String("query_hash", run.queryHash),
		zap.String("stage", string(stage)),
		zap.Error(err),
	}
	if domain.IsFatal(err) {
		o.logger.Error("Query failed on integrity error", append(fields, zap.Bool("alert", true))...)
	} else {
		o.logger.Warn("Query failed, returning fallback", fields...)
	}
	o.metrics.Queries.WithLabelValues("fallback").Inc()
	trace.SpanFromContext(ctx).SetStatus(codes.Error, "failed at "+string(stage))

	return &domain.RAGResponse{
		ID:               uuid.New().String(),
		TenantID:         run.tenantID,
		ConversationID:   run.conversationID,
		Content:          o.opts.FallbackMessage,
		Citations:        []string{},
		PrivacyCompliant: true,
		StageLatenciesMS: run.latencies,
		StageOutcomes:    run.outcomes,
		FailedStage:      stage,
		Fallback:         true,
		CreatedAt:        time.Now().UTC(),
	}
}

// finalize builds the response from the privacy verdict and persists the message pair
func (o *Orchestrator) finalize(ctx context.Context, run *queryRun, data *domain.ContextData, verdict domain.FilterResult, usage domain.Usage) *domain.RAGResponse {
	resp := &domain.RAGResponse{
		ID:               uuid.New().String(),
		TenantID:         run.tenantID,
		ConversationID:   run.conversationID,
		Content:          verdict.SanitizedContent,
		Citations:        extractCitations(verdict.SanitizedContent, data),
		PrivacyCompliant: verdict.Passed,
		Redacted:         !verdict.Passed,
		Usage:            usage,
		StageLatenciesMS: run.latencies,
		StageOutcomes:    run.outcomes,
		CreatedAt:        time.Now().UTC(),
	}

	result := "done"
	if resp.Redacted {
		result = "redacted"
	}
	o.metrics.Queries.WithLabelValues(result).Inc()

	o.persist(context.WithoutCancel(ctx), run, resp, verdict)
	return resp
}

func (o *Orchestrator) persist(ctx context.Context, run *queryRun, resp *domain.RAGResponse, verdict domain.FilterResult) {
	if o.store == nil || run.conversationID == "" {
		return
	}

	if err := o.store.AppendMessage(ctx, run.conversationID, domain.RoleUser, run.query, nil); err != nil {
		o.logger.Error("Failed to persist user message",
			zap.String("conversation_id", run.conversationID),
			zap.Error(err),
		)
		return
	}

	metadata := map[string]any{
		"response_id":        resp.ID,
		"citations":          resp.Citations,
		"privacy_compliant":  resp.PrivacyCompliant,
		"violations":         verdict.Violations,
		"stage_latencies_ms": resp.StageLatenciesMS,
		"prompt_version":     PromptVersion,
	}
	if err := o.store.AppendMessage(ctx, run.conversationID, domain.RoleAssistant, resp.Content, metadata); err != nil {
		o.logger.Error("Failed to persist assistant message",
			zap.String("conversation_id", run.conversationID),
			zap.Error(err),
		)
	}
}

var citationPattern = regexp.MustCompile(`\[CITABLE-(\d+)\]`)

// extractCitations maps the [CITABLE-n] markers of content to distinct
// source IDs, in order of first reference. Unknown indexes are ignored.
func extractCitations(content string, data *domain.ContextData) []string {
	citations := []string{}
	seen := make(map[string]struct{})
	for _, m := range citationPattern.FindAllStringSubmatch(content, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		src, ok := data.SourceForIndex(n)
		if !ok {
			continue
		}
		if _, dup := seen[src.SourceID]; dup {
			continue
		}
		seen[src.SourceID] = struct{}{}
		citations = append(citations, src.SourceID)
	}
	return citations
}

func validateQuery(tenantID, query string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", domain.ErrInvalidRequest)
	}
	if query == "" {
		return fmt.Errorf("%w: query is required", domain.ErrInvalidRequest)
	}
	return nil
}
