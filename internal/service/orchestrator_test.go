package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liliang-cn/askguard/internal/breaker"
	"github.com/liliang-cn/askguard/internal/cache"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/metrics"
	"github.com/liliang-cn/askguard/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return append([]float32(nil), e.vec...), nil
}

type storedMessage struct {
	conversationID string
	role           string
	content        string
	metadata       map[string]any
}

type memoryStore struct {
	mu       sync.Mutex
	messages []storedMessage
}

func (s *memoryStore) AppendMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, storedMessage{conversationID, role, content, metadata})
	return nil
}

func (s *memoryStore) all() []storedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storedMessage(nil), s.messages...)
}

type orchestratorFixture struct {
	orch     *Orchestrator
	llm      *fakeLLM
	embedder *fixedEmbedder
	index    *fakeIndex
	store    *memoryStore
	audit    *memoryAudit
	spans    *tracetest.SpanRecorder
}

func setupTestOrchestrator(t *testing.T, llm *fakeLLM, opts PipelineOptions) *orchestratorFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := metrics.New(nil)

	idx := &fakeIndex{MemoryIndex: vectorstore.NewMemoryIndex(3)}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, idx.Upsert(context.Background(), "acme",
		domain.Chunk{ID: "c1", TenantID: "acme", Content: "Refunds within 30 days.", Embedding: []float32{1, 0, 0}, IsCitable: true, SourceID: "refund-faq", CreatedAt: now},
		domain.Chunk{ID: "p1", TenantID: "acme", Content: "Layoffs planned Q4, code SECRET-7781", Embedding: []float32{0.6, 0.8, 0}, SourceID: "hr-memo", CreatedAt: now},
	))

	search := NewSearchService(idx, cache.NewMemoryCache(0), SearchOptions{}, m, logger)
	builder := NewContextBuilder(ContextOptions{Strategy: StrategySimilarity}, HeuristicCounter{}, logger)
	br := breaker.New(breaker.Config{Name: "generation", FailureThreshold: 10, Cooldown: time.Minute}, logger, nil)
	gen := NewGenerationService(llm, llm, br, metrics.NewCostTracker(nil, m), HeuristicCounter{},
		GenerationOptions{Retry: fastRetry(3), AttemptTimeout: 40 * time.Millisecond}, logger)
	audit := &memoryAudit{}
	filter := NewPrivacyFilter(PrivacyOptions{}, audit, m, logger)

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	embedder := &fixedEmbedder{vec: []float32{1, 0, 0}}
	store := &memoryStore{}
	if opts.Deadline == 0 {
		opts.Deadline = time.Second
	}
	opts.IncludePrivate = true

	orch := NewOrchestrator(OrchestratorDeps{
		Embedder:  embedder,
		Search:    search,
		Builder:   builder,
		Generator: gen,
		Filter:    filter,
		Store:     store,
		Metrics:   m,
		Tracer:    tp.Tracer("test"),
		Logger:    logger,
	}, opts)

	return &orchestratorFixture{orch: orch, llm: llm, embedder: embedder, index: idx, store: store, audit: audit, spans: spans}
}

// Scenario A: the answer cites the public source and never carries the private chunk.
func TestProcessQuery_CitableAnswerWithoutLeak(t *testing.T) {
	llm := &fakeLLM{reply: "Refunds within 30 days [CITABLE-1]. Note: Layoffs planned Q4, code SECRET-7781."}
	fx := setupTestOrchestrator(t, llm, PipelineOptions{})

	resp, err := fx.orch.ProcessQuery(context.Background(), "acme", "conv-1", "what is your refund policy?")
	require.NoError(t, err)

	assert.Contains(t, resp.Content, "Refunds within 30 days")
	assert.NotContains(t, resp.Content, "SECRET-7781")
	assert.NotContains(t, resp.Content, "Layoffs")
	assert.Equal(t, []string{"refund-faq"}, resp.Citations)
	assert.False(t, resp.PrivacyCompliant)
	assert.True(t, resp.Redacted)
	assert.False(t, resp.Fallback)
	for _, stage := range domain.PipelineStages {
		assert.Equal(t, domain.OutcomeOK, resp.StageOutcomes[stage], stage)
		assert.Contains(t, resp.StageLatenciesMS, stage)
	}

	msgs := fx.store.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].role)
	assert.Equal(t, "what is your refund policy?", msgs[0].content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].role)
	assert.Equal(t, resp.Content, msgs[1].content, "only the sanitized answer is persisted")
	assert.Equal(t, resp.ID, msgs[1].metadata["response_id"])

	require.Len(t, fx.audit.all(), 1)
	assert.False(t, fx.audit.all()[0].Passed)
}

func TestProcessQuery_SinglePrivateTermIsRedacted(t *testing.T) {
	llm := &fakeLLM{reply: "Refunds within 30 days [CITABLE-1]. Also, Layoffs are coming."}
	fx := setupTestOrchestrator(t, llm, PipelineOptions{})

	resp, err := fx.orch.ProcessQuery(context.Background(), "acme", "conv-1", "what is your refund policy?")
	require.NoError(t, err)

	assert.NotContains(t, resp.Content, "Layoffs")
	assert.Contains(t, resp.Content, "Refunds within 30 days [CITABLE-1].")
	assert.False(t, resp.PrivacyCompliant)
	assert.Equal(t, []string{"refund-faq"}, resp.Citations)

	msgs := fx.store.all()
	require.Len(t, msgs, 2)
	assert.NotContains(t, msgs[1].content, "Layoffs")
	assert.Contains(t, fx.audit.all()[0].Violations, "distinctive_term_leak:p1")
}

func TestProcessQuery_CleanAnswer(t *testing.T) {
	llm := &fakeLLM{reply: "Refunds are accepted within 30 days [CITABLE-1]."}
	fx := setupTestOrchestrator(t, llm, PipelineOptions{})

	resp, err := fx.orch.ProcessQuery(context.Background(), "acme", "", "what is your refund policy?")
	require.NoError(t, err)
	assert.True(t, resp.PrivacyCompliant)
	assert.False(t, resp.Redacted)
	assert.Equal(t, "Refunds are accepted within 30 days [CITABLE-1].", resp.Content)
	assert.Empty(t, fx.store.all(), "no conversation, nothing persisted")

	names := map[string]bool{}
	for _, s := range fx.spans.Ended() {
		names[s.Name()] = true
	}
	assert.True(t, names["askguard.process_query"])
	assert.True(t, names["askguard.stage.GENERATION"])
	assert.True(t, names["askguard.stage.PRIVACY_CHECK"])
}

// Citations only ever resolve to [CITABLE-n] entries of the query's context.
func TestProcessQuery_CitationSoundness(t *testing.T) {
	replies := []string{
		"Refunds within 30 days [CITABLE-1] [CITABLE-1].",
		"See [CITABLE-2] and [CITABLE-9].",
		"No markers at all.",
		"[CITABLE-1][CITABLE-0][CITABLE-x]",
	}
	for _, reply := range replies {
		llm := &fakeLLM{reply: reply}
		fx := setupTestOrchestrator(t, llm, PipelineOptions{})

		resp, err := fx.orch.ProcessQuery(context.Background(), "acme", "", "refund policy")
		require.NoError(t, err)
		for _, c := range resp.Citations {
			assert.Equal(t, "refund-faq", c, reply)
		}
		assert.LessOrEqual(t, len(resp.Citations), 1, reply)
		assert.NotContains(t, resp.Citations, "hr-memo")
	}
}

func TestExtractCitations(t *testing.T) {
	data := &domain.ContextData{CitableSources: []domain.CitableSource{
		{Index: 1, SourceID: "a", ChunkID: "c1"},
		{Index: 2, SourceID: "b", ChunkID: "c2"},
		{Index: 3, SourceID: "a", ChunkID: "c3"},
	}}
	assert.Equal(t, []string{"b", "a"}, extractCitations("x [CITABLE-2] y [CITABLE-3] z [CITABLE-1] [CITABLE-7]", data))
	assert.Equal(t, []string{}, extractCitations("nothing", data))
}

// Scenario B: no knowledge means a graceful refusal without a model call.
func TestProcessQuery_NoResults(t *testing.T) {
	llm := &fakeLLM{reply: "should not be called"}
	fx := setupTestOrchestrator(t, llm, PipelineOptions{ScoreThreshold: 0.5})
	fx.embedder.vec = []float32{0, 0, 1}

	resp, err := fx.orch.ProcessQuery(context.Background(), "acme", "conv-2", "office parking?")
	require.NoError(t, err)
	assert.Equal(t, DefaultRefusal, resp.Content)
	assert.Empty(t, resp.Citations)
	assert.True(t, resp.PrivacyCompliant)
	assert.False(t, resp.Fallback)
	assert.Equal(t, domain.OutcomeSkipped, resp.StageOutcomes[domain.StageGeneration])
	assert.Equal(t, domain.OutcomeOK, resp.StageOutcomes[domain.StagePrivacyCheck])
	assert.Equal(t, int32(0), llm.calls.Load())
	assert.Len(t, fx.store.all(), 2)
}

// Scenario C: a backend that always times out yields the fallback within the deadline.
func TestProcessQuery_GenerationTimeoutFallback(t *testing.T) {
	llm := &fakeLLM{hang: true}
	deadline := 300 * time.Millisecond
	fx := setupTestOrchestrator(t, llm, PipelineOptions{Deadline: deadline})

	start := time.Now()
	resp, err := fx.orch.ProcessQuery(context.Background(), "acme", "conv-3", "what is your refund policy?")
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, deadline+100*time.Millisecond)
	assert.True(t, resp.Fallback)
	assert.True(t, resp.PrivacyCompliant)
	assert.Equal(t, DefaultFallbackMessage, resp.Content)
	assert.Empty(t, resp.Citations)
	assert.Equal(t, domain.StageGeneration, resp.FailedStage)
	assert.Equal(t, domain.OutcomeFailed, resp.StageOutcomes[domain.StageGeneration])
	assert.Contains(t, resp.StageLatenciesMS, domain.StageGeneration)
	assert.NotContains(t, resp.StageOutcomes, domain.StagePrivacyCheck)
	assert.Equal(t, int32(3), llm.calls.Load(), "bounded retries")
	assert.Empty(t, fx.store.all(), "fallbacks are not persisted")
}

func TestProcessQuery_StageFailures(t *testing.T) {
	t.Run("embedding", func(t *testing.T) {
		fx := setupTestOrchestrator(t, &fakeLLM{reply: "x"}, PipelineOptions{})
		fx.embedder.err = errors.New("embedder down")

		resp, err := fx.orch.ProcessQuery(context.Background(), "acme", "c", "refund?")
		require.NoError(t, err)
		assert.True(t, resp.Fallback)
		assert.Equal(t, domain.StageEmbedding, resp.FailedStage)
		assert.NotContains(t, resp.StageOutcomes, domain.StageRetrieval)
	})

	t.Run("retrieval", func(t *testing.T) {
		fx := setupTestOrchestrator(t, &fakeLLM{reply: "x"}, PipelineOptions{})
		fx.index.failNext.Store(true)

		resp, err := fx.orch.ProcessQuery(context.Background(), "acme", "c", "refund?")
		require.NoError(t, err)
		assert.True(t, resp.Fallback)
		assert.Equal(t, domain.StageRetrieval, resp.FailedStage)
		assert.Equal(t, domain.OutcomeOK, resp.StageOutcomes[domain.StageEmbedding])
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		fx := setupTestOrchestrator(t, &fakeLLM{reply: "x"}, PipelineOptions{})
		fx.embedder.vec = []float32{1, 0}

		resp, err := fx.orch.ProcessQuery(context.Background(), "acme", "c", "refund?")
		require.NoError(t, err)
		assert.True(t, resp.Fallback)
		assert.Equal(t, domain.StageRetrieval, resp.FailedStage)
	})

	t.Run("cancelled caller", func(t *testing.T) {
		fx := setupTestOrchestrator(t, &fakeLLM{reply: "x"}, PipelineOptions{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		resp, err := fx.orch.ProcessQuery(ctx, "acme", "c", "refund?")
		require.NoError(t, err)
		assert.True(t, resp.Fallback)
		assert.Equal(t, domain.StageEmbedding, resp.FailedStage)
	})
}

func TestProcessQuery_InvalidInput(t *testing.T) {
	fx := setupTestOrchestrator(t, &fakeLLM{reply: "x"}, PipelineOptions{})

	_, err := fx.orch.ProcessQuery(context.Background(), "", "c", "refund?")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = fx.orch.ProcessQuery(context.Background(), "acme", "c", "")
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestProcessQuery_QueryOptions(t *testing.T) {
	llm := &fakeLLM{reply: "Refunds within 30 days."}
	fx := setupTestOrchestrator(t, llm, PipelineOptions{})

	excluded := false
	_, err := fx.orch.ProcessQueryWithOptions(context.Background(), "acme", "", "refund policy", QueryOptions{
		IncludePrivate: &excluded,
		Model:          "gpt-4o-mini",
		History:        []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.NotContains(t, llm.lastReq.UserPrompt, "[PRIVATE]")
	assert.Contains(t, llm.lastReq.UserPrompt, "Conversation so far")
	assert.Equal(t, "gpt-4o-mini", llm.lastReq.Model)
}

func collectEvents(ch <-chan domain.StreamEvent) []domain.StreamEvent {
	var events []domain.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestProcessQueryStream_GuardsAndFinishes(t *testing.T) {
	llm := &fakeLLM{deltas: []string{"Refunds within 30 days [CITABLE-1]. Code SEC", "RET-77", "81 too."}}
	fx := setupTestOrchestrator(t, llm, PipelineOptions{StreamBuffer: 2})

	ch, err := fx.orch.ProcessQueryStream(context.Background(), "acme", "conv-s", "what is your refund policy?", QueryOptions{})
	require.NoError(t, err)
	events := collectEvents(ch)
	require.GreaterOrEqual(t, len(events), 3)

	var text strings.Builder
	for _, ev := range events[:len(events)-2] {
		require.Equal(t, domain.EventContent, ev.Type)
		text.WriteString(ev.Content)
	}
	assert.NotContains(t, text.String(), "SECRET-7781")
	assert.Contains(t, text.String(), "Refunds within 30 days")

	assert.Equal(t, domain.EventCitations, events[len(events)-2].Type)
	assert.Equal(t, []string{"refund-faq"}, events[len(events)-2].Citations)
	assert.Equal(t, domain.EventDone, events[len(events)-1].Type)

	msgs := fx.store.all()
	require.Len(t, msgs, 2)
	assert.NotContains(t, msgs[1].content, "SECRET-7781")
}

func TestProcessQueryStream_FailureSendsFallback(t *testing.T) {
	llm := &fakeLLM{hang: true}
	fx := setupTestOrchestrator(t, llm, PipelineOptions{Deadline: 200 * time.Millisecond})

	ch, err := fx.orch.ProcessQueryStream(context.Background(), "acme", "conv-s", "refund?", QueryOptions{})
	require.NoError(t, err)
	events := collectEvents(ch)

	require.Len(t, events, 1)
	assert.Equal(t, domain.EventError, events[0].Type)
	assert.Equal(t, DefaultFallbackMessage, events[0].Content)
	assert.Empty(t, fx.store.all())
}

func TestProcessQueryStream_SlowConsumerStillGetsFallback(t *testing.T) {
	deltas := make([]string, 40)
	for i := range deltas {
		deltas[i] = "Refunds within 30 days. "
	}
	llm := &fakeLLM{deltas: deltas}
	fx := setupTestOrchestrator(t, llm, PipelineOptions{StreamBuffer: 1, Deadline: 200 * time.Millisecond})

	ch, err := fx.orch.ProcessQueryStream(context.Background(), "acme", "conv-s", "refund?", QueryOptions{})
	require.NoError(t, err)

	// nobody reads until the buffer is full and the deadline has passed
	time.Sleep(400 * time.Millisecond)
	events := collectEvents(ch)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventError, last.Type)
	assert.Equal(t, DefaultFallbackMessage, last.Content)
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, domain.EventContent, ev.Type)
	}
	assert.Empty(t, fx.store.all())
}

func TestProcessQueryStream_InvalidInput(t *testing.T) {
	fx := setupTestOrchestrator(t, &fakeLLM{}, PipelineOptions{})
	_, err := fx.orch.ProcessQueryStream(context.Background(), "acme", "", "", QueryOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
