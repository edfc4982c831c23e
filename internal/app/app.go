// Package app wires configuration into a running query engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/askguard/internal/api"
	"github.com/liliang-cn/askguard/internal/api/middleware"
	"github.com/liliang-cn/askguard/internal/breaker"
	"github.com/liliang-cn/askguard/internal/cache"
	"github.com/liliang-cn/askguard/internal/config"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/metrics"
	"github.com/liliang-cn/askguard/internal/provider"
	"github.com/liliang-cn/askguard/internal/repository"
	"github.com/liliang-cn/askguard/internal/service"
	"github.com/liliang-cn/askguard/internal/vectorstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// App holds the wired components of one engine instance
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DB           *repository.DB
	Index        vectorstore.Index
	Writer       vectorstore.Writer
	Embedder     provider.Embedder
	Orchestrator *service.Orchestrator
	Chat         *service.ChatService
	Admin        *service.AdminService
	Tenants      *repository.TenantRepository
	Registry     *prometheus.Registry
	RateLimiter  *middleware.RateLimiter

	breakers []*breaker.Breaker
	closers  []func() error
}

// Option overrides a backend, mainly for tests and local runs
type Option func(*options)

type options struct {
	embedder  provider.Embedder
	completer provider.Completer
	streamer  provider.Streamer
}

// WithEmbedder replaces the configured embedding backend
func WithEmbedder(e provider.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithCompleter replaces the configured generation backend. streamer may be nil.
func WithCompleter(c provider.Completer, s provider.Streamer) Option {
	return func(o *options) {
		o.completer = c
		o.streamer = s
	}
}

// New builds every component from cfg
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.Registry)

	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	if err := a.setupIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}

	searchCache, err := a.setupCache(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	listener := func(name string, from, to breaker.State) {
		m.BreakerState.WithLabelValues(name).Set(breakerGauge(to))
	}
	breakerCfg := func(name string) breaker.Config {
		return breaker.Config{
			Name:             name,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Window:           cfg.Breaker.Window,
			Cooldown:         cfg.Breaker.Cooldown,
		}
	}
	embedBreaker := breaker.New(breakerCfg("embedding"), logger, listener)
	genBreaker := breaker.New(breakerCfg("generation"), logger, listener)
	a.breakers = []*breaker.Breaker{embedBreaker, genBreaker}
	for _, b := range a.breakers {
		m.BreakerState.WithLabelValues(b.Name()).Set(0)
	}

	retry := provider.RetryPolicy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		Multiplier:     cfg.Retry.Multiplier,
		Jitter:         cfg.Retry.Jitter,
	}

	var llm *provider.OpenAI
	if o.embedder == nil || o.completer == nil {
		llm = provider.NewOpenAI(provider.OpenAIConfig{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			Timeout:        cfg.LLM.Timeout,
		})
	}

	embedder := o.embedder
	if embedder == nil {
		if cfg.LLM.Provider == "hash" {
			embedder = provider.NewHashEmbedder(cfg.Vector.Dimension)
		} else {
			embedder = llm
		}
	}
	a.Embedder = provider.NewResilientEmbedder(embedder, embedBreaker, retry, cfg.LLM.Timeout, logger)

	completer, streamer := o.completer, o.streamer
	if completer == nil {
		completer, streamer = llm, llm
	}

	counter := service.NewTokenCounter(cfg.Tokenizer.Encoding, logger)
	rates := make(map[string]metrics.Rate, len(cfg.Pricing))
	for model, r := range cfg.Pricing {
		rates[model] = metrics.Rate{InputPer1K: r.InputPer1K, OutputPer1K: r.OutputPer1K}
	}
	costs := metrics.NewCostTracker(rates, m)

	var reranker service.Reranker
	if cfg.Vector.Rerank {
		reranker = service.NewLexicalReranker()
	}
	search := service.NewSearchService(a.Index, searchCache, service.SearchOptions{
		CacheTTL: cfg.Cache.TTL,
		Timeout:  cfg.Vector.Timeout,
		Reranker: reranker,
	}, m, logger)

	builder := service.NewContextBuilder(service.ContextOptions{
		Strategy: cfg.Context.Strategy,
		Weights: service.RankingWeights{
			Similarity: cfg.Context.SimilarityW,
			Recency:    cfg.Context.RecencyW,
			Keyword:    cfg.Context.KeywordW,
		},
		RecencyHalfLife: cfg.Context.RecencyHalfLife,
		DedupThreshold:  cfg.Context.DedupThreshold,
	}, counter, logger)

	defaults := domain.GenerationConfig{
		Model:       cfg.LLM.LLMModel,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}
	generator := service.NewGenerationService(completer, streamer, genBreaker, costs, counter, service.GenerationOptions{
		Retry:          retry,
		AttemptTimeout: cfg.LLM.Timeout,
		Prompt:         service.PromptConfig{Refusal: cfg.Pipeline.NoContextMessage},
		Defaults:       defaults,
	}, logger)

	tenants := repository.NewTenantRepository(db)
	convs := repository.NewConversationRepository(db)
	audits := repository.NewAuditRepository(db)

	filter := service.NewPrivacyFilter(service.PrivacyOptions{
		MinShingleWords:   cfg.Privacy.MinShingleWords,
		MinLeakChars:      cfg.Privacy.MinLeakChars,
		MinIdentifierLen:  cfg.Privacy.MinIdentifierLen,
		MinDistinctiveLen: cfg.Privacy.MinDistinctiveLen,
		HeuristicRatio:    cfg.Privacy.HeuristicRatio,
		Placeholder:       cfg.Privacy.Placeholder,
		Refusal:           cfg.Pipeline.NoContextMessage,
		Budget:            cfg.Privacy.Budget,
	}, audits, m, logger)

	a.Orchestrator = service.NewOrchestrator(service.OrchestratorDeps{
		Embedder:  a.Embedder,
		Search:    search,
		Builder:   builder,
		Generator: generator,
		Filter:    filter,
		Store:     convs,
		Metrics:   m,
		Logger:    logger,
	}, service.PipelineOptions{
		Deadline:         cfg.Pipeline.Deadline,
		TopK:             cfg.Pipeline.TopK,
		ScoreThreshold:   cfg.Pipeline.ScoreThreshold,
		MaxContextTokens: cfg.Pipeline.MaxContextTokens,
		IncludePrivate:   cfg.Pipeline.IncludePrivate,
		FallbackMessage:  cfg.Pipeline.FallbackMessage,
		NoContextMessage: cfg.Pipeline.NoContextMessage,
		StreamBuffer:     cfg.Pipeline.StreamBuffer,
		Generation:       defaults,
	})

	a.Tenants = tenants
	a.Chat = service.NewChatService(tenants, convs, a.Orchestrator, cfg.Pipeline.HistoryTurns, logger)
	a.Admin = service.NewAdminService(tenants, convs, audits, search, costs, a.breakers, service.AdminDefaults{
		RateLimit:      cfg.RateLimit.RequestsPerHour,
		IncludePrivate: cfg.Pipeline.IncludePrivate,
	})

	if cfg.RateLimit.Enabled {
		a.RateLimiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Burst, a.tenantLimit, logger)
	}

	return a, nil
}

func (a *App) setupIndex(ctx context.Context) error {
	cfg := a.Config.Vector
	switch cfg.Backend {
	case "memory":
		idx := vectorstore.NewMemoryIndex(cfg.Dimension)
		a.Index, a.Writer = idx, idx
	case "sqlite":
		idx, err := vectorstore.NewSQLiteIndex(a.DB.DB, cfg.Dimension)
		if err != nil {
			return err
		}
		a.Index, a.Writer = idx, idx
	case "weaviate":
		idx, err := vectorstore.NewWeaviateIndex(vectorstore.WeaviateConfig{
			Host:      cfg.Weaviate.Host,
			Scheme:    cfg.Weaviate.Scheme,
			APIKey:    cfg.Weaviate.APIKey,
			Class:     cfg.Weaviate.Class,
			Dimension: cfg.Dimension,
		}, a.Logger)
		if err != nil {
			return err
		}
		if err := idx.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare weaviate schema: %w", err)
		}
		a.Index, a.Writer = idx, idx
	default:
		return fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
	return nil
}

func (a *App) setupCache(ctx context.Context) (cache.Cache, error) {
	cfg := a.Config.Cache
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		c := cache.NewMemoryCache(time.Minute)
		a.closers = append(a.closers, func() error { c.Close(); return nil })
		return c, nil
	case "redis":
		c := cache.NewRedisCache(cache.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, a.Logger)
		if err := c.Ping(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// tenantLimit resolves the per-tenant request allowance for the rate limiter
func (a *App) tenantLimit(ctx context.Context, tenantID string) int {
	tenant, err := a.Tenants.Get(ctx, tenantID)
	if err != nil || tenant == nil {
		return 0
	}
	return tenant.RateLimit
}

// Router builds the HTTP handler
func (a *App) Router() *gin.Engine {
	return api.SetupRouter(a.Admin, a.Chat, api.RouterConfig{
		APIKey:       a.Config.Admin.APIKey,
		AllowOrigins: a.Config.Server.AllowOrigins,
		Gatherer:     a.Registry,
		RateLimiter:  a.RateLimiter,
		Health:       a.Health,
	}, a.Logger)
}

// Health reports the breaker state of every external dependency
func (a *App) Health() map[string]string {
	states := make(map[string]string, len(a.breakers))
	for _, b := range a.breakers {
		states[b.Name()] = string(b.State())
	}
	return states
}

// Close releases every resource in reverse order of creation
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func breakerGauge(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
