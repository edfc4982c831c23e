package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liliang-cn/askguard/internal/breaker"
	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/metrics"
	"github.com/liliang-cn/askguard/internal/provider"
	"go.uber.org/zap"
)

// GenerationRequest is one answer to produce
type GenerationRequest struct {
	TenantID string
	Context  *domain.ContextData
	Query    string
	History  []domain.Message
	Config   domain.GenerationConfig
}

// GenerationOptions tunes the generation service
type GenerationOptions struct {
	Retry provider.RetryPolicy
	// AttemptTimeout bounds one provider call; the caller's deadline still applies
	AttemptTimeout time.Duration
	Prompt         PromptConfig
	Defaults       domain.GenerationConfig
}

// GenerationService calls the language model behind a circuit breaker
type GenerationService struct {
	completer provider.Completer
	streamer  provider.Streamer
	breaker   *breaker.Breaker
	costs     *metrics.CostTracker
	counter   TokenCounter
	opts      GenerationOptions
	system    string
	logger    *zap.Logger
}

// NewGenerationService creates a new generation service. streamer may be nil
// when the backend cannot stream.
func NewGenerationService(
	completer provider.Completer,
	streamer provider.Streamer,
	br *breaker.Breaker,
	costs *metrics.CostTracker,
	counter TokenCounter,
	opts GenerationOptions,
	logger *zap.Logger,
) *GenerationService {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &GenerationService{
		completer: completer,
		streamer:  streamer,
		breaker:   br,
		costs:     costs,
		counter:   counter,
		opts:      opts,
		system:    SystemInstruction(opts.Prompt),
		logger:    logger.Named("generation"),
	}
}

// Breaker exposes the generation breaker for health reporting
func (s *GenerationService) Breaker() *breaker.Breaker {
	return s.breaker
}

// Generate produces an answer. Every attempt passes the breaker; transient
// failures are retried with backoff. Exhausted retries and an open breaker
// both end in domain.ErrGenerationUnavailable.
func (s *GenerationService) Generate(ctx context.Context, req GenerationRequest) (*domain.GenerationResult, error) {
	start := time.Now()
	creq := s.completionRequest(req)

	var completion *provider.Completion
	err := provider.Retry(ctx, s.opts.Retry, s.logger, "generate", func(ctx context.Context) error {
		return s.breaker.Execute(func() error {
			actx, cancel := s.attemptContext(ctx)
			defer cancel()
			c, err := s.completer.Complete(actx, creq)
			if err != nil {
				return err
			}
			completion = c
			return nil
		})
	})
	if err != nil {
		return nil, s.classify(ctx, req.TenantID, err)
	}

	return s.finish(req, creq, completion, time.Since(start)), nil
}

func (s *GenerationService) completionRequest(req GenerationRequest) provider.CompletionRequest {
	cfg := req.Config
	if cfg.Model == "" {
		cfg.Model = s.opts.Defaults.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = s.opts.Defaults.MaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = s.opts.Defaults.Temperature
	}
	return provider.CompletionRequest{
		SystemPrompt: s.system,
		UserPrompt:   UserPrompt(req.Context, req.Query, req.History),
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}
}

func (s *GenerationService) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.AttemptTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.AttemptTimeout)
	}
	return context.WithCancel(ctx)
}

// finish fills in usage the provider did not report and records the spend
func (s *GenerationService) finish(req GenerationRequest, creq provider.CompletionRequest, c *provider.Completion, elapsed time.Duration) *domain.GenerationResult {
	model := c.Model
	if model == "" {
		model = creq.Model
	}
	in, out := c.InputTokens, c.OutputTokens
	if in == 0 {
		in = s.counter.Count(creq.SystemPrompt) + s.counter.Count(creq.UserPrompt)
	}
	if out == 0 {
		out = s.counter.Count(c.Text)
	}

	// Rates are configured per requested model name; providers may answer
	// with a dated variant.
	cost := s.costs.Record(req.TenantID, creq.Model, in, out)

	s.logger.Debug("Generation completed",
		zap.String("tenant_id", req.TenantID),
		zap.String("model", model),
		zap.Int("input_tokens", in),
		zap.Int("output_tokens", out),
		zap.Float64("cost_usd", cost),
		zap.Duration("latency", elapsed),
	)

	return &domain.GenerationResult{
		Content:   c.Text,
		Model:     model,
		Usage:     domain.Usage{InputTokens: in, OutputTokens: out, CostUSD: cost},
		LatencyMS: elapsed.Milliseconds(),
	}
}

func (s *GenerationService) classify(ctx context.Context, tenantID string, err error) error {
	s.logger.Warn("Generation failed",
		zap.String("tenant_id", tenantID),
		zap.String("breaker", string(s.breaker.State())),
		zap.Error(err),
	)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: generation: %w", domain.ErrTimeoutExceeded, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrGenerationUnavailable, err)
}
