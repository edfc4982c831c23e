package provider

import (
	"context"
	"time"

	"github.com/liliang-cn/askguard/internal/breaker"
	"go.uber.org/zap"
)

// ResilientEmbedder runs every embedding attempt through a breaker with retries
type ResilientEmbedder struct {
	inner   Embedder
	breaker *breaker.Breaker
	policy  RetryPolicy
	timeout time.Duration
	logger  *zap.Logger
}

// NewResilientEmbedder wraps inner. timeout bounds each attempt; zero disables it.
func NewResilientEmbedder(inner Embedder, br *breaker.Breaker, policy RetryPolicy, timeout time.Duration, logger *zap.Logger) *ResilientEmbedder {
	return &ResilientEmbedder{
		inner:   inner,
		breaker: br,
		policy:  policy,
		timeout: timeout,
		logger:  logger.Named("embedder"),
	}
}

// Embed returns the embedding of text
func (e *ResilientEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := Retry(ctx, e.policy, e.logger, "embed", func(ctx context.Context) error {
		return e.breaker.Execute(func() error {
			attemptCtx := ctx
			if e.timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, e.timeout)
				defer cancel()
			}
			v, err := e.inner.Embed(attemptCtx, text)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// Breaker exposes the underlying breaker for health reporting
func (e *ResilientEmbedder) Breaker() *breaker.Breaker {
	return e.breaker
}
