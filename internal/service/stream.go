package service

import (
	"context"
	"errors"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
	"github.com/liliang-cn/askguard/internal/provider"
)

// DeltaFilter vets streamed text before it reaches the client. Push returns
// the part of the text so far that is safe to forward; Flush releases the rest.
// Reset discards held text of an attempt that is going to be retried.
type DeltaFilter interface {
	Push(delta string) string
	Flush() string
	Reset()
}

// StreamChunk is one element of a generation stream. The last chunk carries
// either Result or Err.
type StreamChunk struct {
	Text   string
	Result *domain.GenerationResult
	Err    error
}

// GenerateStream streams an answer through filter. The channel holds at most
// buffer chunks; a slow consumer slows the provider stream. Cancelling ctx
// cancels the provider call and closes the channel.
func (s *GenerationService) GenerateStream(ctx context.Context, req GenerationRequest, filter DeltaFilter, buffer int) <-chan StreamChunk {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StreamChunk, buffer)

	go func() {
		defer close(ch)

		send := func(c StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if s.streamer == nil {
			// non-streaming backend: generate fully, then release in one piece
			res, err := s.Generate(ctx, req)
			if err != nil {
				send(StreamChunk{Err: err})
				return
			}
			text := filter.Push(res.Content) + filter.Flush()
			if text != "" && !send(StreamChunk{Text: text}) {
				return
			}
			send(StreamChunk{Result: res})
			return
		}

		start := time.Now()
		creq := s.completionRequest(req)

		var (
			completion *provider.Completion
			forwarded  bool
		)
		err := provider.Retry(ctx, s.opts.Retry, s.logger, "generate_stream", func(ctx context.Context) error {
			filter.Reset()
			err := s.breaker.Execute(func() error {
				actx, cancel := s.attemptContext(ctx)
				defer cancel()
				c, err := s.streamer.Stream(actx, creq, func(delta string) error {
					safe := filter.Push(delta)
					if safe == "" {
						return nil
					}
					forwarded = true
					if !send(StreamChunk{Text: safe}) {
						return ctx.Err()
					}
					return nil
				})
				if err != nil {
					return err
				}
				completion = c
				return nil
			})
			if err != nil && forwarded {
				// the client already holds a prefix; a retry would repeat it
				return provider.Permanent(err)
			}
			return err
		})
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			send(StreamChunk{Err: s.classify(ctx, req.TenantID, err)})
			return
		}

		if rest := filter.Flush(); rest != "" {
			if !send(StreamChunk{Text: rest}) {
				return
			}
		}
		send(StreamChunk{Result: s.finish(req, creq, completion, time.Since(start))})
	}()

	return ch
}
