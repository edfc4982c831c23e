package service

import (
	"context"
	"time"

	"github.com/liliang-cn/askguard/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// fallbackSendTimeout bounds how long a failed stream waits for a slow
// consumer to take the error event
const fallbackSendTimeout = 5 * time.Second

// ProcessQueryStream runs the pipeline and streams the answer. Text passes a
// StreamGuard before it is sent, so no event ever carries a detectable leak.
// The stream ends with a citations and a done event, or with a single error
// event carrying the fallback message.
func (o *Orchestrator) ProcessQueryStream(ctx context.Context, tenantID, conversationID, query string, opts QueryOptions) (<-chan domain.StreamEvent, error) {
	if err := validateQuery(tenantID, query); err != nil {
		return nil, err
	}

	events := make(chan domain.StreamEvent, o.opts.StreamBuffer)
	parent := ctx
	go func() {
		defer close(events)

		run := newQueryRun(tenantID, conversationID, query, opts)
		ctx, cancel := context.WithTimeout(ctx, o.opts.Deadline)
		defer cancel()

		ctx, span := o.tracer.Start(ctx, "askguard.process_query_stream", trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("query_hash", run.queryHash),
		))
		defer span.End()

		send := func(ev domain.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		// The deadline may already have passed, so the error event waits on the
		// caller's context instead, bounded for consumers that stopped reading.
		sendFallback := func(resp *domain.RAGResponse) {
			timer := time.NewTimer(fallbackSendTimeout)
			defer timer.Stop()
			select {
			case events <- domain.StreamEvent{Type: domain.EventError, Content: resp.Content}:
			case <-parent.Done():
				o.logger.Warn("Caller left before the fallback event", zap.String("query_hash", run.queryHash))
			case <-timer.C:
				o.logger.Warn("Dropped fallback event for a stalled consumer", zap.String("query_hash", run.queryHash))
			}
		}

		data, failed := o.retrieve(ctx, run)
		if failed != nil {
			sendFallback(failed)
			return
		}

		var answer string
		var usage domain.Usage
		if data.Empty() {
			run.outcomes[domain.StageGeneration] = domain.OutcomeSkipped
			run.latencies[domain.StageGeneration] = 0
			answer = o.opts.NoContextMessage
			if !send(domain.StreamEvent{Type: domain.EventContent, Content: answer}) {
				return
			}
		} else {
			guard := o.filter.NewStreamGuard(data)
			err := o.stage(ctx, run, domain.StageGeneration, func(ctx context.Context) error {
				for chunk := range o.generator.GenerateStream(ctx, o.generationRequest(run, data), guard, o.opts.StreamBuffer) {
					switch {
					case chunk.Err != nil:
						return chunk.Err
					case chunk.Result != nil:
						answer = chunk.Result.Content
						usage = chunk.Result.Usage
					case chunk.Text != "":
						if !send(domain.StreamEvent{Type: domain.EventContent, Content: chunk.Text}) {
							return ctx.Err()
						}
					}
				}
				return ctx.Err()
			})
			if err != nil {
				sendFallback(o.fail(ctx, run, domain.StageGeneration, err))
				return
			}
			if vs := guard.Violations(); len(vs) > 0 {
				o.logger.Info("Stream guard withheld private content",
					zap.String("tenant_id", tenantID),
					zap.String("query_hash", run.queryHash),
					zap.Strings("violations", vs),
				)
			}
		}

		var verdict domain.FilterResult
		err := o.stage(ctx, run, domain.StagePrivacyCheck, func(ctx context.Context) error {
			verdict = o.filter.Validate(ctx, answer, data)
			return nil
		})
		if err != nil {
			sendFallback(o.fail(ctx, run, domain.StagePrivacyCheck, err))
			return
		}

		resp := o.finalize(ctx, run, data, verdict, usage)
		if !send(domain.StreamEvent{Type: domain.EventCitations, Citations: resp.Citations}) {
			return
		}
		send(domain.StreamEvent{Type: domain.EventDone})
	}()

	return events, nil
}
