package stream

import (
	"context"
	"fmt"

	"github.com/costline/costline/internal/domain"
	"github.com/costline/costline/internal/llm"
	"github.com/costline/costline/internal/normalize"
	"go.uber.org/zap"
)

// partialStride is how much the buffer must grow between partial
// extraction attempts; re-scanning on every token would be wasteful.
const partialStride = 200

// Consumer drives the provider's token stream and republishes progress as
// a lazy, finite sequence of stream events. The HTTP layer pulls from the
// sequence and forwards each event to the wire; how events are generated
// stays decoupled from how they are flushed.
type Consumer struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewConsumer creates a stream consumer.
func NewConsumer(provider llm.Provider, logger *zap.Logger) *Consumer {
	return &Consumer{provider: provider, logger: logger}
}

// Run is one in-flight consumption. Events() yields the event sequence;
// once it is drained, Result() returns the normalized payload or the
// terminal error.
type Run struct {
	events chan domain.StreamEvent
	result *normalize.Result
	raw    string
	err    error
}

// Events returns the event sequence. It is closed when the run finishes.
func (r *Run) Events() <-chan domain.StreamEvent { return r.events }

// Result returns the normalized payload. Valid only after Events() has
// been drained.
func (r *Run) Result() (*normalize.Result, error) { return r.result, r.err }

// RawText returns the full accumulated model output. Valid only after
// Events() has been drained.
func (r *Run) RawText() string { return r.raw }

// Start begins consuming the provider stream. Event order is ai_start,
// progress, then repeated chunk/progress with optional partial events,
// and finally ai_complete - or a terminal error event, in which case the
// error is also returned from Result so the caller can react.
func (c *Consumer) Start(ctx context.Context, req llm.Request, mode normalize.Mode) *Run {
	run := &Run{events: make(chan domain.StreamEvent, 16)}

	go func() {
		defer close(run.events)

		run.events <- domain.StreamEvent{Type: domain.EventAIStart, Message: "contacting model"}

		chunks, err := c.provider.GenerateStream(ctx, req)
		if err != nil {
			run.err = err
			run.events <- domain.ErrorEvent(err.Error(), domain.IsRecoverable(err))
			return
		}

		run.events <- domain.StreamEvent{Type: domain.EventProgress, Message: "request sent"}

		var buf []byte
		lastPartialLen := 0
		var lastPartial normalize.PartialFields

		for chunk := range chunks {
			if chunk.Err != nil {
				run.err = chunk.Err
				run.events <- domain.ErrorEvent(chunk.Err.Error(), domain.IsRecoverable(chunk.Err))
				return
			}

			buf = append(buf, chunk.Text...)
			run.events <- domain.StreamEvent{Type: domain.EventChunk, Content: chunk.Text}
			run.events <- domain.StreamEvent{
				Type:    domain.EventProgress,
				Message: fmt.Sprintf("%d characters received", len(buf)),
			}

			// Partial extraction is advisory: failures are silent and
			// results are only re-emitted when they change.
			if len(buf) >= normalize.MinPartialLength && len(buf)-lastPartialLen >= partialStride {
				lastPartialLen = len(buf)
				if fields, ok := normalize.ExtractPartial(string(buf)); ok && fields != lastPartial {
					lastPartial = fields
					run.events <- domain.StreamEvent{Type: domain.EventPartial, Data: fields}
				}
			}
		}

		run.raw = string(buf)
		run.events <- domain.StreamEvent{Type: domain.EventAIComplete, Message: "model response complete"}

		result, err := normalize.Extract(run.raw, mode)
		if err != nil {
			c.logger.Warn("model response failed normalization", zap.Error(err))
			run.err = err
			run.events <- domain.ErrorEvent(err.Error(), domain.IsRecoverable(err))
			return
		}
		run.result = result
	}()

	return run
}
