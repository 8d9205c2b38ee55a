// Package dispatch hands released messages to the analysis queue.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	"github.com/lueurxax/scam-relay/internal/core/ports"
	"github.com/lueurxax/scam-relay/internal/platform/observability"
)

// QueueDispatcher implements ports.Dispatcher on top of the persistent analysis queue.
type QueueDispatcher struct {
	queue  ports.AnalysisQueue
	logger *zerolog.Logger
}

// New creates a QueueDispatcher.
func New(queue ports.AnalysisQueue, logger *zerolog.Logger) *QueueDispatcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &QueueDispatcher{queue: queue, logger: logger}
}

// Enqueue stores the message for analysis and returns the queue row id.
func (d *QueueDispatcher) Enqueue(ctx context.Context, msg domain.MergedMessage) (string, error) {
	if msg.MessageID == "" {
		return "", fmt.Errorf("enqueue message: empty message id")
	}

	id, err := d.queue.EnqueueAnalysis(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("enqueue message %s: %w", msg.MessageID, err)
	}

	observability.AnalysisQueueDepth.Inc()

	d.logger.Debug().
		Str("message_id", msg.MessageID).
		Str("delivery_id", id).
		Str("channel", msg.Channel.String()).
		Int("media", len(msg.Media)).
		Msg("message queued for analysis")

	return id, nil
}
