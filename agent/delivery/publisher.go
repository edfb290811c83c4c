package delivery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/chative-commerce-agent/agent/contract"
)

// JSONPublisher enqueues a JSON payload for an HTTP destination.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, destination string, payload any) (string, error)
}

// QueuePublisher hands finished replies to the per-platform delivery service
// through a message queue.
type QueuePublisher struct {
	queue       JSONPublisher
	destination string
}

func NewQueuePublisher(queue JSONPublisher, destination string) *QueuePublisher {
	return &QueuePublisher{queue: queue, destination: destination}
}

func (p *QueuePublisher) Publish(ctx context.Context, out contractx.Outbound) error {
	id, err := p.queue.PublishJSON(ctx, p.destination, out)
	if err != nil {
		return fmt.Errorf("publish reply for %s: %w", out.ThreadID, err)
	}
	log.Debug().
		Str("thread_id", out.ThreadID).
		Str("platform", out.Platform).
		Str("message_id", id).
		Msg("reply queued")
	return nil
}
