package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"qms/dispatch-service/internal/queue"

	"github.com/redis/go-redis/v9"
)

// Publisher forwards engine updates to a Redis pub/sub channel so displays
// and other services outside this process can follow the queue.
type Publisher struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewPublisher(client redis.UniversalClient, channel string, logger *slog.Logger) *Publisher {
	if channel == "" {
		channel = DefaultQueueUpdatesChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, channel: channel, logger: logger}
}

func (p *Publisher) QueueUpdated(update queue.Update) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, string(payload)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", update.Kind, err)
	}
	p.logger.Debug("queue update published", "kind", update.Kind, "service_type", update.ServiceKey, "channel", p.channel)
	return nil
}
