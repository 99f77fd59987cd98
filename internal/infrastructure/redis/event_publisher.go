package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"auction-engine/internal/domain"

	"github.com/go-redis/redis/v8"
)

const DefaultChannel = "auction_events"

// EventPublisherImpl mirrors engine events onto a Redis pub/sub channel as JSON.
type EventPublisherImpl struct {
	client  *redis.Client
	channel string
}

func NewEventPublisher(client *redis.Client, channel string) *EventPublisherImpl {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventPublisherImpl{client: client, channel: channel}
}

func (r *EventPublisherImpl) PublishEvent(ctx context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}
