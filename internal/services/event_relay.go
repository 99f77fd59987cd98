package services

import (
	"context"
	"fmt"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
)

// EventRelay mirrors every hub event to an external publisher and a state
// cache, for readers outside this process. It consumes a firehose
// subscription like any other subscriber, so a slow relay can lose events
// under DropOldest but never slows the engine. The cache writes are
// monotonic, so a lost bid event is repaired by the next one.
type EventRelay struct {
	publisher domain.EventPublisher
	cache     domain.AuctionStateCache
	timeout   time.Duration
	log       logger.Logger
}

func NewEventRelay(publisher domain.EventPublisher, cache domain.AuctionStateCache, log logger.Logger) *EventRelay {
	return &EventRelay{
		publisher: publisher,
		cache:     cache,
		timeout:   2 * time.Second,
		log:       log,
	}
}

// Start drains sub until it closes or ctx is done.
func (r *EventRelay) Start(ctx context.Context, sub *Subscription) error {
	r.log.Info("Starting event relay", "subscription_id", sub.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				if sub.Evicted() {
					return fmt.Errorf("event relay evicted from hub")
				}
				r.log.Info("Event relay subscription closed")
				return nil
			}
			if err := r.handleEvent(ctx, event); err != nil {
				r.log.Error("Failed to relay event", "type", string(event.Type), "auction_id", event.AuctionID, "error", err)
			}
		}
	}
}

func (r *EventRelay) handleEvent(ctx context.Context, event domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.publisher != nil {
		if err := r.publisher.PublishEvent(ctx, event); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	if r.cache == nil {
		return nil
	}

	switch event.Type {
	case domain.EventBidAccepted:
		return r.cache.SetItemPrice(ctx, event)
	case domain.EventPhaseChanged:
		if event.NewPhase == nil {
			return fmt.Errorf("phase event without phase")
		}
		return r.cache.SetPhase(ctx, event.AuctionID, *event.NewPhase)
	}

	return fmt.Errorf("unknown event type %q", event.Type)
}
