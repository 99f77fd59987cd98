package services

import (
	"fmt"
	"sync"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"
)

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest queued event to make room.
	DropOldest OverflowPolicy = iota
	// Disconnect evicts the subscriber.
	Disconnect
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	}
	return DropOldest, fmt.Errorf("unknown overflow policy %q", s)
}

// allAuctions is the pseudo auction id used by SubscribeAll.
const allAuctions = "*"

// Subscription is one subscriber's bounded event queue.
type Subscription struct {
	ID        string
	AuctionID string

	mu      sync.Mutex
	events  chan domain.Event
	done    chan struct{}
	closed  bool
	evicted bool
	dropped uint64
}

// Events delivers the subscriber's events in publish order. It is closed
// when the subscription ends.
func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Evicted reports whether the hub disconnected the subscriber for overflow.
func (s *Subscription) Evicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Dropped counts events discarded under DropOldest.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// deliver never blocks. It reports false when the subscriber has to be evicted.
func (s *Subscription) deliver(event domain.Event, policy OverflowPolicy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.events <- event:
		return true
	default:
	}

	if policy == Disconnect {
		return false
	}

	// Only deliver touches the channel while open, and it holds s.mu, so
	// after removing one element the send below cannot block.
	select {
	case <-s.events:
		s.dropped++
	default:
	}
	s.events <- event
	return true
}

func (s *Subscription) close(evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.evicted = evicted
	close(s.events)
	close(s.done)
}

// BroadcastHub fans auction events out to subscribers without ever blocking
// the publisher.
type BroadcastHub struct {
	mu       sync.RWMutex
	subs     map[string]map[*Subscription]struct{}
	capacity int
	policy   OverflowPolicy
	log      logger.Logger
}

func NewBroadcastHub(capacity int, policy OverflowPolicy, log logger.Logger) *BroadcastHub {
	if capacity <= 0 {
		capacity = 1
	}
	return &BroadcastHub{
		subs:     make(map[string]map[*Subscription]struct{}),
		capacity: capacity,
		policy:   policy,
		log:      log,
	}
}

func (h *BroadcastHub) Subscribe(auctionID string) *Subscription {
	sub := &Subscription{
		ID:        utils.GenerateID("sub"),
		AuctionID: auctionID,
		events:    make(chan domain.Event, h.capacity),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.subs[auctionID] == nil {
		h.subs[auctionID] = make(map[*Subscription]struct{})
	}
	h.subs[auctionID][sub] = struct{}{}
	count := len(h.subs[auctionID])
	h.mu.Unlock()

	h.log.Debug("Subscriber registered", "subscription_id", sub.ID, "auction_id", auctionID, "subscribers", count)
	return sub
}

// SubscribeAll receives every auction's events.
func (h *BroadcastHub) SubscribeAll() *Subscription {
	return h.Subscribe(allAuctions)
}

// Unsubscribe removes sub; no delivery is attempted afterwards.
func (h *BroadcastHub) Unsubscribe(sub *Subscription) {
	h.remove(sub, false)
}

func (h *BroadcastHub) remove(sub *Subscription, evicted bool) {
	h.mu.Lock()
	if set, ok := h.subs[sub.AuctionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.AuctionID)
		}
	}
	h.mu.Unlock()

	sub.close(evicted)
}

// Publish hands event to every subscriber of auctionID and to firehose
// subscribers. Callers that need per-subscriber ordering must serialize
// their Publish calls.
func (h *BroadcastHub) Publish(auctionID string, event domain.Event) {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[auctionID])+len(h.subs[allAuctions]))
	for sub := range h.subs[auctionID] {
		targets = append(targets, sub)
	}
	for sub := range h.subs[allAuctions] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.deliver(event, h.policy) {
			h.log.Warn("Subscriber queue full, disconnecting",
				"subscription_id", sub.ID, "auction_id", sub.AuctionID)
			h.remove(sub, true)
		}
	}
}

// CloseAuction ends every subscription of auctionID.
func (h *BroadcastHub) CloseAuction(auctionID string) {
	h.mu.Lock()
	set := h.subs[auctionID]
	delete(h.subs, auctionID)
	h.mu.Unlock()

	for sub := range set {
		sub.close(false)
	}
}

// Close ends every subscription.
func (h *BroadcastHub) Close() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for sub := range set {
			sub.close(false)
		}
	}
}

func (h *BroadcastHub) SubscriberCount(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[auctionID])
}
