package domain

import (
	"context"
)

// Repository interfaces
type AuctionRepository interface {
	CreateAuction(ctx context.Context, auction *Auction) error
	// UpdateAuctionState must be monotonic: it never moves a phase backwards
	// nor an item price to an older bid.
	UpdateAuctionState(ctx context.Context, update AuctionStateUpdate) error
	ListOpenAuctions(ctx context.Context) ([]*Auction, error)
}

type BidRepository interface {
	// AppendBid must be idempotent on bid.ID.
	AppendBid(ctx context.Context, bid *Bid) error
	ListBids(ctx context.Context, itemID string) ([]*Bid, error)
}

// PersistenceAdapter is the durable store the engine writes through.
type PersistenceAdapter interface {
	AuctionRepository
	BidRepository
}

// Event interfaces
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) error
}

type EventSubscriber interface {
	SubscribeToEvents(ctx context.Context, handler EventHandler) error
}

type EventHandler func(event Event) error

// AuctionStateCache mirrors live auction state for readers outside the engine process.
type AuctionStateCache interface {
	SetPhase(ctx context.Context, auctionID string, phase Phase) error
	SetItemPrice(ctx context.Context, event Event) error
	GetSnapshot(ctx context.Context, auctionID string) (*CachedAuction, error)
}

type CachedAuction struct {
	AuctionID string
	Phase     Phase
	Items     map[string]CachedItem
}

type CachedItem struct {
	CurrentPrice    string
	LeadingBidderID string
	SequenceNumber  uint64
}

// Leader election interface
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}
