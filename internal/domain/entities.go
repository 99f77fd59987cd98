package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Phase int

const (
	PhasePending Phase = iota
	PhaseLive
	PhaseCompleted
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseLive:
		return "live"
	case PhaseCompleted:
		return "completed"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// CanTransitionTo reports whether p -> target is one of the legal edges:
// Pending->Live, Live->Completed, Pending->Cancelled, Live->Cancelled.
func (p Phase) CanTransitionTo(target Phase) bool {
	switch p {
	case PhasePending:
		return target == PhaseLive || target == PhaseCancelled
	case PhaseLive:
		return target == PhaseCompleted || target == PhaseCancelled
	default:
		return false
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	if p < PhasePending || p > PhaseCancelled {
		return nil, fmt.Errorf("invalid phase %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(s) {
	case "pending":
		return PhasePending, nil
	case "live":
		return PhaseLive, nil
	case "completed":
		return PhaseCompleted, nil
	case "cancelled":
		return PhaseCancelled, nil
	}
	return PhasePending, fmt.Errorf("unknown phase %q", s)
}

type Auction struct {
	ID           string
	OrganizerID  string
	Items        []AuctionItem
	StartTime    time.Time
	EndTime      time.Time
	MinIncrement decimal.Decimal
	BuyNowPrice  decimal.NullDecimal
	Phase        Phase
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a copy that shares no slices with a.
func (a Auction) Clone() Auction {
	items := make([]AuctionItem, len(a.Items))
	copy(items, a.Items)
	a.Items = items
	return a
}

type AuctionItem struct {
	ID              string
	AuctionID       string
	BasePrice       decimal.Decimal
	CurrentPrice    decimal.Decimal
	LeadingBidderID string
	// BidCount is the sequence number of the latest accepted bid.
	BidCount uint64
}

type Bid struct {
	ID             string
	ItemID         string
	AuctionID      string
	BidderID       string
	Amount         decimal.Decimal
	SubmittedAt    time.Time
	SequenceNumber uint64
}

// AuctionSpec is the organizer's request to open a new auction.
type AuctionSpec struct {
	OrganizerID  string
	Items        []ItemSpec
	StartTime    time.Time
	EndTime      time.Time
	MinIncrement decimal.Decimal
	BuyNowPrice  decimal.NullDecimal
}

type ItemSpec struct {
	BasePrice decimal.Decimal
}

// BidRequest carries a bid from an already authenticated bidder. BidID is an
// optional client-chosen idempotency key.
type BidRequest struct {
	BidID    string
	ItemID   string
	BidderID string
	Amount   decimal.Decimal
}

type BidResult struct {
	Bid          Bid
	CurrentPrice decimal.Decimal
	// AuctionCompleted is set when the bid met the buy-now price.
	AuctionCompleted bool
}

// AuctionState is the read model returned by state queries.
type AuctionState struct {
	AuctionID       string
	Phase           Phase
	CurrentPrice    decimal.Decimal
	LeadingBidderID string
	StartTime       time.Time
	EndTime         time.Time
	Items           []AuctionItem
}

// AuctionStateUpdate is what the persistence adapter stores on phase or price changes.
type AuctionStateUpdate struct {
	AuctionID string
	Phase     Phase
	Items     []AuctionItem
}
