package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventBidAccepted  EventType = "bid_accepted"
	EventPhaseChanged EventType = "phase_changed"
)

// Event is what subscribers receive. Bid fields are set for bid_accepted,
// NewPhase for phase_changed.
type Event struct {
	Type           EventType        `json:"type"`
	AuctionID      string           `json:"auction_id"`
	ItemID         string           `json:"item_id,omitempty"`
	BidID          string           `json:"bid_id,omitempty"`
	BidderID       string           `json:"bidder_id,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	SequenceNumber uint64           `json:"sequence_number,omitempty"`
	NewPhase       *Phase           `json:"new_phase,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

func NewBidAcceptedEvent(bid Bid) Event {
	amount := bid.Amount
	return Event{
		Type:           EventBidAccepted,
		AuctionID:      bid.AuctionID,
		ItemID:         bid.ItemID,
		BidID:          bid.ID,
		BidderID:       bid.BidderID,
		Amount:         &amount,
		SequenceNumber: bid.SequenceNumber,
		Timestamp:      bid.SubmittedAt,
	}
}

func NewPhaseChangedEvent(auctionID string, phase Phase, at time.Time) Event {
	return Event{
		Type:      EventPhaseChanged,
		AuctionID: auctionID,
		NewPhase:  &phase,
		Timestamp: at,
	}
}
