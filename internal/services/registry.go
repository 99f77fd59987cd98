package services

import (
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

// PhaseObserver is called while the auction's write lock is held, right after
// a transition has been applied. It must not block and must not call back
// into the registry for the same auction.
type PhaseObserver func(auction domain.Auction, from domain.Phase)

// auctionTerms are the bidding rules of an auction; they never change after
// creation and may be read without the entry lock.
type auctionTerms struct {
	id           string
	endTime      time.Time
	minIncrement decimal.Decimal
	buyNowPrice  decimal.NullDecimal
}

// auctionEntry holds one auction. mu serializes phase transitions (write
// lock) against in-flight bid commits (read lock). boughtOut is set under
// mu when a buy-now bid completed the auction.
type auctionEntry struct {
	terms     auctionTerms
	mu        sync.RWMutex
	auction   domain.Auction
	boughtOut bool
}

// phase must be called with e.mu held.
func (e *auctionEntry) phase() domain.Phase {
	return e.auction.Phase
}

// AuctionRegistry owns auction metadata and phase. It is the only place a
// phase can change.
type AuctionRegistry struct {
	mu       sync.RWMutex
	auctions map[string]*auctionEntry
	clock    clockwork.Clock
	observer PhaseObserver
	log      logger.Logger
}

func NewAuctionRegistry(clock clockwork.Clock, observer PhaseObserver, log logger.Logger) *AuctionRegistry {
	return &AuctionRegistry{
		auctions: make(map[string]*auctionEntry),
		clock:    clock,
		observer: observer,
		log:      log,
	}
}

// Create validates spec and registers a new Pending auction with fresh ids.
func (r *AuctionRegistry) Create(spec domain.AuctionSpec) (domain.Auction, error) {
	if err := validateSpec(spec); err != nil {
		return domain.Auction{}, err
	}

	now := r.clock.Now()
	auction := domain.Auction{
		ID:           utils.GenerateID("auction"),
		OrganizerID:  spec.OrganizerID,
		StartTime:    spec.StartTime,
		EndTime:      spec.EndTime,
		MinIncrement: spec.MinIncrement,
		BuyNowPrice:  spec.BuyNowPrice,
		Phase:        domain.PhasePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, item := range spec.Items {
		auction.Items = append(auction.Items, domain.AuctionItem{
			ID:           utils.GenerateID("item"),
			AuctionID:    auction.ID,
			BasePrice:    item.BasePrice,
			CurrentPrice: item.BasePrice,
		})
	}

	if err := r.Add(auction); err != nil {
		return domain.Auction{}, err
	}
	return auction.Clone(), nil
}

func validateSpec(spec domain.AuctionSpec) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrInvalidAuction)
	}

	if spec.OrganizerID == "" {
		return invalid("organizer id required")
	}
	if len(spec.Items) == 0 {
		return invalid("at least one item required")
	}
	if !spec.EndTime.After(spec.StartTime) {
		return invalid("end time must be after start time")
	}
	if !spec.MinIncrement.IsPositive() {
		return invalid("minimum increment must be positive")
	}
	for i, item := range spec.Items {
		if item.BasePrice.IsNegative() {
			return invalid("item %d: base price must not be negative", i)
		}
		if spec.BuyNowPrice.Valid && spec.BuyNowPrice.Decimal.LessThan(item.BasePrice.Add(spec.MinIncrement)) {
			return invalid("item %d: buy-now price below first valid bid", i)
		}
	}
	return nil
}

// Add registers a fully built auction. Items and phase are taken as given,
// which lets recovery restore auctions that are already live.
func (r *AuctionRegistry) Add(auction domain.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.auctions[auction.ID]; exists {
		return fmt.Errorf("auction %s: %w", auction.ID, domain.ErrInvalidAuction)
	}
	r.auctions[auction.ID] = &auctionEntry{
		terms: auctionTerms{
			id:           auction.ID,
			endTime:      auction.EndTime,
			minIncrement: auction.MinIncrement,
			buyNowPrice:  auction.BuyNowPrice,
		},
		auction: auction.Clone(),
	}
	return nil
}

// discard drops an auction that never left Pending. It is used when the
// initial write to the store fails.
func (r *AuctionRegistry) discard(auctionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.auctions[auctionID]; ok {
		e.mu.RLock()
		pending := e.auction.Phase == domain.PhasePending
		e.mu.RUnlock()
		if pending {
			delete(r.auctions, auctionID)
		}
	}
}

func (r *AuctionRegistry) entry(auctionID string) (*auctionEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.auctions[auctionID]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", auctionID, domain.ErrNotFound)
	}
	return e, nil
}

// Get returns a snapshot of the auction. Item prices in the snapshot are the
// creation values; live prices are owned by the ledger.
func (r *AuctionRegistry) Get(auctionID string) (domain.Auction, error) {
	e, err := r.entry(auctionID)
	if err != nil {
		return domain.Auction{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.auction.Clone(), nil
}

// TransitionPhase moves the auction to target. It reports changed=false when
// the auction is already in target, and ErrInvalidTransition for any edge
// outside the one-directional set.
func (r *AuctionRegistry) TransitionPhase(auctionID string, target domain.Phase) (bool, error) {
	e, err := r.entry(auctionID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return r.transitionLocked(e, target)
}

// transitionLocked requires e.mu to be write-locked by the caller.
func (r *AuctionRegistry) transitionLocked(e *auctionEntry, target domain.Phase) (bool, error) {
	from := e.auction.Phase
	if from == target {
		return false, nil
	}
	if !from.CanTransitionTo(target) {
		return false, fmt.Errorf("auction %s %s -> %s: %w", e.auction.ID, from, target, domain.ErrInvalidTransition)
	}

	e.auction.Phase = target
	e.auction.UpdatedAt = r.clock.Now()

	r.log.Info("Auction phase changed", "auction_id", e.auction.ID, "from", from.String(), "to", target.String())

	if r.observer != nil {
		r.observer(e.auction.Clone(), from)
	}
	return true, nil
}

// CompleteBuyNow completes a Live auction whose buy-now price has been met.
func (r *AuctionRegistry) CompleteBuyNow(auctionID string) error {
	e, err := r.entry(auctionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return r.completeBuyNowLocked(e)
}

// completeBuyNowLocked requires e.mu to be write-locked by the caller.
func (r *AuctionRegistry) completeBuyNowLocked(e *auctionEntry) error {
	if e.auction.Phase != domain.PhaseLive {
		return fmt.Errorf("auction %s %s -> %s: %w", e.auction.ID, e.auction.Phase, domain.PhaseCompleted, domain.ErrInvalidTransition)
	}
	if _, err := r.transitionLocked(e, domain.PhaseCompleted); err != nil {
		return err
	}
	e.boughtOut = true
	return nil
}

func (r *AuctionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.auctions)
}
