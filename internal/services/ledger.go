package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"
	"auction-engine/pkg/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// RetryPolicy bounds the synchronous persistence of an accepted bid.
type RetryPolicy struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		eb.InitialInterval = p.InitialBackoff
	}
	eb.MaxInterval = 10 * eb.InitialInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxRetries)), ctx)
}

type itemLedger struct {
	id string

	// lock is the item's exclusive bidding lock. A weighted semaphore queues
	// waiters in arrival order and lets acquisition honour a deadline.
	lock *semaphore.Weighted

	// mu guards item and bids for readers that do not take lock.
	mu      sync.RWMutex
	item    domain.AuctionItem
	bids    []domain.Bid
	auction *auctionEntry
}

func (it *itemLedger) snapshot() domain.AuctionItem {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.item
}

// BidLedger is the per-item append-only record of accepted bids and the
// sole writer of current price and leading bidder.
type BidLedger struct {
	registry    *AuctionRegistry
	store       domain.BidRepository
	hub         *BroadcastHub
	clock       clockwork.Clock
	lockTimeout time.Duration
	retry       RetryPolicy
	log         logger.Logger

	mu     sync.RWMutex
	items  map[string]*itemLedger
	bidIDs sync.Map // bid id -> item id
}

func NewBidLedger(
	registry *AuctionRegistry,
	store domain.BidRepository,
	hub *BroadcastHub,
	clock clockwork.Clock,
	lockTimeout time.Duration,
	retry RetryPolicy,
	log logger.Logger,
) *BidLedger {
	if retry.Timeout <= 0 {
		retry.Timeout = 5 * time.Second
	}
	return &BidLedger{
		registry:    registry,
		store:       store,
		hub:         hub,
		clock:       clock,
		lockTimeout: lockTimeout,
		retry:       retry,
		log:         log,
		items:       make(map[string]*itemLedger),
	}
}

// Register opens ledgers for the auction's items. bids, keyed by item id,
// restores history on recovery and must be in sequence order.
func (l *BidLedger) Register(auction domain.Auction, bids map[string][]domain.Bid) error {
	entry, err := l.registry.entry(auction.ID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, item := range auction.Items {
		if _, exists := l.items[item.ID]; exists {
			return fmt.Errorf("item %s already registered: %w", item.ID, domain.ErrInvalidAuction)
		}
		// Live fields are always rebuilt from the bid history.
		item.CurrentPrice = item.BasePrice
		item.LeadingBidderID = ""
		item.BidCount = 0
		it := &itemLedger{
			id:      item.ID,
			lock:    semaphore.NewWeighted(1),
			item:    item,
			auction: entry,
		}
		for _, bid := range bids[item.ID] {
			if bid.SequenceNumber != it.item.BidCount+1 {
				return fmt.Errorf("item %s: bid %s has sequence %d, want %d: %w",
					item.ID, bid.ID, bid.SequenceNumber, it.item.BidCount+1, domain.ErrInvalidAuction)
			}
			it.bids = append(it.bids, bid)
			it.item.CurrentPrice = bid.Amount
			it.item.LeadingBidderID = bid.BidderID
			it.item.BidCount = bid.SequenceNumber
			l.bidIDs.Store(bid.ID, item.ID)
		}
		l.items[item.ID] = it
	}
	return nil
}

func (l *BidLedger) itemLedger(itemID string) (*itemLedger, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	it, ok := l.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	return it, nil
}

// Item returns the item's current price and leading bidder.
func (l *BidLedger) Item(itemID string) (domain.AuctionItem, error) {
	it, err := l.itemLedger(itemID)
	if err != nil {
		return domain.AuctionItem{}, err
	}
	return it.snapshot(), nil
}

// Bids returns the accepted bids of an item in sequence order.
func (l *BidLedger) Bids(itemID string) ([]domain.Bid, error) {
	it, err := l.itemLedger(itemID)
	if err != nil {
		return nil, err
	}

	it.mu.RLock()
	defer it.mu.RUnlock()
	out := make([]domain.Bid, len(it.bids))
	copy(out, it.bids)
	return out, nil
}

// SubmitBid validates and commits a bid inside the item's critical section.
// Phase and price are only ever read after the lock is held. The bid is
// persisted before the lock is released, so the item lock is held for at
// most retry.Timeout*(retry.MaxRetries+1) plus backoff sleeps.
func (l *BidLedger) SubmitBid(ctx context.Context, req domain.BidRequest) (*domain.BidResult, error) {
	if !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	if req.BidderID == "" {
		return nil, fmt.Errorf("bidder id required: %w", domain.ErrInvalidAmount)
	}

	it, err := l.itemLedger(req.ItemID)
	if err != nil {
		return nil, err
	}

	if err := l.acquire(ctx, it); err != nil {
		return nil, err
	}
	defer it.lock.Release(1)

	ae := it.auction
	terms := ae.terms
	buyNow := terms.buyNowPrice.Valid && req.Amount.GreaterThanOrEqual(terms.buyNowPrice.Decimal)

	// Bids take the auction read lock so a concurrent transition waits for
	// in-flight commits. A buy-now bid changes the phase itself and needs
	// the write lock.
	if buyNow {
		ae.mu.Lock()
		defer ae.mu.Unlock()
	} else {
		ae.mu.RLock()
		defer ae.mu.RUnlock()
	}

	now := l.clock.Now()
	if err := checkBiddingWindow(ae.phase(), ae.boughtOut, now, terms.endTime); err != nil {
		return nil, err
	}

	bidID := req.BidID
	if bidID == "" {
		bidID = utils.GenerateID("bid")
	}
	if _, used := l.bidIDs.LoadOrStore(bidID, req.ItemID); used {
		return nil, fmt.Errorf("bid %s: %w", bidID, domain.ErrDuplicateBid)
	}

	prev := it.snapshot()
	minimum := prev.CurrentPrice.Add(terms.minIncrement)
	if req.Amount.LessThan(minimum) {
		l.bidIDs.Delete(bidID)
		return nil, &domain.BidError{Err: domain.ErrTooLow, CurrentPrice: prev.CurrentPrice, MinimumBid: minimum}
	}

	bid := domain.Bid{
		ID:             bidID,
		ItemID:         req.ItemID,
		AuctionID:      terms.id,
		BidderID:       req.BidderID,
		Amount:         req.Amount,
		SubmittedAt:    now,
		SequenceNumber: prev.BidCount + 1,
	}

	it.mu.Lock()
	it.item.CurrentPrice = bid.Amount
	it.item.LeadingBidderID = bid.BidderID
	it.item.BidCount = bid.SequenceNumber
	it.bids = append(it.bids, bid)
	it.mu.Unlock()

	rollback := func() {
		it.mu.Lock()
		it.item = prev
		it.bids = it.bids[:len(it.bids)-1]
		it.mu.Unlock()
		l.bidIDs.Delete(bidID)
	}

	if err := l.persist(ctx, &bid); err != nil {
		rollback()
		l.log.Error("Bid rolled back after persistence failure",
			"bid_id", bidID, "item_id", req.ItemID, "sequence", bid.SequenceNumber, "error", err)
		return nil, fmt.Errorf("bid %s: %w: %v", bidID, domain.ErrPersistence, err)
	}

	result := &domain.BidResult{Bid: bid, CurrentPrice: bid.Amount}
	if !buyNow {
		l.hub.Publish(terms.id, domain.NewBidAcceptedEvent(bid))
	} else {
		// A buy-now bid only counts once the auction has completed. The
		// write lock is held and the phase was validated Live, so the edge is
		// legal; the bid event goes out first, then the observer announces
		// the phase change.
		if !ae.phase().CanTransitionTo(domain.PhaseCompleted) {
			rollback()
			return nil, fmt.Errorf("auction %s: %w", terms.id, domain.ErrInvalidTransition)
		}
		l.hub.Publish(terms.id, domain.NewBidAcceptedEvent(bid))
		if err := l.registry.completeBuyNowLocked(ae); err != nil {
			rollback()
			l.log.Error("Buy-now completion failed", "auction_id", terms.id, "bid_id", bidID, "error", err)
			return nil, err
		}
		result.AuctionCompleted = true
	}

	l.log.Info("Bid accepted", "auction_id", terms.id, "item_id", req.ItemID, "bid_id", bidID,
		"bidder_id", req.BidderID, "amount", bid.Amount.String(), "sequence", bid.SequenceNumber, "buy_now", buyNow)
	return result, nil
}

func (l *BidLedger) acquire(ctx context.Context, it *itemLedger) error {
	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()

	if err := it.lock.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("item %s: %w", it.id, domain.ErrBusy)
	}
	return nil
}

func (l *BidLedger) persist(ctx context.Context, bid *domain.Bid) error {
	op := func() error {
		pctx, cancel := context.WithTimeout(ctx, l.retry.Timeout)
		defer cancel()

		err := l.store.AppendBid(pctx, bid)
		if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.log.Warn("Retrying bid persistence", "bid_id", bid.ID, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, l.retry.backOff(ctx), notify)
}

// checkBiddingWindow applies the phase and clock rules for a bid at now.
// Reaching the end time reports Expired whether or not the scheduler has
// completed the auction yet. An auction closed by buy-now always reports
// AuctionNotLive.
func checkBiddingWindow(phase domain.Phase, boughtOut bool, now, end time.Time) error {
	switch phase {
	case domain.PhaseLive:
		if !now.Before(end) {
			return domain.ErrExpired
		}
		return nil
	case domain.PhaseCompleted:
		if !boughtOut && !now.Before(end) {
			return domain.ErrExpired
		}
		return domain.ErrAuctionNotLive
	default:
		return domain.ErrAuctionNotLive
	}
}
