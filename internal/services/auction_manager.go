package services

import (
	"context"
	"fmt"
	"time"

	"auction-engine/internal/config"
	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

type EngineOptions struct {
	LockTimeout            time.Duration
	Retry                  RetryPolicy
	SubscriberBuffer       int
	OverflowPolicy         OverflowPolicy
	SchedulerRetryInterval time.Duration
	ReconcileSchedule      string
	StateWriteTimeout      time.Duration
	IncrementRules         *IncrementRules
}

func OptionsFromConfig(cfg *config.Config) (EngineOptions, error) {
	policy, err := ParseOverflowPolicy(cfg.Engine.OverflowPolicy)
	if err != nil {
		return EngineOptions{}, err
	}
	return EngineOptions{
		LockTimeout: cfg.Engine.LockTimeout,
		Retry: RetryPolicy{
			Timeout:        cfg.Engine.PersistTimeout,
			MaxRetries:     cfg.Engine.PersistMaxRetries,
			InitialBackoff: cfg.Engine.PersistInitialBackoff,
		},
		SubscriberBuffer:       cfg.Engine.SubscriberBuffer,
		OverflowPolicy:         policy,
		SchedulerRetryInterval: cfg.Engine.SchedulerRetryInterval,
		ReconcileSchedule:      cfg.Engine.ReconcileSchedule,
		StateWriteTimeout:      cfg.Engine.PersistTimeout,
		IncrementRules:         NewIncrementRules(cfg.Bidding.IncrementTiers),
	}, nil
}

// AuctionManager is the engine's entry point. It owns the registry, ledger,
// scheduler and hub of one process and wires their side effects together.
type AuctionManager struct {
	store      domain.PersistenceAdapter
	clock      clockwork.Clock
	registry   *AuctionRegistry
	ledger     *BidLedger
	scheduler  *PhaseScheduler
	hub        *BroadcastHub
	reconciler *StateReconciler
	rules      *IncrementRules
	opts       EngineOptions
	log        logger.Logger
}

func NewAuctionManager(store domain.PersistenceAdapter, clock clockwork.Clock, opts EngineOptions, log logger.Logger) *AuctionManager {
	if opts.StateWriteTimeout <= 0 {
		opts.StateWriteTimeout = 5 * time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}

	am := &AuctionManager{
		store: store,
		clock: clock,
		rules: opts.IncrementRules,
		opts:  opts,
		log:   log,
	}
	am.hub = NewBroadcastHub(opts.SubscriberBuffer, opts.OverflowPolicy, log.With("component", "hub"))
	am.registry = NewAuctionRegistry(clock, am.onPhaseChanged, log.With("component", "registry"))
	am.ledger = NewBidLedger(am.registry, store, am.hub, clock, opts.LockTimeout, opts.Retry, log.With("component", "ledger"))
	am.scheduler = NewPhaseScheduler(clock, am, opts.SchedulerRetryInterval, log.With("component", "scheduler"))
	am.reconciler = NewStateReconciler(opts.ReconcileSchedule, am.persistState, log.With("component", "reconciler"))
	return am
}

func (am *AuctionManager) Hub() *BroadcastHub {
	return am.hub
}

// Run drives the phase scheduler and the state reconciler until ctx is done.
func (am *AuctionManager) Run(ctx context.Context) error {
	if err := am.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	defer am.reconciler.Stop()
	defer am.hub.Close()

	return am.scheduler.Run(ctx)
}

func (am *AuctionManager) CreateAuction(ctx context.Context, spec domain.AuctionSpec) (domain.Auction, error) {
	if spec.MinIncrement.IsZero() && am.rules != nil {
		spec.MinIncrement = am.rules.GetIncrementRule(maxBasePrice(spec.Items))
	}

	auction, err := am.registry.Create(spec)
	if err != nil {
		return domain.Auction{}, err
	}

	if err := am.store.CreateAuction(ctx, &auction); err != nil {
		am.registry.discard(auction.ID)
		am.log.Error("Failed to persist auction", "auction_id", auction.ID, "error", err)
		return domain.Auction{}, fmt.Errorf("create auction: %w: %v", domain.ErrPersistence, err)
	}

	if err := am.ledger.Register(auction, nil); err != nil {
		return domain.Auction{}, err
	}

	am.scheduler.ScheduleAuctionStart(auction.ID, auction.StartTime)
	am.scheduler.ScheduleAuctionEnd(auction.ID, auction.EndTime)

	am.log.Info("Auction created", "auction_id", auction.ID, "organizer_id", auction.OrganizerID,
		"items", len(auction.Items), "start_time", auction.StartTime, "end_time", auction.EndTime)
	return auction, nil
}

func maxBasePrice(items []domain.ItemSpec) decimal.Decimal {
	max := decimal.Zero
	for _, item := range items {
		if item.BasePrice.GreaterThan(max) {
			max = item.BasePrice
		}
	}
	return max
}

// TransitionPhase applies target through the registry and records the new
// state. Reaching a phase the auction is already in is a no-op.
func (am *AuctionManager) TransitionPhase(ctx context.Context, auctionID string, target domain.Phase) error {
	changed, err := am.registry.TransitionPhase(auctionID, target)
	if err != nil {
		return err
	}
	if changed {
		am.writeState(ctx, auctionID)
	}
	return nil
}

// CancelAuction ends bidding immediately. Pending deadlines are removed in
// the same critical section as the phase change.
func (am *AuctionManager) CancelAuction(ctx context.Context, auctionID string) error {
	return am.TransitionPhase(ctx, auctionID, domain.PhaseCancelled)
}

// onPhaseChanged runs under the auction's write lock.
func (am *AuctionManager) onPhaseChanged(auction domain.Auction, from domain.Phase) {
	am.hub.Publish(auction.ID, domain.NewPhaseChangedEvent(auction.ID, auction.Phase, auction.UpdatedAt))

	if auction.Phase.Terminal() {
		am.scheduler.CancelSchedule(auction.ID)
		am.hub.CloseAuction(auction.ID)
	}
}

func (am *AuctionManager) SubmitBid(ctx context.Context, req domain.BidRequest) (*domain.BidResult, error) {
	result, err := am.ledger.SubmitBid(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.AuctionCompleted {
		am.writeState(ctx, result.Bid.AuctionID)
	}
	return result, nil
}

// GetAuctionState returns the phase, schedule and live prices of an auction.
// The top-level price and leader are those of the first item.
func (am *AuctionManager) GetAuctionState(auctionID string) (domain.AuctionState, error) {
	auction, err := am.registry.Get(auctionID)
	if err != nil {
		return domain.AuctionState{}, err
	}

	state := domain.AuctionState{
		AuctionID: auction.ID,
		Phase:     auction.Phase,
		StartTime: auction.StartTime,
		EndTime:   auction.EndTime,
		Items:     make([]domain.AuctionItem, 0, len(auction.Items)),
	}
	for _, item := range auction.Items {
		live, err := am.ledger.Item(item.ID)
		if err != nil {
			return domain.AuctionState{}, err
		}
		state.Items = append(state.Items, live)
	}
	if len(state.Items) > 0 {
		state.CurrentPrice = state.Items[0].CurrentPrice
		state.LeadingBidderID = state.Items[0].LeadingBidderID
	}
	return state, nil
}

func (am *AuctionManager) Bids(itemID string) ([]domain.Bid, error) {
	return am.ledger.Bids(itemID)
}

// Subscribe opens a live event stream for an auction. Subscriptions to a
// finished auction are refused; a subscription that races with the final
// transition receives the phase change and is then closed.
func (am *AuctionManager) Subscribe(auctionID string) (*Subscription, error) {
	e, err := am.registry.entry(auctionID)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.phase().Terminal() {
		return nil, fmt.Errorf("auction %s is %s: %w", auctionID, e.phase(), domain.ErrAuctionNotLive)
	}
	return am.hub.Subscribe(auctionID), nil
}

func (am *AuctionManager) Unsubscribe(sub *Subscription) {
	am.hub.Unsubscribe(sub)
}

// Recover rebuilds in-memory state for every auction the store still
// considers open and re-arms its deadlines. Overdue deadlines fire as soon
// as Run starts.
func (am *AuctionManager) Recover(ctx context.Context) error {
	auctions, err := am.store.ListOpenAuctions(ctx)
	if err != nil {
		return fmt.Errorf("list open auctions: %w", err)
	}

	for _, auction := range auctions {
		bids := make(map[string][]domain.Bid, len(auction.Items))
		for _, item := range auction.Items {
			stored, err := am.store.ListBids(ctx, item.ID)
			if err != nil {
				return fmt.Errorf("list bids for item %s: %w", item.ID, err)
			}
			for _, bid := range stored {
				bids[item.ID] = append(bids[item.ID], *bid)
			}
		}

		if err := am.registry.Add(*auction); err != nil {
			return err
		}
		if err := am.ledger.Register(*auction, bids); err != nil {
			return err
		}

		// The buy-now bid is durable but the Completed phase write was lost.
		if auction.Phase == domain.PhaseLive && buyNowReached(auction, bids) {
			if err := am.registry.CompleteBuyNow(auction.ID); err != nil {
				return err
			}
			am.log.Warn("Auction restored as completed by buy-now", "auction_id", auction.ID)
			am.writeState(ctx, auction.ID)
			continue
		}

		switch auction.Phase {
		case domain.PhasePending:
			am.scheduler.ScheduleAuctionStart(auction.ID, auction.StartTime)
			am.scheduler.ScheduleAuctionEnd(auction.ID, auction.EndTime)
		case domain.PhaseLive:
			am.scheduler.ScheduleAuctionEnd(auction.ID, auction.EndTime)
		}
		am.log.Info("Auction recovered", "auction_id", auction.ID, "phase", auction.Phase.String())
	}

	am.log.Info("Recovery complete", "auctions", len(auctions))
	return nil
}

// buyNowReached reports whether the last bid on any item met the buy-now
// price.
func buyNowReached(auction *domain.Auction, bids map[string][]domain.Bid) bool {
	if !auction.BuyNowPrice.Valid {
		return false
	}
	for _, history := range bids {
		if n := len(history); n > 0 && history[n-1].Amount.GreaterThanOrEqual(auction.BuyNowPrice.Decimal) {
			return true
		}
	}
	return false
}

// writeState stores the auction's state, handing failures to the
// reconciler so they are retried until they succeed.
func (am *AuctionManager) writeState(ctx context.Context, auctionID string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), am.opts.StateWriteTimeout)
	defer cancel()

	if err := am.persistState(wctx, auctionID); err != nil {
		am.log.Error("Failed to persist auction state, queued for reconcile", "auction_id", auctionID, "error", err)
		am.reconciler.Enqueue(auctionID)
	}
}

func (am *AuctionManager) persistState(ctx context.Context, auctionID string) error {
	state, err := am.GetAuctionState(auctionID)
	if err != nil {
		return err
	}
	return am.store.UpdateAuctionState(ctx, domain.AuctionStateUpdate{
		AuctionID: auctionID,
		Phase:     state.Phase,
		Items:     state.Items,
	})
}
