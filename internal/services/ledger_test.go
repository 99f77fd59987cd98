package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"auction-engine/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitBid_IncrementBoundary(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	_, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_049_999)))
	require.ErrorIs(t, err, domain.ErrTooLow)

	var bidErr *domain.BidError
	require.ErrorAs(t, err, &bidErr)
	assert.True(t, bidErr.CurrentPrice.Equal(million))
	assert.True(t, bidErr.MinimumBid.Equal(dec(1_050_000)))

	result, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_050_000)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Bid.SequenceNumber)
	assert.True(t, result.CurrentPrice.Equal(dec(1_050_000)))
	assert.False(t, result.AuctionCompleted)
}

func TestSubmitBid_RejectsBadInput(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	_, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", decimal.Zero))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(-5)))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = te.am.SubmitBid(context.Background(), bidReq(itemID, "", dec(2_000_000)))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = te.am.SubmitBid(context.Background(), bidReq("item_missing", "bidder-a", dec(2_000_000)))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

// Two bidders race on the same price snapshot; the first to take the item
// lock wins and the other is told the new price.
func TestSubmitBid_EqualConcurrentBids(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	results := make([]*domain.BidResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = te.am.SubmitBid(context.Background(),
				bidReq(itemID, fmt.Sprintf("bidder-%d", i), dec(1_050_000)))
		}(i)
	}
	wg.Wait()

	winner, loser := 0, 1
	if errs[0] != nil {
		winner, loser = 1, 0
	}
	require.NoError(t, errs[winner])
	assert.Equal(t, uint64(1), results[winner].Bid.SequenceNumber)
	assert.True(t, results[winner].CurrentPrice.Equal(dec(1_050_000)))

	var bidErr *domain.BidError
	require.ErrorAs(t, errs[loser], &bidErr)
	assert.ErrorIs(t, errs[loser], domain.ErrTooLow)
	assert.True(t, bidErr.CurrentPrice.Equal(dec(1_050_000)))

	state, err := te.am.GetAuctionState(auction.ID)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("bidder-%d", winner), state.LeadingBidderID)
}

func TestSubmitBid_NoLostUpdates(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	const n = 50
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := te.am.SubmitBid(context.Background(),
				bidReq(itemID, fmt.Sprintf("bidder-%d", i), dec(1_050_000)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		if err == nil {
			accepted++
			continue
		}
		var bidErr *domain.BidError
		require.ErrorAs(t, err, &bidErr)
		assert.True(t, bidErr.CurrentPrice.Equal(dec(1_050_000)), "rejection must reference the post-update price")
	}
	assert.Equal(t, 1, accepted)

	bids, err := te.am.Bids(itemID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
}

func TestSubmitBid_TotalOrder(t *testing.T) {
	opts := testOptions()
	opts.SubscriberBuffer = 512
	te := newRunningEngine(t, opts)
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	sub, err := te.am.Subscribe(auction.ID)
	require.NoError(t, err)
	defer te.am.Unsubscribe(sub)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := million.Add(fiftyK.Mul(dec(int64(1 + i%40))))
			_, _ = te.am.SubmitBid(context.Background(), bidReq(itemID, fmt.Sprintf("bidder-%d", i), amount))
		}(i)
	}
	wg.Wait()

	bids, err := te.am.Bids(itemID)
	require.NoError(t, err)
	require.NotEmpty(t, bids)

	max := decimal.Zero
	for i, b := range bids {
		assert.Equal(t, uint64(i+1), b.SequenceNumber)
		if i > 0 {
			assert.True(t, b.Amount.GreaterThan(bids[i-1].Amount), "amounts must strictly increase")
			assert.True(t, b.Amount.GreaterThanOrEqual(bids[i-1].Amount.Add(fiftyK)))
		}
		if b.Amount.GreaterThan(max) {
			max = b.Amount
		}
	}

	item, err := te.am.ledger.Item(itemID)
	require.NoError(t, err)
	assert.True(t, item.CurrentPrice.Equal(max))
	assert.Equal(t, uint64(len(bids)), item.BidCount)

	// The subscriber sees every accepted bid in sequence order.
	for i := range bids {
		ev := nextEvent(t, sub)
		require.Equal(t, domain.EventBidAccepted, ev.Type)
		assert.Equal(t, uint64(i+1), ev.SequenceNumber)
	}
}

func TestSubmitBid_ItemsProgressIndependently(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	first := te.createLive(t, millionSpec())
	second := te.createLive(t, millionSpec())

	// Hold the first item's lock; the second item must still accept bids.
	it, err := te.am.ledger.itemLedger(first.Items[0].ID)
	require.NoError(t, err)
	require.NoError(t, it.lock.Acquire(context.Background(), 1))
	defer it.lock.Release(1)

	result, err := te.am.SubmitBid(context.Background(), bidReq(second.Items[0].ID, "bidder-a", dec(1_050_000)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Bid.SequenceNumber)
}

func TestSubmitBid_BusyWhenLockHeld(t *testing.T) {
	opts := testOptions()
	opts.LockTimeout = 20 * time.Millisecond
	te := newRunningEngine(t, opts)
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	it, err := te.am.ledger.itemLedger(itemID)
	require.NoError(t, err)
	require.NoError(t, it.lock.Acquire(context.Background(), 1))

	_, err = te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_050_000)))
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Equal(t, domain.KindConcurrency, domain.KindOf(err))

	it.lock.Release(1)
	_, err = te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_050_000)))
	assert.NoError(t, err)
}

func TestSubmitBid_CallerContextCancelled(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	it, err := te.am.ledger.itemLedger(itemID)
	require.NoError(t, err)
	require.NoError(t, it.lock.Acquire(context.Background(), 1))
	defer it.lock.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = te.am.SubmitBid(ctx, bidReq(itemID, "bidder-a", dec(1_050_000)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubmitBid_DuplicateBidID(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	req := bidReq(itemID, "bidder-a", dec(1_050_000))
	req.BidID = "client-bid-1"

	_, err := te.am.SubmitBid(context.Background(), req)
	require.NoError(t, err)

	req.Amount = dec(1_200_000)
	_, err = te.am.SubmitBid(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrDuplicateBid)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	bids, err := te.am.Bids(itemID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
	assert.Len(t, te.store.storedBids(itemID), 1)
}

func TestSubmitBid_RejectedIDCanBeReused(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	req := bidReq(itemID, "bidder-a", dec(1_010_000))
	req.BidID = "client-bid-2"
	_, err := te.am.SubmitBid(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrTooLow)

	req.Amount = dec(1_050_000)
	result, err := te.am.SubmitBid(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "client-bid-2", result.Bid.ID)
}

func TestSubmitBid_RoundTripThroughStore(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	var accepted []domain.Bid
	for i, amount := range []int64{1_050_000, 1_100_000, 1_500_000} {
		result, err := te.am.SubmitBid(context.Background(), bidReq(itemID, fmt.Sprintf("bidder-%d", i), dec(amount)))
		require.NoError(t, err)
		accepted = append(accepted, result.Bid)
	}

	stored := te.store.storedBids(itemID)
	require.Len(t, stored, len(accepted))
	for i, b := range stored {
		assert.Equal(t, accepted[i].ID, b.ID)
		assert.True(t, accepted[i].Amount.Equal(b.Amount))
		assert.Equal(t, accepted[i].SequenceNumber, b.SequenceNumber)
		assert.Equal(t, accepted[i].BidderID, b.BidderID)
	}
}

func TestSubmitBid_PersistenceRetriedWithBackoff(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	te.store.mu.Lock()
	te.store.appendFails = 2
	te.store.mu.Unlock()

	result, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_050_000)))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Bid.SequenceNumber)

	te.store.mu.Lock()
	calls := te.store.appendCalls
	te.store.mu.Unlock()
	assert.Equal(t, 3, calls)
	assert.Len(t, te.store.storedBids(itemID), 1)
}

// A bid whose write never succeeds must look as if it was never accepted.
func TestSubmitBid_PersistenceFailureRollsBack(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	_, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_050_000)))
	require.NoError(t, err)

	sub, err := te.am.Subscribe(auction.ID)
	require.NoError(t, err)
	defer te.am.Unsubscribe(sub)

	te.store.setAppendErr(errDBDown)
	req := bidReq(itemID, "bidder-b", dec(1_500_000))
	req.BidID = "doomed"
	_, err = te.am.SubmitBid(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, domain.KindPersistence, domain.KindOf(err))

	item, err := te.am.ledger.Item(itemID)
	require.NoError(t, err)
	assert.True(t, item.CurrentPrice.Equal(dec(1_050_000)))
	assert.Equal(t, "bidder-a", item.LeadingBidderID)
	assert.Equal(t, uint64(1), item.BidCount)

	bids, err := te.am.Bids(itemID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
	assert.Empty(t, sub.Events(), "rolled back bid must not be broadcast")

	te.store.setAppendErr(nil)
	result, err := te.am.SubmitBid(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), result.Bid.SequenceNumber)

	ev := nextEvent(t, sub)
	assert.Equal(t, "doomed", ev.BidID)
	assert.Equal(t, uint64(2), ev.SequenceNumber)
}

func TestSubmitBid_PendingAuctionNotLive(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	spec := millionSpec()
	spec.OrganizerID = "organizer-1"
	spec.StartTime = t0.Add(time.Hour)
	spec.EndTime = t0.Add(2 * time.Hour)

	auction, err := te.am.CreateAuction(context.Background(), spec)
	require.NoError(t, err)

	_, err = te.am.SubmitBid(context.Background(), bidReq(auction.Items[0].ID, "bidder-a", dec(1_050_000)))
	assert.ErrorIs(t, err, domain.ErrAuctionNotLive)
	assert.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestSubmitBid_ExpiredAtEndTime(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	te.clock.Advance(time.Hour)

	// Expired at the end instant whether or not the scheduler already ran.
	_, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_050_000)))
	assert.ErrorIs(t, err, domain.ErrExpired)

	te.waitForPhase(t, auction.ID, domain.PhaseCompleted)
	_, err = te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_050_000)))
	assert.ErrorIs(t, err, domain.ErrExpired)
}

// A bid that holds the item lock when the end deadline arrives finishes
// first; the completion waits for it.
func TestSubmitBid_InFlightAtEndIsAccepted(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	auction := te.createLive(t, millionSpec())
	itemID := auction.Items[0].ID

	sub, err := te.am.Subscribe(auction.ID)
	require.NoError(t, err)

	entered, release := te.store.holdAppends()

	type outcome struct {
		result *domain.BidResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_050_000)))
		done <- outcome{r, err}
	}()
	<-entered

	te.clock.Advance(time.Hour)
	te.am.scheduler.wake()
	close(release)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, uint64(1), out.result.Bid.SequenceNumber)

	te.waitForPhase(t, auction.ID, domain.PhaseCompleted)

	first := nextEvent(t, sub)
	assert.Equal(t, domain.EventBidAccepted, first.Type)
	second := nextEvent(t, sub)
	require.Equal(t, domain.EventPhaseChanged, second.Type)
	assert.Equal(t, domain.PhaseCompleted, *second.NewPhase)
	requireClosed(t, sub)
}

func TestSubmitBid_BuyNowCompletesAuction(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	spec := millionSpec()
	spec.BuyNowPrice = decimal.NewNullDecimal(twoMillion)
	auction := te.createLive(t, spec)
	itemID := auction.Items[0].ID

	sub, err := te.am.Subscribe(auction.ID)
	require.NoError(t, err)

	_, err = te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", dec(1_100_000)))
	require.NoError(t, err)

	result, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-b", twoMillion))
	require.NoError(t, err)
	assert.True(t, result.AuctionCompleted)
	assert.Equal(t, uint64(2), result.Bid.SequenceNumber)

	state, err := te.am.GetAuctionState(auction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompleted, state.Phase)
	assert.Equal(t, "bidder-b", state.LeadingBidderID)
	assert.Zero(t, te.am.scheduler.Pending(), "end deadline must be cancelled")

	_, err = te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-c", dec(3_000_000)))
	assert.ErrorIs(t, err, domain.ErrAuctionNotLive)

	last, ok := te.store.lastState(auction.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PhaseCompleted, last.Phase)

	var types []domain.EventType
	for ev := range sub.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []domain.EventType{
		domain.EventBidAccepted, domain.EventBidAccepted, domain.EventPhaseChanged,
	}, types)
	assert.False(t, sub.Evicted())
}

// An auction closed by buy-now never reports Expired, even once its end
// time has passed.
func TestSubmitBid_BoughtOutStaysNotLiveAfterEnd(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	spec := millionSpec()
	spec.BuyNowPrice = decimal.NewNullDecimal(twoMillion)
	auction := te.createLive(t, spec)
	itemID := auction.Items[0].ID

	result, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", twoMillion))
	require.NoError(t, err)
	require.True(t, result.AuctionCompleted)

	te.clock.Advance(2 * time.Hour)

	_, err = te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-b", dec(2_100_000)))
	assert.ErrorIs(t, err, domain.ErrAuctionNotLive)
	assert.NotErrorIs(t, err, domain.ErrExpired)
}

func TestSubmitBid_BuyNowRolledBackWhenPersistFails(t *testing.T) {
	te := newRunningEngine(t, testOptions())
	spec := millionSpec()
	spec.BuyNowPrice = decimal.NewNullDecimal(twoMillion)
	auction := te.createLive(t, spec)
	itemID := auction.Items[0].ID

	te.store.setAppendErr(errDBDown)
	_, err := te.am.SubmitBid(context.Background(), bidReq(itemID, "bidder-a", twoMillion))
	require.ErrorIs(t, err, domain.ErrPersistence)

	state, err := te.am.GetAuctionState(auction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseLive, state.Phase)
	assert.True(t, state.CurrentPrice.Equal(million))
	assert.Equal(t, 1, te.am.scheduler.Pending())
}

func TestLedgerRegister_ReplaysHistory(t *testing.T) {
	registry := NewAuctionRegistry(nil, nil, testNop)
	auction := domain.Auction{
		ID:           "auction_1",
		OrganizerID:  "organizer-1",
		StartTime:    t0,
		EndTime:      t0.Add(time.Hour),
		MinIncrement: fiftyK,
		Phase:        domain.PhaseLive,
		Items: []domain.AuctionItem{{
			ID: "item_1", AuctionID: "auction_1", BasePrice: million,
			CurrentPrice: dec(9_999_999), BidCount: 7,
		}},
	}
	require.NoError(t, registry.Add(auction))
	ledger := NewBidLedger(registry, newMemoryStore(), NewBroadcastHub(1, DropOldest, testNop), nil, time.Second, RetryPolicy{}, testNop)

	history := []domain.Bid{
		{ID: "b1", ItemID: "item_1", BidderID: "x", Amount: dec(1_050_000), SequenceNumber: 1},
		{ID: "b2", ItemID: "item_1", BidderID: "y", Amount: dec(1_200_000), SequenceNumber: 2},
	}
	require.NoError(t, ledger.Register(auction, map[string][]domain.Bid{"item_1": history}))

	item, err := ledger.Item("item_1")
	require.NoError(t, err)
	assert.True(t, item.CurrentPrice.Equal(dec(1_200_000)))
	assert.Equal(t, "y", item.LeadingBidderID)
	assert.Equal(t, uint64(2), item.BidCount)

	err = ledger.Register(auction, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidAuction)
}

func TestLedgerRegister_RejectsSequenceGap(t *testing.T) {
	registry := NewAuctionRegistry(nil, nil, testNop)
	auction := domain.Auction{
		ID: "auction_1", MinIncrement: fiftyK, Phase: domain.PhaseLive,
		Items: []domain.AuctionItem{{ID: "item_1", AuctionID: "auction_1", BasePrice: million}},
	}
	require.NoError(t, registry.Add(auction))
	ledger := NewBidLedger(registry, newMemoryStore(), NewBroadcastHub(1, DropOldest, testNop), nil, time.Second, RetryPolicy{}, testNop)

	history := []domain.Bid{
		{ID: "b1", ItemID: "item_1", Amount: dec(1_050_000), SequenceNumber: 1},
		{ID: "b3", ItemID: "item_1", Amount: dec(1_200_000), SequenceNumber: 3},
	}
	err := ledger.Register(auction, map[string][]domain.Bid{"item_1": history})
	assert.ErrorIs(t, err, domain.ErrInvalidAuction)
}

func TestCheckBiddingWindow(t *testing.T) {
	end := t0.Add(time.Hour)
	tests := []struct {
		name      string
		phase     domain.Phase
		boughtOut bool
		now       time.Time
		want      error
	}{
		{"live before end", domain.PhaseLive, false, end.Add(-time.Nanosecond), nil},
		{"live at end", domain.PhaseLive, false, end, domain.ErrExpired},
		{"completed after end", domain.PhaseCompleted, false, end.Add(time.Minute), domain.ErrExpired},
		{"bought out before end", domain.PhaseCompleted, true, end.Add(-time.Minute), domain.ErrAuctionNotLive},
		{"bought out after end", domain.PhaseCompleted, true, end.Add(time.Minute), domain.ErrAuctionNotLive},
		{"pending", domain.PhasePending, false, t0, domain.ErrAuctionNotLive},
		{"cancelled", domain.PhaseCancelled, false, end.Add(time.Minute), domain.ErrAuctionNotLive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkBiddingWindow(tt.phase, tt.boughtOut, tt.now, end)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
