package services

import (
	"context"
	"sync"

	"auction-engine/pkg/logger"

	"github.com/robfig/cron/v3"
)

// StateReconciler retries auction state writes that failed at transition
// time. Writes are monotonic in the store, so replaying the latest snapshot
// is always safe.
type StateReconciler struct {
	cron     *cron.Cron
	schedule string
	persist  func(ctx context.Context, auctionID string) error
	log      logger.Logger

	mu      sync.Mutex
	pending map[string]uint64 // auction id -> enqueue generation
}

func NewStateReconciler(schedule string, persist func(ctx context.Context, auctionID string) error, log logger.Logger) *StateReconciler {
	if schedule == "" {
		schedule = "@every 30s"
	}
	return &StateReconciler{
		cron:     cron.New(cron.WithSeconds()),
		schedule: schedule,
		persist:  persist,
		log:      log,
		pending:  make(map[string]uint64),
	}
}

func (r *StateReconciler) Start(ctx context.Context) error {
	r.log.Info("Starting state reconciler", "schedule", r.schedule)

	_, err := r.cron.AddFunc(r.schedule, func() {
		r.Reconcile(ctx)
	})
	if err != nil {
		return err
	}

	r.cron.Start()
	return nil
}

// Stop halts the cron and waits for a running reconcile pass to finish.
func (r *StateReconciler) Stop() {
	r.log.Info("Stopping state reconciler")
	<-r.cron.Stop().Done()
}

// Enqueue marks an auction whose state must be written again.
func (r *StateReconciler) Enqueue(auctionID string) {
	r.mu.Lock()
	r.pending[auctionID]++
	r.mu.Unlock()
}

func (r *StateReconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reconcile runs one pass over the pending auctions.
func (r *StateReconciler) Reconcile(ctx context.Context) {
	r.mu.Lock()
	gens := make(map[string]uint64, len(r.pending))
	for id, gen := range r.pending {
		gens[id] = gen
	}
	r.mu.Unlock()

	for id, gen := range gens {
		if ctx.Err() != nil {
			return
		}
		if err := r.persist(ctx, id); err != nil {
			r.log.Error("Failed to reconcile auction state", "auction_id", id, "error", err)
			continue
		}
		// A newer failure may have been enqueued while we were writing.
		r.mu.Lock()
		if r.pending[id] == gen {
			delete(r.pending, id)
		}
		r.mu.Unlock()
		r.log.Info("Auction state reconciled", "auction_id", id)
	}
}
