package services

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"auction-engine/internal/domain"
	"auction-engine/pkg/logger"

	"github.com/jonboulle/clockwork"
)

// PhaseTransitioner applies a phase change on behalf of the scheduler.
type PhaseTransitioner interface {
	TransitionPhase(ctx context.Context, auctionID string, target domain.Phase) error
}

// PhaseScheduler fires start/end transitions for every auction from one
// deadline-ordered heap and one loop.
type PhaseScheduler struct {
	clock         clockwork.Clock
	transitioner  PhaseTransitioner
	retryInterval time.Duration
	log           logger.Logger

	mu        sync.Mutex
	queue     deadlineQueue
	byAuction map[string][]*deadline
	wakeCh    chan struct{}
}

func NewPhaseScheduler(clock clockwork.Clock, transitioner PhaseTransitioner, retryInterval time.Duration, log logger.Logger) *PhaseScheduler {
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	return &PhaseScheduler{
		clock:         clock,
		transitioner:  transitioner,
		retryInterval: retryInterval,
		log:           log,
		byAuction:     make(map[string][]*deadline),
		wakeCh:        make(chan struct{}, 1),
	}
}

func (s *PhaseScheduler) ScheduleAuctionStart(auctionID string, startTime time.Time) {
	s.schedule(&deadline{auctionID: auctionID, kind: DeadlineStart, at: startTime})
}

func (s *PhaseScheduler) ScheduleAuctionEnd(auctionID string, endTime time.Time) {
	s.schedule(&deadline{auctionID: auctionID, kind: DeadlineEnd, at: endTime})
}

func (s *PhaseScheduler) schedule(d *deadline) {
	s.mu.Lock()
	heap.Push(&s.queue, d)
	s.byAuction[d.auctionID] = append(s.byAuction[d.auctionID], d)
	s.mu.Unlock()

	s.log.Debug("Deadline scheduled", "auction_id", d.auctionID, "kind", d.kind.String(), "at", d.at)
	s.wake()
}

// CancelSchedule removes every pending deadline of the auction. A deadline
// already handed to the transitioner cannot be recalled, but it will fail
// the registry's edge check against the terminal phase.
func (s *PhaseScheduler) CancelSchedule(auctionID string) {
	s.mu.Lock()
	for _, d := range s.byAuction[auctionID] {
		s.queue.remove(d)
	}
	n := len(s.byAuction[auctionID])
	delete(s.byAuction, auctionID)
	s.mu.Unlock()

	if n > 0 {
		s.log.Debug("Deadlines cancelled", "auction_id", auctionID, "count", n)
		s.wake()
	}
}

// Pending returns the number of queued deadlines.
func (s *PhaseScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *PhaseScheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the deadline loop until ctx is done.
func (s *PhaseScheduler) Run(ctx context.Context) error {
	s.log.Info("Starting phase scheduler")

	for {
		s.mu.Lock()
		next := s.queue.peek()
		var wait time.Duration
		if next != nil {
			wait = next.at.Sub(s.clock.Now())
		}
		s.mu.Unlock()

		if next != nil && wait <= 0 {
			s.fireDue(ctx)
			continue
		}

		var timer clockwork.Timer
		var timerCh <-chan time.Time
		if next != nil {
			timer = s.clock.NewTimer(wait)
			timerCh = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.log.Info("Phase scheduler stopped")
			return ctx.Err()
		case <-s.wakeCh:
		case <-timerCh:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// fireDue pops every overdue deadline and executes it. Deadlines missed
// while the process was paused are executed late, never skipped.
func (s *PhaseScheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*deadline
	for {
		d := s.queue.peek()
		if d == nil || d.at.After(now) {
			break
		}
		heap.Pop(&s.queue)
		s.forget(d)
		due = append(due, d)
	}
	s.mu.Unlock()

	// An end deadline must not overtake a start of the same auction that is
	// waiting to be retried.
	deferred := make(map[string]bool)
	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		if d.kind == DeadlineEnd && deferred[d.auctionID] {
			s.requeue(d, now)
			continue
		}
		if !s.execute(ctx, d, now) && d.kind == DeadlineStart {
			deferred[d.auctionID] = true
		}
	}
}

// forget requires s.mu.
func (s *PhaseScheduler) forget(d *deadline) {
	list := s.byAuction[d.auctionID]
	for i, other := range list {
		if other == d {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byAuction, d.auctionID)
	} else {
		s.byAuction[d.auctionID] = list
	}
}

// execute reports false when the deadline was re-queued for another attempt.
func (s *PhaseScheduler) execute(ctx context.Context, d *deadline, now time.Time) bool {
	target := domain.PhaseLive
	if d.kind == DeadlineEnd {
		target = domain.PhaseCompleted
	}

	if late := now.Sub(d.at); late > s.retryInterval && d.attempts == 0 {
		s.log.Warn("Executing overdue deadline", "auction_id", d.auctionID, "kind", d.kind.String(), "late_by", late)
	}

	err := s.transitioner.TransitionPhase(ctx, d.auctionID, target)
	switch {
	case err == nil:
		s.log.Info("Deadline executed", "auction_id", d.auctionID, "kind", d.kind.String())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		// The auction moved on (cancelled, bought out) or is gone.
		s.log.Info("Deadline no longer applicable", "auction_id", d.auctionID, "kind", d.kind.String(), "error", err)
	default:
		d.attempts++
		s.log.Error("Failed to execute deadline, will retry", "auction_id", d.auctionID,
			"kind", d.kind.String(), "attempt", d.attempts, "error", err)
		s.requeue(d, now)
		return false
	}
	return true
}

func (s *PhaseScheduler) requeue(d *deadline, now time.Time) {
	d.at = now.Add(s.retryInterval)
	s.mu.Lock()
	heap.Push(&s.queue, d)
	s.byAuction[d.auctionID] = append(s.byAuction[d.auctionID], d)
	s.mu.Unlock()
}
