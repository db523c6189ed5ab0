package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/jkaninda/kazi/internal/ticket"
)

// recoverTickets re-queues tickets the store says are in flight but that
// the scheduler is not tracking: in-review tickets from a previous run,
// open tickets marked queued or holding, stale processing claims and open
// tickets nobody picked up. Ghosts, tickets waiting on a human and
// children of open parents stay where they are.
func (s *Scheduler) recoverTickets(ctx context.Context) int {
	now := s.clock.Now()
	stale := s.config.staleProcessing()
	n := 0
	for _, status := range []ticket.Status{ticket.StatusInReview, ticket.StatusOpen} {
		list, err := s.store.ListByStatus(ctx, status)
		if err != nil {
			s.logger.ErrorContext(ctx, "recovery scan failed",
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for i := range list {
			t := &list[i]
			if t.Ghost || s.tracked(t.ID) || !s.recoverable(t, now, stale) {
				continue
			}
			if s.waitingOnParent(ctx, t) {
				continue
			}
			if err := s.enqueue(ctx, t, enqueueRecover); err != nil {
				s.logger.WarnContext(ctx, "recovering ticket failed",
					slog.String("ticket_id", t.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			n++
		}
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "recovered tickets", slog.Int("count", n))
		s.audit(ctx, nil, "scheduler", "recovery.scan", "recovered "+strconv.Itoa(n))
	}
	return n
}

// recoverable applies the recovery rules to an untracked ticket.
func (s *Scheduler) recoverable(t *ticket.Ticket, now time.Time, stale time.Duration) bool {
	if t.Status == ticket.StatusInReview {
		return t.ProcessingStatus != ticket.ProcessingHolding && t.ProcessingStatus != ticket.ProcessingAwaitingUser
	}
	switch t.ProcessingStatus {
	case ticket.ProcessingActive, ticket.ProcessingVerifying:
		return t.ProcessingStartedAt == nil || now.Sub(*t.ProcessingStartedAt) >= stale
	case ticket.ProcessingHolding:
		// The hold list lives in memory; a restart loses it.
		return true
	case ticket.ProcessingQueued, ticket.ProcessingNone:
		return true
	default:
		return false
	}
}

func (s *Scheduler) recoveryTick(ctx context.Context) {
	if n := s.recoverTickets(ctx); n > 0 {
		s.kick(ctx)
	}
}

// Recover runs the recovery scan now and returns how many tickets it
// re-queued.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func(ctx context.Context) error {
		n = s.recoverTickets(ctx)
		s.kick(ctx)
		return nil
	})
	return n, err
}
