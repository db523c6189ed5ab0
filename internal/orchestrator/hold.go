package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/clock"
	"github.com/jkaninda/kazi/internal/ticket"
)

// holdEntry is a queued ticket parked until a resource becomes active.
type holdEntry struct {
	TicketID uuid.UUID
	Resource string
	HeldAt   time.Time
	Timeout  time.Duration
	Entry    *entry
	Team     ticket.Team
	timer    clock.Timer
}

func (s *Scheduler) findHold(id uuid.UUID) *holdEntry {
	for _, h := range s.holds {
		if h.TicketID == id {
			return h
		}
	}
	return nil
}

// hold moves a queued ticket onto the hold list. A zero timeout uses the
// configured default.
func (s *Scheduler) hold(ctx context.Context, id uuid.UUID, resource string, timeout time.Duration) error {
	if resource == "" {
		return fmt.Errorf("hold needs a resource")
	}
	if timeout <= 0 {
		timeout = s.config.holdTimeout()
	}
	e, _ := s.findEntry(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	holding := ticket.ProcessingHolding
	if _, err := s.store.Update(ctx, id, ticket.Patch{ProcessingStatus: &holding}); err != nil {
		return fmt.Errorf("marking ticket holding: %w", err)
	}
	s.removeEntry(id)

	h := &holdEntry{
		TicketID: id,
		Resource: resource,
		HeldAt:   s.clock.Now(),
		Timeout:  timeout,
		Entry:    e,
		Team:     e.Team,
	}
	h.timer = s.clock.AfterFunc(timeout, func() {
		s.post(func(ctx context.Context) {
			if s.findHold(id) == h {
				s.releaseHold(ctx, h, "timeout")
				s.fillSlots(ctx)
			}
		})
	})
	s.holds = append(s.holds, h)

	if s.metrics != nil {
		s.metrics.Holds.WithLabelValues("held").Inc()
	}
	s.logger.InfoContext(ctx, "ticket held",
		slog.String("ticket_id", id.String()),
		slog.String("resource", resource),
		slog.Duration("timeout", timeout),
	)
	s.publish(EventHeld, id, e.Team, resource)
	return nil
}

// releaseHold returns a held ticket to its original team queue with its
// original queue entry.
func (s *Scheduler) releaseHold(ctx context.Context, h *holdEntry, why string) {
	s.dropHold(h)
	if h.timer != nil {
		h.timer.Stop()
	}
	if err := s.markQueued(ctx, h.TicketID); err != nil {
		// Queued in memory regardless; the dispatch write corrects the row.
		s.logger.ErrorContext(ctx, "marking released ticket queued failed",
			slog.String("ticket_id", h.TicketID.String()),
			slog.String("error", err.Error()),
		)
	}
	h.Entry.Team = h.Team
	s.requeue(h.Entry)

	if s.metrics != nil {
		s.metrics.Holds.WithLabelValues(why).Inc()
	}
	s.logger.InfoContext(ctx, "held ticket released",
		slog.String("ticket_id", h.TicketID.String()),
		slog.String("resource", h.Resource),
		slog.String("by", why),
	)
	s.publish(EventReleased, h.TicketID, h.Team, why)
}

func (s *Scheduler) dropHold(h *holdEntry) {
	for i, x := range s.holds {
		if x == h {
			s.holds = append(s.holds[:i:i], s.holds[i+1:]...)
			return
		}
	}
}

// releaseResource makes resource active and releases everything waiting on it.
func (s *Scheduler) releaseResource(ctx context.Context, resource, why string) int {
	s.activeResource = resource
	n := 0
	for _, h := range append([]*holdEntry(nil), s.holds...) {
		if h.Resource == resource {
			s.releaseHold(ctx, h, why)
			n++
		}
	}
	return n
}

// swap picks the resource with the most waiting holds (earliest hold wins
// a tie), switches to it and releases its holds. Reports whether anything
// was released.
func (s *Scheduler) swap(ctx context.Context) bool {
	if len(s.holds) == 0 {
		return false
	}
	counts := make(map[string]int)
	first := make(map[string]time.Time)
	for _, h := range s.holds {
		counts[h.Resource]++
		if t, ok := first[h.Resource]; !ok || h.HeldAt.Before(t) {
			first[h.Resource] = h.HeldAt
		}
	}
	var best string
	for r, n := range counts {
		switch {
		case best == "":
			best = r
		case n > counts[best]:
			best = r
		case n == counts[best] && first[r].Before(first[best]):
			best = r
		}
	}

	from := s.activeResource
	if err := s.switcher.Switch(ctx, from, best); err != nil {
		s.logger.WarnContext(ctx, "resource switch failed",
			slog.String("from", from),
			slog.String("to", best),
			slog.String("error", err.Error()),
		)
		return false
	}
	if s.metrics != nil {
		s.metrics.Swaps.Inc()
	}
	s.audit(ctx, nil, "scheduler", "resource.swapped", from+" -> "+best)
	return s.releaseResource(ctx, best, "swap") > 0
}
