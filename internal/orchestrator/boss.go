package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/supervisor"
)

// startBoss launches one supervisory cycle unless one is running: a health
// check whose directives are applied, then a selection among the queued
// candidates whose pick is pinned to the front of its queue. Slots are
// filled when the cycle ends.
func (s *Scheduler) startBoss(ctx context.Context, trigger string) {
	if s.bossRunning {
		return
	}
	s.bossRunning = true
	s.lastBoss = s.clock.Now()
	snap := s.snapshot()
	if s.metrics != nil {
		s.metrics.BossCycles.WithLabelValues(trigger).Inc()
	}
	s.logger.InfoContext(ctx, "boss cycle started",
		slog.String("trigger", trigger),
		slog.Int("queued", len(snap.Queued)),
		slog.Int("active", len(snap.Active)),
	)

	s.background(ctx, "boss", func(ctx context.Context) {
		var pick uuid.UUID
		if err := catch(func() { pick = s.bossCycle(ctx, snap) }); err != nil {
			s.logger.ErrorContext(ctx, "boss cycle panicked", slog.String("error", err.Error()))
		}
		err := s.do(ctx, func(ctx context.Context) error {
			s.bossRunning = false
			if pick != uuid.Nil && s.pin(pick) {
				s.logger.InfoContext(ctx, "boss selected next ticket", slog.String("ticket_id", pick.String()))
				s.audit(ctx, &pick, "boss", "queue.selected", "")
			}
			s.sortAll()
			s.publish(EventBossCycle, pick, "", trigger)
			s.fillSlots(ctx)
			return nil
		})
		if err != nil {
			s.logger.DebugContext(ctx, "boss cycle finished after shutdown", slog.String("error", err.Error()))
		}
	})
}

// bossCycle runs off the loop. Hook calls may take as long as an agent
// takes; state changes hop back onto the loop.
func (s *Scheduler) bossCycle(ctx context.Context, snap supervisor.Snapshot) uuid.UUID {
	report, err := s.hooks.Health.CheckHealth(ctx, snap)
	if err != nil {
		s.logger.WarnContext(ctx, "boss health check failed", slog.String("error", err.Error()))
	}

	var (
		candidates []supervisor.QueuedSummary
		fresh      supervisor.Snapshot
	)
	err = s.do(ctx, func(ctx context.Context) error {
		if report != nil && len(report.Directives) > 0 {
			s.applyDirectives(ctx, report.Directives, "boss")
		}
		candidates = s.candidates()
		fresh = s.snapshot()
		return nil
	})
	if err != nil || len(candidates) == 0 {
		return uuid.Nil
	}
	if report != nil && report.Summary != "" {
		s.logger.InfoContext(ctx, "boss health report", slog.String("summary", report.Summary))
	}

	pick, err := s.hooks.Selector.SelectNext(ctx, candidates, fresh)
	if err != nil {
		s.logger.WarnContext(ctx, "boss selection failed", slog.String("error", err.Error()))
		return uuid.Nil
	}
	for _, c := range candidates {
		if c.TicketID == pick {
			return pick
		}
	}
	if pick != uuid.Nil {
		s.logger.WarnContext(ctx, "boss selected a ticket outside the candidates", slog.String("ticket_id", pick.String()))
	}
	return uuid.Nil
}

// candidates lists runnable queued tickets in dispatch order, capped.
func (s *Scheduler) candidates() []supervisor.QueuedSummary {
	var all []*entry
	for _, q := range s.queues {
		for _, e := range q {
			if !e.blocked() {
				all = append(all, e)
			}
		}
	}
	sortQueue(all)
	limit := s.config.selectCandidates()
	out := make([]supervisor.QueuedSummary, 0, min(len(all), limit))
	for _, e := range all {
		if len(out) == limit {
			break
		}
		out = append(out, summarize(e))
	}
	return out
}

// bossTick is the scheduled idle check.
func (s *Scheduler) bossTick(ctx context.Context) {
	if len(s.active) > 0 {
		return
	}
	s.startBoss(ctx, "idle")
}

// RunBoss starts a supervisory cycle now. It returns once the cycle is
// launched, not when it finishes.
func (s *Scheduler) RunBoss(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		s.startBoss(ctx, "manual")
		return nil
	})
}
