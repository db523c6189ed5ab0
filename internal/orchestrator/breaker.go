package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// recordFailure counts a consecutive execution failure and trips the
// breaker at the threshold. While tripped, fillSlots does nothing until the
// cooldown fires or a later completion succeeds.
func (s *Scheduler) recordFailure(ctx context.Context) {
	s.failures++
	if s.tripped || s.failures < s.config.breakerThreshold() {
		return
	}
	s.tripped = true
	s.breakerGen++
	gen := s.breakerGen
	cooldown := s.config.breakerCooldown()
	s.cooldown = s.clock.AfterFunc(cooldown, func() {
		s.post(func(ctx context.Context) { s.resetBreaker(ctx, gen) })
	})
	if s.metrics != nil {
		s.metrics.BreakerTrips.Inc()
		s.metrics.BreakerOpen.Set(1)
	}
	s.logger.ErrorContext(ctx, "circuit breaker tripped",
		slog.Int("consecutive_failures", s.failures),
		slog.Duration("cooldown", cooldown),
	)
	s.audit(ctx, nil, "scheduler", "breaker.tripped", "")
	s.publish(EventBreakerTripped, uuid.Nil, "", "")
}

// recordSuccess resets the failure streak and closes a tripped breaker.
func (s *Scheduler) recordSuccess(ctx context.Context) {
	s.failures = 0
	if !s.tripped {
		return
	}
	if s.cooldown != nil {
		s.cooldown.Stop()
		s.cooldown = nil
	}
	s.tripped = false
	s.closeBreaker(ctx, "success")
}

// resetBreaker runs when the cooldown of trip gen elapses.
func (s *Scheduler) resetBreaker(ctx context.Context, gen int) {
	if !s.tripped || gen != s.breakerGen {
		return
	}
	s.tripped = false
	s.failures = 0
	s.cooldown = nil
	s.closeBreaker(ctx, "cooldown")
	s.fillSlots(ctx)
}

func (s *Scheduler) closeBreaker(ctx context.Context, why string) {
	if s.metrics != nil {
		s.metrics.BreakerOpen.Set(0)
	}
	s.logger.InfoContext(ctx, "circuit breaker reset", slog.String("by", why))
	s.publish(EventBreakerReset, uuid.Nil, "", why)
}
