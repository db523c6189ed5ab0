package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/pipeline"
	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

// fillSlots promotes queued entries into free slots, scanning teams
// round-robin from the rotation index. It is a no-op while the breaker is
// tripped or another fill is in progress.
func (s *Scheduler) fillSlots(ctx context.Context) {
	if s.filling || s.tripped {
		return
	}
	s.filling = true
	defer func() { s.filling = false }()

	swaps := 0
	for {
		s.rebalance()
		for len(s.active) < s.config.maxSlots() {
			if !s.fillOne(ctx) {
				break
			}
		}
		if len(s.active) > 0 || s.totalQueued() > 0 || len(s.holds) == 0 || swaps >= s.config.maxSwaps() {
			break
		}
		if !s.swap(ctx) {
			break
		}
		swaps++
	}

	if len(s.active) == 0 && s.idleSince.IsZero() {
		s.idleSince = s.clock.Now()
		s.logger.DebugContext(ctx, "scheduler idle", slog.Int("queued", s.totalQueued()))
	}
	s.observeSlots()
}

// fillOne dispatches at most one entry. Reports whether it did.
func (s *Scheduler) fillOne(ctx context.Context) bool {
	active := s.activeByTeam()
	n := len(ticket.Teams)
	for i := range n {
		idx := (s.rotation + i) % n
		team := ticket.Teams[idx]
		if len(s.queues[team]) == 0 || s.freeCapacity(team, active) <= 0 {
			continue
		}
		e := s.pickEntry(ctx, team)
		if e == nil {
			continue
		}
		if !s.dispatch(ctx, e) {
			continue
		}
		s.rotation = (idx + 1) % n
		return true
	}
	return false
}

// pickEntry returns the first entry of a team queue that may run now.
// Entries whose tickets vanished or went terminal are dropped on the way.
func (s *Scheduler) pickEntry(ctx context.Context, team ticket.Team) *entry {
	now := s.clock.Now()
	for _, e := range append([]*entry(nil), s.queues[team]...) {
		if e.blocked() {
			// Blocked entries sort last; nothing after this one can run.
			return nil
		}
		if _, running := s.active[e.TicketID]; running || now.Before(e.NotBefore) {
			continue
		}
		t, err := s.store.Get(ctx, e.TicketID)
		if err != nil || t.Status.Terminal() {
			s.removeEntry(e.TicketID)
			s.logger.WarnContext(ctx, "dropping stale queue entry",
				slog.String("ticket_id", e.TicketID.String()),
			)
			continue
		}
		if s.gate(ctx, t, team) {
			return e
		}
	}
	return nil
}

// gate applies AI-mode gating. Reports whether the ticket may proceed.
func (s *Scheduler) gate(ctx context.Context, t *ticket.Ticket, team ticket.Team) bool {
	if t.ApprovedForDispatch {
		return true
	}
	switch s.aiMode {
	case ModeManual:
		return false
	case ModeSuggest:
		return s.requestDispatchApproval(ctx, t, team, "suggest mode requires approval before dispatch")
	case ModeHybrid:
		if isFrontend(t) {
			return s.requestDispatchApproval(ctx, t, team, "hybrid mode requires approval for frontend work")
		}
		return true
	default:
		return true
	}
}

func isFrontend(t *ticket.Ticket) bool {
	switch strings.ToLower(t.Category) {
	case "frontend", "ui", "ux", "design":
		return true
	}
	return t.DeliverableType == ticket.DeliverableDesign || t.OperationType == ticket.OpDesign
}

// requestDispatchApproval files a dispatch approval unless one is pending
// or the auto-approver accepts the ticket's shape. Reports whether the
// ticket may proceed now.
func (s *Scheduler) requestDispatchApproval(ctx context.Context, t *ticket.Ticket, team ticket.Team, reason string) bool {
	if ok, why := s.auto.ShouldAutoApprove(approval.KindDispatch, string(team), t.Category); ok {
		approved := true
		if _, err := s.store.Update(ctx, t.ID, ticket.Patch{ApprovedForDispatch: &approved}); err != nil {
			s.logger.WarnContext(ctx, "recording auto-approval failed",
				slog.String("ticket_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
			return false
		}
		s.audit(ctx, &t.ID, "auto-approver", "dispatch.auto_approved", why)
		return true
	}
	if s.approvals == nil {
		return false
	}
	if _, err := s.approvals.Pending(ctx, t.ID, approval.KindDispatch); err == nil {
		return false
	} else if !errors.Is(err, approval.ErrNotFound) {
		s.logger.WarnContext(ctx, "looking up dispatch approval failed",
			slog.String("ticket_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	id, err := s.approvals.Create(ctx, &approval.CreateRequest{
		TicketID: t.ID,
		Kind:     approval.KindDispatch,
		Reason:   reason,
		Team:     string(team),
		Category: t.Category,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "creating dispatch approval failed",
			slog.String("ticket_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	s.publish(EventApprovalRequested, t.ID, team, id)
	return false
}

// dispatch promotes an entry into an active slot and starts its goroutine.
// The entry leaves its queue only once the store accepts the write; on a
// failed write it stays queued behind the reject backoff.
func (s *Scheduler) dispatch(ctx context.Context, e *entry) bool {
	now := s.clock.Now()

	inReview := ticket.StatusInReview
	processing := ticket.ProcessingActive
	t, err := s.store.Update(ctx, e.TicketID, ticket.Patch{
		Status:              &inReview,
		ProcessingStatus:    &processing,
		ProcessingStartedAt: &now,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "marking ticket active failed",
			slog.String("ticket_id", e.TicketID.String()),
			slog.String("error", err.Error()),
		)
		s.deferEntry(e, now)
		return false
	}
	s.removeEntry(e.TicketID)

	e.Pin = 0
	slotCtx, stop := context.WithCancel(ctx)
	sl := &slot{TicketID: e.TicketID, Team: e.Team, Title: e.Title, StartedAt: now, entry: e, stop: stop}
	s.active[e.TicketID] = sl
	s.teams[e.Team].LastServed = now
	s.idleSince = time.Time{}
	snap := s.snapshot()

	if s.metrics != nil {
		s.metrics.Dispatched.WithLabelValues(string(e.Team)).Inc()
	}
	s.logger.InfoContext(ctx, "ticket dispatched",
		slog.String("ticket_id", e.TicketID.String()),
		slog.String("team", string(e.Team)),
		slog.Int("active", len(s.active)),
	)
	s.publish(EventDispatched, e.TicketID, e.Team, "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		s.runSlot(slotCtx, sl, t, snap)
	}()
	return true
}

// deferEntry keeps a queued entry out of fills for the reject backoff and
// arms a fill for when it expires.
func (s *Scheduler) deferEntry(e *entry, now time.Time) {
	e.NotBefore = now.Add(s.config.rejectBackoff())
	s.clock.AfterFunc(s.config.rejectBackoff(), func() {
		s.post(func(ctx context.Context) { s.fillSlots(ctx) })
	})
}

// runSlot validates and executes one ticket, then reports back. Panics in
// hooks or the executor become execution errors.
func (s *Scheduler) runSlot(ctx context.Context, sl *slot, t *ticket.Ticket, snap supervisor.Snapshot) {
	c := completion{slot: sl}
	err := catch(func() {
		notes := ""
		v, err := s.hooks.Validator.ValidateNext(ctx, t, snap)
		switch {
		case err != nil:
			s.logger.WarnContext(ctx, "pre-dispatch validation failed, proceeding",
				slog.String("ticket_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		case v != nil && !v.Approve:
			c.validation = v
			return
		case v != nil:
			if applied := s.applyValidation(ctx, t, v); applied != nil {
				c.result = applied
				return
			}
			notes = v.Notes
		}
		c.result = s.exec.Run(ctx, t.ID, notes)
	})
	if err != nil {
		c.result = &pipeline.Result{TicketID: t.ID, Outcome: pipeline.OutcomeError, Err: err}
	}
	if c.result == nil && c.validation == nil {
		c.result = &pipeline.Result{TicketID: t.ID, Outcome: pipeline.OutcomeError, Err: fmt.Errorf("executor returned no result")}
	}
	select {
	case s.completions <- c:
	case <-ctx.Done():
	}
}

// applyValidation writes an approving validator's overrides. A new blocker
// turns the attempt into a blocked result.
func (s *Scheduler) applyValidation(ctx context.Context, t *ticket.Ticket, v *supervisor.Validation) *pipeline.Result {
	patch := ticket.Patch{}
	if v.Priority != "" && v.Priority != t.Priority {
		p := v.Priority
		patch.Priority = &p
	}
	if v.BlockedBy != nil && *v.BlockedBy != t.ID {
		id := *v.BlockedBy
		patch.BlockingTicketID = &id
	}
	if patch.Priority == nil && patch.BlockingTicketID == nil {
		return nil
	}
	if _, err := s.store.Update(ctx, t.ID, patch); err != nil {
		s.logger.WarnContext(ctx, "applying validation overrides failed",
			slog.String("ticket_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if patch.BlockingTicketID != nil && s.blockerOpen(ctx, *patch.BlockingTicketID) {
		return &pipeline.Result{
			TicketID:  t.ID,
			Outcome:   pipeline.OutcomeBlocked,
			BlockedBy: patch.BlockingTicketID,
			Reason:    "validation set blocker " + patch.BlockingTicketID.String(),
		}
	}
	return nil
}
