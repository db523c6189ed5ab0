package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/notification"
	"github.com/jkaninda/kazi/internal/pipeline"
	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

// handleCompletion applies the outcome of one slot. Results for tickets
// that are no longer active (cancelled, escalated by directive) are dropped.
func (s *Scheduler) handleCompletion(ctx context.Context, c completion) {
	sl := c.slot
	if cur, ok := s.active[sl.TicketID]; !ok || cur != sl {
		s.logger.InfoContext(ctx, "discarding result for untracked ticket",
			slog.String("ticket_id", sl.TicketID.String()),
		)
		return
	}
	delete(s.active, sl.TicketID)
	s.observeSlots()

	if c.validation != nil {
		s.onRejected(ctx, sl, c.validation)
		s.fillSlots(ctx)
		return
	}

	res := c.result
	if s.metrics != nil {
		s.metrics.Completions.WithLabelValues(string(res.Outcome)).Inc()
	}
	s.logger.InfoContext(ctx, "slot completed",
		slog.String("ticket_id", sl.TicketID.String()),
		slog.String("team", string(sl.Team)),
		slog.String("outcome", string(res.Outcome)),
		slog.Duration("duration", s.clock.Now().Sub(sl.StartedAt)),
	)

	switch res.Outcome {
	case pipeline.OutcomeResolved:
		s.recordSuccess(ctx)
		s.resolve(ctx, sl.TicketID, res.NeedsManualReview, "pipeline")
	case pipeline.OutcomeNeedsRework:
		s.recordSuccess(ctx)
		s.retryVerification(ctx, sl.TicketID, res.Reason, res.Output, nil)
	case pipeline.OutcomeHeldForReview:
		s.recordSuccess(ctx)
		s.holdForReview(ctx, sl.TicketID, res)
	case pipeline.OutcomeEscalated:
		s.recordSuccess(ctx)
		if t, err := s.store.Get(ctx, sl.TicketID); err == nil {
			s.escalate(ctx, t, "assessment escalated: "+res.Reason)
		}
	case pipeline.OutcomeBlocked:
		s.onBlocked(ctx, sl, res.BlockedBy)
	case pipeline.OutcomeSkipped:
		s.logger.InfoContext(ctx, "attempt skipped",
			slog.String("ticket_id", sl.TicketID.String()),
			slog.String("reason", res.Reason),
		)
	default:
		s.recordFailure(ctx)
		s.retryError(ctx, sl.TicketID, res)
	}

	if res.Outcome != pipeline.OutcomeSkipped && len(res.Actions) > 0 {
		s.applyDirectives(ctx, res.Actions, "agent")
	}
	s.kick(ctx)
}

// resolve marks a ticket resolved, releases its dependents and schedules
// its children.
func (s *Scheduler) resolve(ctx context.Context, id uuid.UUID, manualReview bool, actor string) {
	resolved := ticket.StatusResolved
	none := ticket.ProcessingNone
	empty := ""
	patch := ticket.Patch{
		Status:            &resolved,
		ProcessingStatus:  &none,
		LastError:         &empty,
		ClearProcessingAt: true,
	}
	if manualReview {
		patch.NeedsManualReview = &manualReview
	}
	t, err := s.store.Update(ctx, id, patch)
	if err != nil {
		s.logger.ErrorContext(ctx, "marking ticket resolved failed",
			slog.String("ticket_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.audit(ctx, &id, actor, "ticket.resolved", fmt.Sprintf("manual_review=%t", manualReview))
	s.publish(EventResolved, id, t.AssignedTeam, "")

	s.unblockDependents(ctx, id)
	s.enqueueChildren(ctx, id)
}

// retryVerification counts a verification failure and either re-queues the
// ticket with the failure recorded for the next attempt or escalates it.
func (s *Scheduler) retryVerification(ctx context.Context, id uuid.UUID, reason, output string, suggestions []string) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "loading ticket for retry failed",
			slog.String("ticket_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	limit := s.config.maxTicketRetries()
	n := t.VerificationRetries + 1
	if _, err := s.store.Update(ctx, id, ticket.Patch{VerificationRetries: &n, LastError: &reason}); err != nil {
		s.logger.ErrorContext(ctx, "recording verification retry failed",
			slog.String("ticket_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	t.VerificationRetries = n
	t.LastError = reason

	if n >= limit {
		s.escalate(ctx, t, fmt.Sprintf("verification failed %d times: %s", n, reason))
		return
	}

	s.addNote(ctx, id, ticket.DiagnosticNote{
		Author:           "scheduler",
		Note:             fmt.Sprintf("Verification failed (attempt %d of %d): %s", n, limit, reason),
		ErrorContext:     truncate(output, 2000),
		SuggestedActions: suggestions,
	})
	if s.metrics != nil {
		s.metrics.Retries.WithLabelValues("verification").Inc()
	}
	s.publish(EventRetry, id, t.AssignedTeam, fmt.Sprintf("verification %d/%d", n, limit))
	if err := s.enqueue(ctx, t, enqueueRetry); err != nil {
		s.logger.ErrorContext(ctx, "re-queueing after verification failure failed",
			slog.String("ticket_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// retryError counts an execution error on its own counter and either
// re-queues the ticket with remediation suggestions or escalates it.
func (s *Scheduler) retryError(ctx context.Context, id uuid.UUID, res *pipeline.Result) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "loading ticket for error retry failed",
			slog.String("ticket_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	msg := res.Reason
	if res.Err != nil {
		msg = res.Err.Error()
	}
	if msg == "" {
		msg = "unknown execution error"
	}

	limit := s.config.maxErrorRetries()
	n := t.ErrorRetries + 1
	if _, err := s.store.Update(ctx, id, ticket.Patch{ErrorRetries: &n, LastError: &msg}); err != nil {
		s.logger.ErrorContext(ctx, "recording error retry failed",
			slog.String("ticket_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	t.ErrorRetries = n
	t.LastError = msg

	if n >= limit {
		s.escalate(ctx, t, fmt.Sprintf("execution failed %d times: %s", n, msg))
		return
	}

	s.addNote(ctx, id, ticket.DiagnosticNote{
		Author:           "scheduler",
		Note:             fmt.Sprintf("Execution error (attempt %d of %d)", n, limit),
		ErrorContext:     msg,
		SuggestedActions: pipeline.Remediation(msg),
	})
	if s.metrics != nil {
		s.metrics.Retries.WithLabelValues("error").Inc()
	}
	s.publish(EventRetry, id, t.AssignedTeam, fmt.Sprintf("error %d/%d", n, limit))
	if err := s.enqueue(ctx, t, enqueueRetry); err != nil {
		s.logger.ErrorContext(ctx, "re-queueing after execution error failed",
			slog.String("ticket_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// escalate hands a ticket to a human. The ghost ticket is written in the
// background because the explainer may call an agent.
func (s *Scheduler) escalate(ctx context.Context, t *ticket.Ticket, reason string) {
	escalated := ticket.StatusEscalated
	awaiting := ticket.ProcessingAwaitingUser
	updated, err := s.store.Update(ctx, t.ID, ticket.Patch{
		Status:            &escalated,
		ProcessingStatus:  &awaiting,
		LastError:         &reason,
		ClearProcessingAt: true,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "marking ticket escalated failed",
			slog.String("ticket_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.audit(ctx, &t.ID, "scheduler", "ticket.escalated", reason)
	if s.metrics != nil {
		s.metrics.Escalations.Inc()
	}
	s.logger.WarnContext(ctx, "ticket escalated",
		slog.String("ticket_id", t.ID.String()),
		slog.String("reason", reason),
	)
	s.publish(EventEscalated, t.ID, updated.AssignedTeam, reason)

	s.background(ctx, "ghost-ticket", func(ctx context.Context) {
		if _, err := s.fileGhost(ctx, updated, reason); err != nil {
			s.logger.ErrorContext(ctx, "filing ghost ticket failed",
				slog.String("ticket_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	})
}

// fileGhost creates the human-facing escalation record: a plain-language
// explanation followed by the full technical context.
func (s *Scheduler) fileGhost(ctx context.Context, t *ticket.Ticket, reason string) (*ticket.Ticket, error) {
	notes, err := s.store.DiagnosticNotes(ctx, t.ID)
	if err != nil {
		notes = nil
	}
	technical := technicalContext(t, reason, notes)

	plain, err := s.hooks.Explainer.Explain(ctx, t, technical)
	if err != nil || strings.TrimSpace(plain) == "" {
		plain = plainExplanation(t, reason)
	}

	parent := t.ID
	awaiting := ticket.ProcessingAwaitingUser
	ghost := &ticket.Ticket{
		Title:            "[Escalation] " + t.Title,
		Body:             "## What happened\n\n" + plain + "\n\n## Technical context\n\n" + technical,
		Priority:         ticket.P1,
		Status:           ticket.StatusOpen,
		ProcessingStatus: awaiting,
		AssignedTeam:     t.AssignedTeam,
		OperationType:    t.OperationType,
		Category:         t.Category,
		ParentTicketID:   &parent,
		Ghost:            true,
	}
	if err := s.store.Create(ctx, ghost); err != nil {
		return nil, fmt.Errorf("creating ghost ticket: %w", err)
	}
	if err := s.store.AddReply(ctx, t.ID, "scheduler",
		fmt.Sprintf("Escalated to a human. Follow-up ticket #%d (%s).", ghost.SeqNum, ghost.ID)); err != nil {
		s.logger.WarnContext(ctx, "linking ghost ticket failed", slog.String("error", err.Error()))
	}
	s.publish(EventGhostCreated, ghost.ID, ghost.AssignedTeam, t.ID.String())
	s.notify(ctx, &notification.Message{
		Subject:  "Ticket escalated: " + t.Title,
		Body:     plain,
		TicketID: &parent,
		Metadata: map[string]string{"ghost_ticket_id": ghost.ID.String(), "reason": reason},
	})
	return ghost, nil
}

func plainExplanation(t *ticket.Ticket, reason string) string {
	return fmt.Sprintf(
		"The ticket %q could not be finished automatically. The scheduler tried it %d time(s) "+
			"with failing checks and hit %d execution error(s) before it stopped retrying.\n\n"+
			"Last problem: %s\n\n"+
			"Someone needs to look at the output below, clarify or adjust the request, and then "+
			"resolve the ticket or send it back to the queue.",
		t.Title, t.VerificationRetries, t.ErrorRetries, reason)
}

func technicalContext(t *ticket.Ticket, reason string, notes []ticket.DiagnosticNote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Ticket: #%d %s\n", t.SeqNum, t.ID)
	fmt.Fprintf(&b, "- Team: %s, operation: %s", t.AssignedTeam, t.OperationType)
	if t.DeliverableType != "" {
		fmt.Fprintf(&b, ", deliverable: %s", t.DeliverableType)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- Verification retries: %d, error retries: %d\n", t.VerificationRetries, t.ErrorRetries)
	fmt.Fprintf(&b, "- Escalation reason: %s\n", reason)
	if t.LastError != "" && t.LastError != reason {
		fmt.Fprintf(&b, "- Last error: %s\n", t.LastError)
	}
	if t.TreeRoute != "" {
		fmt.Fprintf(&b, "- Route: %s\n", t.TreeRoute)
	}
	if len(notes) > 0 {
		b.WriteString("\n### Diagnostic notes\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "\n- [%s] %s: %s\n", n.CreatedAt.Format("2006-01-02 15:04:05"), n.Author, n.Note)
			if n.ErrorContext != "" {
				fmt.Fprintf(&b, "  context: %s\n", truncate(n.ErrorContext, 500))
			}
			for _, a := range n.SuggestedActions {
				fmt.Fprintf(&b, "  suggestion: %s\n", a)
			}
		}
	}
	return b.String()
}

// holdForReview parks a ticket the reviewer escalated and files a review
// approval for a human.
func (s *Scheduler) holdForReview(ctx context.Context, id uuid.UUID, res *pipeline.Result) {
	onHold := ticket.StatusOnHold
	awaiting := ticket.ProcessingAwaitingUser
	t, err := s.store.Update(ctx, id, ticket.Patch{
		Status:            &onHold,
		ProcessingStatus:  &awaiting,
		ClearProcessingAt: true,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "holding ticket for review failed",
			slog.String("ticket_id", id.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	question := res.Question
	if question == "" {
		question = "Is this output acceptable?"
	}
	if s.approvals != nil {
		if _, err := s.approvals.Create(ctx, &approval.CreateRequest{
			TicketID: id,
			Kind:     approval.KindReview,
			Reason:   res.Reason,
			Question: question,
			Team:     string(t.AssignedTeam),
			Category: t.Category,
		}); err != nil {
			s.logger.ErrorContext(ctx, "creating review approval failed",
				slog.String("ticket_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.store.AddReply(ctx, id, "reviewer", "Held for human review: "+question); err != nil {
		s.logger.WarnContext(ctx, "recording review question failed", slog.String("error", err.Error()))
	}
	s.audit(ctx, &id, "reviewer", "ticket.held_for_review", res.Reason)
	s.publish(EventHeldForReview, id, t.AssignedTeam, question)
	s.background(ctx, "review-notification", func(ctx context.Context) {
		s.notify(ctx, &notification.Message{
			Subject:  "Review needed: " + t.Title,
			Body:     question + "\n\n" + res.Reason,
			TicketID: &t.ID,
		})
	})
}

// onBlocked moves a ticket whose blocker is still open to the back of its queue.
func (s *Scheduler) onBlocked(ctx context.Context, sl *slot, blockedBy *uuid.UUID) {
	e := sl.entry
	e.EnqueuedAt = s.clock.Now()
	e.Pin = 0
	e.BlockedBy = nil
	if blockedBy != nil && s.blockerOpen(ctx, *blockedBy) {
		id := *blockedBy
		e.BlockedBy = &id
	}
	if err := s.markQueued(ctx, e.TicketID); err != nil {
		s.logger.ErrorContext(ctx, "marking blocked ticket queued failed",
			slog.String("ticket_id", e.TicketID.String()),
			slog.String("error", err.Error()),
		)
	}
	s.requeue(e)
	s.publish(EventBlocked, e.TicketID, e.Team, fmt.Sprint(blockedBy))
}

// onRejected moves a ticket pre-dispatch validation turned down to the back
// of its queue and keeps it out of the next fills for a backoff period.
func (s *Scheduler) onRejected(ctx context.Context, sl *slot, v *supervisor.Validation) {
	e := sl.entry
	now := s.clock.Now()
	e.EnqueuedAt = now
	e.Pin = 0

	patch := ticket.Patch{}
	if v.Priority != "" {
		p := v.Priority
		patch.Priority = &p
		e.Priority = p
	}
	if v.BlockedBy != nil && *v.BlockedBy != e.TicketID {
		id := *v.BlockedBy
		patch.BlockingTicketID = &id
		if s.blockerOpen(ctx, id) {
			e.BlockedBy = &id
		}
	}
	queued := ticket.ProcessingQueued
	open := ticket.StatusOpen
	patch.ProcessingStatus = &queued
	patch.Status = &open
	patch.ClearProcessingAt = true
	if _, err := s.store.Update(ctx, e.TicketID, patch); err != nil {
		s.logger.ErrorContext(ctx, "marking rejected ticket queued failed",
			slog.String("ticket_id", e.TicketID.String()),
			slog.String("error", err.Error()),
		)
	}
	s.deferEntry(e, now)
	s.requeue(e)
	s.audit(ctx, &e.TicketID, "validator", "dispatch.rejected", v.Notes)
	s.publish(EventRejected, e.TicketID, e.Team, v.Notes)
}

func (s *Scheduler) markQueued(ctx context.Context, id uuid.UUID) error {
	queued := ticket.ProcessingQueued
	open := ticket.StatusOpen
	_, err := s.store.Update(ctx, id, ticket.Patch{
		Status:            &open,
		ProcessingStatus:  &queued,
		ClearProcessingAt: true,
	})
	return err
}

func (s *Scheduler) addNote(ctx context.Context, id uuid.UUID, note ticket.DiagnosticNote) {
	note.ID = uuid.New()
	note.TicketID = id
	note.CreatedAt = s.clock.Now().UTC()
	if err := s.store.AddDiagnosticNote(ctx, id, note); err != nil {
		s.logger.WarnContext(ctx, "adding diagnostic note failed",
			slog.String("ticket_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) notify(ctx context.Context, msg *notification.Message) {
	if s.notifier == nil {
		return
	}
	for channel, err := range s.notifier.Notify(ctx, msg) {
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "notification failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
