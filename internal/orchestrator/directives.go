package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/directive"
	"github.com/jkaninda/kazi/internal/ticket"
)

// applyDirectives parses and applies directives in order. Invalid or
// failing directives are logged and skipped; the rest still apply.
func (s *Scheduler) applyDirectives(ctx context.Context, raws []json.RawMessage, source string) {
	ds, errs := directive.ParseAll(raws)
	for _, err := range errs {
		if s.metrics != nil {
			s.metrics.Directives.WithLabelValues("unknown", "invalid").Inc()
		}
		s.logger.WarnContext(ctx, "ignoring invalid directive",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
	}
	for _, d := range ds {
		if err := s.applyDirective(ctx, d, source); err != nil {
			s.logger.WarnContext(ctx, "directive failed",
				slog.String("source", source),
				slog.String("kind", string(d.Kind())),
				slog.String("error", err.Error()),
			)
		}
	}
}

// applyDirective runs one directive on the loop and records it.
func (s *Scheduler) applyDirective(ctx context.Context, d directive.Directive, source string) error {
	target, err := s.execDirective(ctx, d, source)
	status := "applied"
	detail := string(d.Kind())
	if err != nil {
		status = "failed"
		detail += ": " + err.Error()
	}
	if s.metrics != nil {
		s.metrics.Directives.WithLabelValues(string(d.Kind()), status).Inc()
	}
	s.audit(ctx, target, source, "directive."+string(d.Kind()), detail)
	if target != nil {
		s.publish(EventDirective, *target, "", detail)
	} else {
		s.publish(EventDirective, uuid.Nil, "", detail)
	}
	return err
}

func (s *Scheduler) execDirective(ctx context.Context, d directive.Directive, source string) (*uuid.UUID, error) {
	switch d := d.(type) {
	case directive.CreateTicket:
		t := &ticket.Ticket{
			Title:            d.Title,
			Body:             d.Body,
			Priority:         d.Priority,
			OperationType:    d.OperationType,
			DeliverableType:  d.DeliverableType,
			Category:         d.Category,
			ParentTicketID:   d.ParentTicketID,
			BlockingTicketID: d.BlockingTicketID,
		}
		if err := s.submit(ctx, t); err != nil {
			return nil, err
		}
		return &t.ID, nil

	case directive.Escalate:
		t, err := s.store.Get(ctx, d.TicketID)
		if err != nil {
			return &d.TicketID, err
		}
		if t.Status.Terminal() {
			return &d.TicketID, fmt.Errorf("%w: %s", ErrTerminal, t.Status)
		}
		s.forget(d.TicketID)
		s.escalate(ctx, t, source+" escalated: "+d.Reason)
		return &d.TicketID, nil

	case directive.Log:
		s.logger.Log(ctx, logLevel(d.Level), d.Message, slog.String("source", source))
		return nil, nil

	case directive.DispatchAgent:
		return &d.TicketID, s.dispatchNow(ctx, d.TicketID, d.Agent)

	case directive.Reprioritize:
		p := d.Priority
		if _, err := s.store.Update(ctx, d.TicketID, ticket.Patch{Priority: &p}); err != nil {
			return &d.TicketID, err
		}
		if e, _ := s.findEntry(d.TicketID); e != nil {
			e.Priority = p
			sortQueue(s.queues[e.Team])
		}
		return &d.TicketID, nil

	case directive.ReorderQueue:
		for i := len(d.TicketIDs) - 1; i >= 0; i-- {
			id := d.TicketIDs[i]
			if e, _ := s.findEntry(id); e == nil || e.Team != d.Team {
				continue
			}
			s.pin(id)
		}
		return nil, nil

	case directive.HoldTicket:
		timeout := time.Duration(d.TimeoutSeconds) * time.Second
		return &d.TicketID, s.hold(ctx, d.TicketID, d.Resource, timeout)

	case directive.UpdateNotepad:
		s.notepad = d.Content
		return nil, nil

	case directive.CancelTicket:
		reason := d.Reason
		if reason == "" {
			reason = "cancelled by " + source
		}
		return &d.TicketID, s.cancelTicket(ctx, d.TicketID, reason)

	case directive.MoveToQueue:
		return &d.TicketID, s.moveToQueue(ctx, d.TicketID, d.Team)

	case directive.UpdateSlotAllocation:
		next := make(map[ticket.Team]int, len(s.teams))
		for team, ts := range s.teams {
			next[team] = ts.Allocated
		}
		maps.Copy(next, d.Allocations)
		return nil, s.setAllocations(next)

	case directive.AssignTask:
		criteria := d.Criteria
		t := &ticket.Ticket{
			Title:          d.Title,
			Body:           d.Body,
			Priority:       d.Priority,
			ParentTicketID: d.ParentTicketID,
			Agent:          d.Agent,
			Criteria:       &criteria,
		}
		if err := s.submit(ctx, t); err != nil {
			return nil, err
		}
		return &t.ID, nil

	case directive.EscalateToBoss:
		s.addNote(ctx, d.TicketID, ticket.DiagnosticNote{
			Author: source,
			Note:   "Escalated to the Boss: " + d.Reason,
		})
		s.startBoss(ctx, "escalation")
		return &d.TicketID, nil

	case directive.CallSupportAgent:
		return &d.TicketID, s.callSupport(ctx, d)

	case directive.BlockTicket:
		blocker := d.BlockedBy
		if _, err := s.store.Update(ctx, d.TicketID, ticket.Patch{BlockingTicketID: &blocker}); err != nil {
			return &d.TicketID, err
		}
		if e, _ := s.findEntry(d.TicketID); e != nil && s.blockerOpen(ctx, blocker) {
			e.BlockedBy = &blocker
			sortQueue(s.queues[e.Team])
		}
		return &d.TicketID, nil

	case directive.SaveDocument:
		doc := &ticket.Document{
			ID:        uuid.New(),
			TicketID:  d.TicketID,
			Title:     d.Title,
			Content:   d.Content,
			CreatedAt: s.clock.Now().UTC(),
		}
		return d.TicketID, s.store.SaveDocument(ctx, doc)

	case directive.AddNote:
		if _, err := s.store.Get(ctx, d.TicketID); err != nil {
			return &d.TicketID, err
		}
		s.addNote(ctx, d.TicketID, ticket.DiagnosticNote{Author: source, Note: d.Note})
		return &d.TicketID, nil

	case directive.AddReference:
		_, err := s.store.Update(ctx, d.TicketID, ticket.Patch{AddReferences: []string{d.Reference}})
		return &d.TicketID, err

	case directive.UpdateStage:
		stage := d.Stage
		_, err := s.store.Update(ctx, d.TicketID, ticket.Patch{Stage: &stage})
		return &d.TicketID, err

	default:
		return nil, fmt.Errorf("%w: %s", directive.ErrUnknownKind, d.Kind())
	}
}

// submit creates a ticket with defaults filled and schedules it. Children
// of unresolved parents wait for the parent to resolve.
func (s *Scheduler) submit(ctx context.Context, t *ticket.Ticket) error {
	if t.Ghost {
		return ErrGhost
	}
	if t.Priority == "" {
		t.Priority = ticket.P2
	}
	if t.OperationType == "" {
		t.OperationType = ticket.OpGeneral
	}
	t.Status = ticket.StatusOpen
	t.ProcessingStatus = ticket.ProcessingNone
	if err := s.store.Create(ctx, t); err != nil {
		return fmt.Errorf("creating ticket: %w", err)
	}
	if s.waitingOnParent(ctx, t) {
		s.logger.InfoContext(ctx, "ticket waits for its parent",
			slog.String("ticket_id", t.ID.String()),
			slog.String("parent_id", t.ParentTicketID.String()),
		)
		return nil
	}
	return s.enqueue(ctx, t, enqueueFresh)
}

// waitingOnParent reports whether t has a parent that is still open.
// Missing or closed parents do not hold children back.
func (s *Scheduler) waitingOnParent(ctx context.Context, t *ticket.Ticket) bool {
	if t.ParentTicketID == nil {
		return false
	}
	p, err := s.store.Get(ctx, *t.ParentTicketID)
	if err != nil {
		return false
	}
	return !p.Status.Terminal()
}

// dispatchNow clears gating for a ticket, optionally pins an agent, and
// moves it to the front of its queue.
func (s *Scheduler) dispatchNow(ctx context.Context, id uuid.UUID, agent string) error {
	approved := true
	patch := ticket.Patch{ApprovedForDispatch: &approved}
	if agent != "" {
		patch.Agent = &agent
	}
	t, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return err
	}
	if _, running := s.active[id]; running {
		return nil
	}
	if !s.tracked(id) {
		if err := s.enqueue(ctx, t, enqueueFresh); err != nil {
			return err
		}
	}
	s.pin(id)
	return nil
}

// forget drops a ticket from the queues, the hold list and the slot table.
// A result that later arrives for a forgotten slot is discarded.
func (s *Scheduler) forget(id uuid.UUID) (ticket.Team, bool) {
	if e := s.removeEntry(id); e != nil {
		return e.Team, true
	}
	if h := s.findHold(id); h != nil {
		s.dropHold(h)
		if h.timer != nil {
			h.timer.Stop()
		}
		return h.Team, true
	}
	if sl, ok := s.active[id]; ok {
		delete(s.active, id)
		if sl.stop != nil {
			sl.stop()
		}
		s.observeSlots()
		return sl.Team, true
	}
	return "", false
}

// cancelTicket cancels a ticket wherever it is and releases its dependents.
func (s *Scheduler) cancelTicket(ctx context.Context, id uuid.UUID, reason string) error {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, t.Status)
	}
	team, _ := s.forget(id)
	if team == "" {
		team = t.AssignedTeam
	}
	cancelled := ticket.StatusCancelled
	none := ticket.ProcessingNone
	if _, err := s.store.Update(ctx, id, ticket.Patch{
		Status:            &cancelled,
		ProcessingStatus:  &none,
		LastError:         &reason,
		ClearProcessingAt: true,
	}); err != nil {
		return fmt.Errorf("marking ticket cancelled: %w", err)
	}
	if team.Valid() {
		s.cancelled[team]++
	}
	s.audit(ctx, &id, "scheduler", "ticket.cancelled", reason)
	s.logger.InfoContext(ctx, "ticket cancelled",
		slog.String("ticket_id", id.String()),
		slog.String("reason", reason),
	)
	s.publish(EventCancelled, id, team, reason)
	s.unblockDependents(ctx, id)
	return nil
}

func (s *Scheduler) moveToQueue(ctx context.Context, id uuid.UUID, team ticket.Team) error {
	if !team.Valid() {
		return fmt.Errorf("unknown team %q", team)
	}
	if _, err := s.store.Update(ctx, id, ticket.Patch{AssignedTeam: &team}); err != nil {
		return err
	}
	if e := s.removeEntry(id); e != nil {
		e.Team = team
		s.requeue(e)
		return nil
	}
	if h := s.findHold(id); h != nil {
		h.Team = team
	}
	return nil
}

// setAllocations replaces every team's allocation.
func (s *Scheduler) setAllocations(next map[ticket.Team]int) error {
	total := 0
	for team, n := range next {
		if !team.Valid() {
			return fmt.Errorf("unknown team %q", team)
		}
		if n < 0 {
			return fmt.Errorf("negative allocation for team %s", team)
		}
		total += n
	}
	if total > s.config.maxSlots() {
		return fmt.Errorf("allocations total %d exceeds max slots %d", total, s.config.maxSlots())
	}
	for _, team := range ticket.Teams {
		s.teams[team].Allocated = next[team]
	}
	s.rebalance()
	return nil
}

// callSupport asks a support agent for help. Async requests become a child
// ticket pinned to the agent; sync requests attach the agent's reply.
func (s *Scheduler) callSupport(ctx context.Context, d directive.CallSupportAgent) error {
	parent, err := s.store.Get(ctx, d.TicketID)
	if err != nil {
		return err
	}
	if d.Async {
		pid := parent.ID
		child := &ticket.Ticket{
			Title:          fmt.Sprintf("Support (%s): %s", d.Agent, parent.Title),
			Body:           d.Message,
			Priority:       parent.Priority,
			OperationType:  ticket.OpResearch,
			Category:       parent.Category,
			ParentTicketID: &pid,
			Agent:          d.Agent,
			Status:         ticket.StatusOpen,
		}
		if err := s.store.Create(ctx, child); err != nil {
			return fmt.Errorf("creating support ticket: %w", err)
		}
		return s.enqueue(ctx, child, enqueueFresh)
	}
	if s.inv == nil {
		return errors.New("no invoker configured for support calls")
	}
	s.background(ctx, "support-call", func(ctx context.Context) {
		resp, err := s.inv.Call(ctx, d.Agent, d.Message)
		if err != nil {
			s.logger.WarnContext(ctx, "support agent call failed",
				slog.String("agent", d.Agent),
				slog.String("ticket_id", d.TicketID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		body := strings.TrimSpace(resp.Content)
		if body == "" {
			return
		}
		if err := s.store.AddReply(ctx, d.TicketID, d.Agent, body); err != nil {
			s.logger.WarnContext(ctx, "recording support reply failed",
				slog.String("ticket_id", d.TicketID.String()),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
