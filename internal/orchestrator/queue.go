package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

// entry is the in-memory projection of a queued ticket.
type entry struct {
	TicketID     uuid.UUID
	Title        string
	Team         ticket.Team
	Priority     ticket.Priority
	Operation    ticket.OperationType
	Category     string
	EnqueuedAt   time.Time
	SeqNum       int64
	ErrorRetries int
	BlockedBy    *uuid.UUID
	Pin          int       // Negative when the Boss pinned it; lower runs first.
	NotBefore    time.Time // Set after a validation rejection.
}

func (e *entry) blocked() bool { return e.BlockedBy != nil }

// less orders a team queue: unblocked before blocked, then Boss pins,
// then priority, then FIFO.
func less(a, b *entry) bool {
	if a.blocked() != b.blocked() {
		return !a.blocked()
	}
	if a.Pin != b.Pin {
		return a.Pin < b.Pin
	}
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.SeqNum < b.SeqNum
}

func sortQueue(q []*entry) {
	sort.SliceStable(q, func(i, j int) bool { return less(q[i], q[j]) })
}

// sortAll re-sorts every team queue once directives have changed
// priorities or pins out of band.
func (s *Scheduler) sortAll() {
	for _, q := range s.queues {
		sortQueue(q)
	}
}

// enqueueMode says how an enqueue treats the error-retry counter.
type enqueueMode int

const (
	enqueueFresh   enqueueMode = iota // New submission: counters reset.
	enqueueRetry                      // Retry path: counters kept.
	enqueueRecover                    // Recovery or unblock: counters kept.
)

// enqueue puts a ticket into its team queue. Tickets already queued,
// active or held are left where they are.
func (s *Scheduler) enqueue(ctx context.Context, t *ticket.Ticket, mode enqueueMode) error {
	if t.Ghost {
		return ErrGhost
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, t.Status)
	}
	if s.tracked(t.ID) {
		return nil
	}

	team := t.AssignedTeam
	if !team.Valid() {
		team = s.router.Team(t)
	}

	var blockedBy *uuid.UUID
	patch := ticket.Patch{}
	if t.BlockingTicketID != nil {
		if s.blockerOpen(ctx, *t.BlockingTicketID) {
			id := *t.BlockingTicketID
			blockedBy = &id
		} else {
			patch.ClearBlocking = true
		}
	}

	queued := ticket.ProcessingQueued
	open := ticket.StatusOpen
	patch.ProcessingStatus = &queued
	patch.AssignedTeam = &team
	patch.ClearProcessingAt = true
	if t.Status == ticket.StatusInReview || t.Status == ticket.StatusOnHold {
		patch.Status = &open
	}
	errRetries := t.ErrorRetries
	if mode == enqueueFresh {
		errRetries = 0
		patch.ErrorRetries = &errRetries
	}
	if _, err := s.store.Update(ctx, t.ID, patch); err != nil {
		return fmt.Errorf("marking ticket queued: %w", err)
	}

	e := &entry{
		TicketID:     t.ID,
		Title:        t.Title,
		Team:         team,
		Priority:     t.Priority,
		Operation:    t.OperationType,
		Category:     t.Category,
		EnqueuedAt:   s.clock.Now(),
		SeqNum:       t.SeqNum,
		ErrorRetries: errRetries,
		BlockedBy:    blockedBy,
	}
	s.queues[team] = append(s.queues[team], e)
	sortQueue(s.queues[team])
	s.observeQueues()

	s.logger.InfoContext(ctx, "ticket enqueued",
		slog.String("ticket_id", t.ID.String()),
		slog.String("team", string(team)),
		slog.String("priority", string(t.Priority)),
		slog.Bool("blocked", blockedBy != nil),
	)
	s.publish(EventEnqueued, t.ID, team, string(t.Priority))
	return nil
}

// blockerOpen reports whether a blocking ticket still holds its dependents.
// A missing blocker releases them.
func (s *Scheduler) blockerOpen(ctx context.Context, id uuid.UUID) bool {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return false
	}
	return b.Status != ticket.StatusResolved && b.Status != ticket.StatusCancelled
}

// requeue puts an entry back into a queue as-is, keeping its enqueue time.
func (s *Scheduler) requeue(e *entry) {
	s.queues[e.Team] = append(s.queues[e.Team], e)
	sortQueue(s.queues[e.Team])
	s.observeQueues()
}

// findEntry returns the queued entry for id and its index in its team queue.
func (s *Scheduler) findEntry(id uuid.UUID) (*entry, int) {
	for _, q := range s.queues {
		for i, e := range q {
			if e.TicketID == id {
				return e, i
			}
		}
	}
	return nil, -1
}

// removeEntry takes a ticket out of whatever queue holds it.
func (s *Scheduler) removeEntry(id uuid.UUID) *entry {
	e, i := s.findEntry(id)
	if e == nil {
		return nil
	}
	q := s.queues[e.Team]
	s.queues[e.Team] = append(q[:i:i], q[i+1:]...)
	s.observeQueues()
	return e
}

// tracked reports whether the ticket is in a queue, a slot or the hold list.
func (s *Scheduler) tracked(id uuid.UUID) bool {
	if _, ok := s.active[id]; ok {
		return true
	}
	if e, _ := s.findEntry(id); e != nil {
		return true
	}
	return s.findHold(id) != nil
}

func (s *Scheduler) totalQueued() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// pin moves a queued ticket to the front of its queue.
func (s *Scheduler) pin(id uuid.UUID) bool {
	e, _ := s.findEntry(id)
	if e == nil {
		return false
	}
	s.pinSeq--
	e.Pin = s.pinSeq
	sortQueue(s.queues[e.Team])
	return true
}

// unblockDependents clears blocking references held by a resolved ticket
// and re-queues dependents that are not already tracked.
func (s *Scheduler) unblockDependents(ctx context.Context, blockerID uuid.UUID) {
	deps, err := s.store.Dependents(ctx, blockerID)
	if err != nil {
		s.logger.WarnContext(ctx, "listing dependents failed",
			slog.String("ticket_id", blockerID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	for i := range deps {
		dep := &deps[i]
		if dep.Status.Terminal() {
			continue
		}
		if _, err := s.store.Update(ctx, dep.ID, ticket.Patch{ClearBlocking: true}); err != nil {
			s.logger.WarnContext(ctx, "clearing blocking reference failed",
				slog.String("ticket_id", dep.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if e, _ := s.findEntry(dep.ID); e != nil {
			e.BlockedBy = nil
			sortQueue(s.queues[e.Team])
			s.publish(EventUnblocked, dep.ID, e.Team, blockerID.String())
			continue
		}
		if s.tracked(dep.ID) || dep.ProcessingStatus == ticket.ProcessingAwaitingUser {
			continue
		}
		dep.BlockingTicketID = nil
		if err := s.enqueue(ctx, dep, enqueueRecover); err != nil {
			s.logger.WarnContext(ctx, "re-queueing dependent failed",
				slog.String("ticket_id", dep.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.publish(EventUnblocked, dep.ID, "", blockerID.String())
	}
}

// enqueueChildren schedules children that were waiting on their parent.
func (s *Scheduler) enqueueChildren(ctx context.Context, parentID uuid.UUID) {
	children, err := s.store.Children(ctx, parentID)
	if err != nil {
		s.logger.WarnContext(ctx, "listing children failed",
			slog.String("ticket_id", parentID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	for i := range children {
		c := &children[i]
		if c.Ghost || c.Status.Terminal() || s.tracked(c.ID) {
			continue
		}
		if c.ProcessingStatus == ticket.ProcessingAwaitingUser || c.Status == ticket.StatusOnHold {
			continue
		}
		if err := s.enqueue(ctx, c, enqueueRecover); err != nil {
			s.logger.WarnContext(ctx, "enqueueing child failed",
				slog.String("ticket_id", c.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
