package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

// State summarises what the scheduler is doing.
type State string

const (
	StateActive  State = "active"  // At least one slot is busy.
	StateWaiting State = "waiting" // Work is queued or held but nothing runs.
	StateIdle    State = "idle"
)

// TeamStatus is one team's queue and capacity.
type TeamStatus struct {
	Team       ticket.Team `json:"team"`
	Pending    int         `json:"pending"`
	Blocked    int         `json:"blocked"`
	Active     int         `json:"active"`
	Cancelled  int         `json:"cancelled"`
	Allocated  int         `json:"allocated"`
	Borrowed   int         `json:"borrowed"`
	Lent       int         `json:"lent"`
	Effective  int         `json:"effective"`
	LastServed *time.Time  `json:"last_served,omitempty"`
}

// HoldStatus is one held ticket.
type HoldStatus struct {
	TicketID uuid.UUID     `json:"ticket_id"`
	Resource string        `json:"resource"`
	Team     ticket.Team   `json:"team"`
	HeldAt   time.Time     `json:"held_at"`
	Timeout  time.Duration `json:"timeout"`
}

// SlotStatus is one ticket in flight.
type SlotStatus struct {
	TicketID  uuid.UUID   `json:"ticket_id"`
	Title     string      `json:"title"`
	Team      ticket.Team `json:"team"`
	StartedAt time.Time   `json:"started_at"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State          State        `json:"state"`
	TotalQueued    int          `json:"total_queued"`
	Active         int          `json:"active"`
	MaxSlots       int          `json:"max_slots"`
	HoldSize       int          `json:"hold_size"`
	IdleMinutes    int          `json:"idle_minutes"`
	BreakerTripped bool         `json:"breaker_tripped"`
	AIMode         AIMode       `json:"ai_mode"`
	ActiveResource string       `json:"active_resource,omitempty"`
	Notepad        string       `json:"notepad,omitempty"`
	Teams          []TeamStatus `json:"teams"`
	Holds          []HoldStatus `json:"holds,omitempty"`
	Slots          []SlotStatus `json:"slots,omitempty"`
}

// Status reports the current scheduler state.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	var out *Status
	err := s.do(ctx, func(context.Context) error {
		out = s.status()
		return nil
	})
	return out, err
}

// IsCircuitBreakerActive reports whether the breaker is tripped.
func (s *Scheduler) IsCircuitBreakerActive(ctx context.Context) (bool, error) {
	var tripped bool
	err := s.do(ctx, func(context.Context) error {
		tripped = s.tripped
		return nil
	})
	return tripped, err
}

func (s *Scheduler) status() *Status {
	st := &Status{
		TotalQueued:    s.totalQueued(),
		Active:         len(s.active),
		MaxSlots:       s.config.maxSlots(),
		HoldSize:       len(s.holds),
		IdleMinutes:    s.idleMinutes(),
		BreakerTripped: s.tripped,
		AIMode:         s.aiMode,
		ActiveResource: s.activeResource,
		Notepad:        s.notepad,
	}
	switch {
	case st.Active > 0:
		st.State = StateActive
	case st.TotalQueued > 0 || st.HoldSize > 0:
		st.State = StateWaiting
	default:
		st.State = StateIdle
	}

	active := s.activeByTeam()
	for _, team := range ticket.Teams {
		ts := s.teams[team]
		row := TeamStatus{
			Team:      team,
			Active:    active[team],
			Cancelled: s.cancelled[team],
			Allocated: ts.Allocated,
			Borrowed:  ts.Borrowed,
			Lent:      ts.Lent,
			Effective: ts.effective(),
		}
		for _, e := range s.queues[team] {
			if e.blocked() {
				row.Blocked++
			} else {
				row.Pending++
			}
		}
		if !ts.LastServed.IsZero() {
			t := ts.LastServed
			row.LastServed = &t
		}
		st.Teams = append(st.Teams, row)
	}
	for _, h := range s.holds {
		st.Holds = append(st.Holds, HoldStatus{
			TicketID: h.TicketID,
			Resource: h.Resource,
			Team:     h.Team,
			HeldAt:   h.HeldAt,
			Timeout:  h.Timeout,
		})
	}
	for _, sl := range s.active {
		st.Slots = append(st.Slots, SlotStatus{
			TicketID:  sl.TicketID,
			Title:     sl.Title,
			Team:      sl.Team,
			StartedAt: sl.StartedAt,
		})
	}
	sort.Slice(st.Slots, func(i, j int) bool { return st.Slots[i].StartedAt.Before(st.Slots[j].StartedAt) })
	return st
}

func (s *Scheduler) idleMinutes() int {
	if s.idleSince.IsZero() {
		return 0
	}
	return int(s.clock.Now().Sub(s.idleSince) / time.Minute)
}

// snapshot is the view handed to supervisor hooks.
func (s *Scheduler) snapshot() supervisor.Snapshot {
	snap := supervisor.Snapshot{
		Allocations:    make(map[ticket.Team]int, len(s.teams)),
		HoldSize:       len(s.holds),
		IdleMinutes:    s.idleMinutes(),
		BreakerTripped: s.tripped,
		AIMode:         string(s.aiMode),
		Notepad:        s.notepad,
	}
	for _, team := range ticket.Teams {
		snap.Allocations[team] = s.teams[team].Allocated
		for _, e := range s.queues[team] {
			snap.Queued = append(snap.Queued, summarize(e))
		}
	}
	for _, sl := range s.active {
		snap.Active = append(snap.Active, supervisor.ActiveSummary{
			TicketID:  sl.TicketID,
			Title:     sl.Title,
			Team:      sl.Team,
			StartedAt: sl.StartedAt,
		})
	}
	return snap
}

func summarize(e *entry) supervisor.QueuedSummary {
	return supervisor.QueuedSummary{
		TicketID:   e.TicketID,
		Title:      e.Title,
		Team:       e.Team,
		Priority:   e.Priority,
		Blocked:    e.blocked(),
		EnqueuedAt: e.EnqueuedAt,
	}
}
