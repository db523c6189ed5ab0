package directive

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func requireTicket(id uuid.UUID) error {
	if id == uuid.Nil {
		return invalid("ticket_id is required")
	}
	return nil
}

func validPriority(p ticket.Priority) error {
	if p == "" || p.Rank() < 4 {
		return nil
	}
	return invalid("unknown priority %q", p)
}

func (d CreateTicket) Validate() error {
	if d.Title == "" {
		return invalid("title is required")
	}
	return validPriority(d.Priority)
}

func (d Escalate) Validate() error { return requireTicket(d.TicketID) }

func (d Log) Validate() error {
	if d.Message == "" {
		return invalid("message is required")
	}
	switch d.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return invalid("unknown log level %q", d.Level)
}

func (d DispatchAgent) Validate() error { return requireTicket(d.TicketID) }

func (d Reprioritize) Validate() error {
	if err := requireTicket(d.TicketID); err != nil {
		return err
	}
	if d.Priority == "" {
		return invalid("priority is required")
	}
	return validPriority(d.Priority)
}

func (d ReorderQueue) Validate() error {
	if !d.Team.Valid() {
		return invalid("unknown team %q", d.Team)
	}
	if len(d.TicketIDs) == 0 {
		return invalid("ticket_ids is empty")
	}
	return nil
}

func (d HoldTicket) Validate() error {
	if err := requireTicket(d.TicketID); err != nil {
		return err
	}
	if d.Resource == "" {
		return invalid("resource is required")
	}
	if d.TimeoutSeconds < 0 {
		return invalid("timeout_seconds must not be negative")
	}
	return nil
}

func (d UpdateNotepad) Validate() error { return nil }

func (d CancelTicket) Validate() error { return requireTicket(d.TicketID) }

func (d MoveToQueue) Validate() error {
	if err := requireTicket(d.TicketID); err != nil {
		return err
	}
	if !d.Team.Valid() {
		return invalid("unknown team %q", d.Team)
	}
	return nil
}

func (d UpdateSlotAllocation) Validate() error {
	if len(d.Allocations) == 0 {
		return invalid("allocations is empty")
	}
	for team, n := range d.Allocations {
		if !team.Valid() {
			return invalid("unknown team %q", team)
		}
		if n < 0 {
			return invalid("allocation for %s is negative", team)
		}
	}
	return nil
}

func (d AssignTask) Validate() error {
	if d.Agent == "" {
		return invalid("agent is required")
	}
	if d.Title == "" {
		return invalid("title is required")
	}
	switch d.Criteria.Method {
	case ticket.CriteriaSubstringMatch, ticket.CriteriaFileExists:
		if d.Criteria.Value == "" {
			return invalid("criteria %s needs a value", d.Criteria.Method)
		}
	case ticket.CriteriaTicketResolved, ticket.CriteriaInfoGathered, ticket.CriteriaManual:
	default:
		return invalid("unknown criteria method %q", d.Criteria.Method)
	}
	return validPriority(d.Priority)
}

func (d EscalateToBoss) Validate() error { return requireTicket(d.TicketID) }

func (d CallSupportAgent) Validate() error {
	if err := requireTicket(d.TicketID); err != nil {
		return err
	}
	if d.Agent == "" {
		return invalid("agent is required")
	}
	return nil
}

func (d BlockTicket) Validate() error {
	if err := requireTicket(d.TicketID); err != nil {
		return err
	}
	if d.BlockedBy == uuid.Nil {
		return invalid("blocked_by is required")
	}
	if d.BlockedBy == d.TicketID {
		return invalid("ticket cannot block itself")
	}
	return nil
}

func (d SaveDocument) Validate() error {
	if d.Title == "" {
		return invalid("title is required")
	}
	return nil
}

func (d AddNote) Validate() error {
	if err := requireTicket(d.TicketID); err != nil {
		return err
	}
	if d.Note == "" {
		return invalid("note is required")
	}
	return nil
}

func (d AddReference) Validate() error {
	if err := requireTicket(d.TicketID); err != nil {
		return err
	}
	if d.Reference == "" {
		return invalid("reference is required")
	}
	return nil
}

func (d UpdateStage) Validate() error {
	if err := requireTicket(d.TicketID); err != nil {
		return err
	}
	if d.Stage == "" {
		return invalid("stage is required")
	}
	return nil
}
