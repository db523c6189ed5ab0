// Package directive defines the closed set of structured actions the Boss
// may return from a health check. Each kind is a concrete struct; Parse
// rejects anything outside the set so handlers never see an unknown kind.
package directive

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

// Kind names a directive on the wire.
type Kind string

const (
	KindCreateTicket         Kind = "create_ticket"
	KindEscalate             Kind = "escalate"
	KindLog                  Kind = "log"
	KindDispatchAgent        Kind = "dispatch_agent"
	KindReprioritize         Kind = "reprioritize"
	KindReorderQueue         Kind = "reorder_queue"
	KindHoldTicket           Kind = "hold_ticket"
	KindUpdateNotepad        Kind = "update_notepad"
	KindCancelTicket         Kind = "cancel_ticket"
	KindMoveToQueue          Kind = "move_to_queue"
	KindUpdateSlotAllocation Kind = "update_slot_allocation"
	KindAssignTask           Kind = "assign_task"
	KindEscalateToBoss       Kind = "escalate_to_boss"
	KindCallSupportAgent     Kind = "call_support_agent"
	KindBlockTicket          Kind = "block_ticket"
	KindSaveDocument         Kind = "save_document"
	KindAddNote              Kind = "add_note"
	KindAddReference         Kind = "add_reference"
	KindUpdateStage          Kind = "update_stage"
)

var (
	// ErrUnknownKind is returned for a "type" outside the directive set.
	ErrUnknownKind = errors.New("unknown directive kind")
	// ErrInvalid wraps field validation failures.
	ErrInvalid = errors.New("invalid directive")
)

// Directive is implemented only by the types in this package.
type Directive interface {
	Kind() Kind
	Validate() error
	directive()
}

// CreateTicket files a new ticket and enqueues it.
type CreateTicket struct {
	Title            string                 `json:"title"`
	Body             string                 `json:"body"`
	Priority         ticket.Priority        `json:"priority,omitempty"`
	OperationType    ticket.OperationType   `json:"operation_type,omitempty"`
	DeliverableType  ticket.DeliverableType `json:"deliverable_type,omitempty"`
	Category         string                 `json:"category,omitempty"`
	ParentTicketID   *uuid.UUID             `json:"parent_ticket_id,omitempty"`
	BlockingTicketID *uuid.UUID             `json:"blocking_ticket_id,omitempty"`
}

// Escalate hands a ticket to a human and files a ghost ticket.
type Escalate struct {
	TicketID uuid.UUID `json:"ticket_id"`
	Reason   string    `json:"reason"`
}

// Log writes a message to the scheduler log.
type Log struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// DispatchAgent moves a ticket to the front of its queue, clears any
// dispatch gating and optionally pins it to one agent.
type DispatchAgent struct {
	TicketID uuid.UUID `json:"ticket_id"`
	Agent    string    `json:"agent,omitempty"`
}

// Reprioritize changes a ticket's priority and re-sorts its queue.
type Reprioritize struct {
	TicketID uuid.UUID       `json:"ticket_id"`
	Priority ticket.Priority `json:"priority"`
}

// ReorderQueue puts the listed tickets at the front of a team queue in the
// given order.
type ReorderQueue struct {
	Team      ticket.Team `json:"team"`
	TicketIDs []uuid.UUID `json:"ticket_ids"`
}

// HoldTicket parks a queued ticket until a resource becomes active.
type HoldTicket struct {
	TicketID       uuid.UUID `json:"ticket_id"`
	Resource       string    `json:"resource"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"`
}

// UpdateNotepad replaces the Boss notepad.
type UpdateNotepad struct {
	Content string `json:"content"`
}

// CancelTicket cancels a ticket wherever it is.
type CancelTicket struct {
	TicketID uuid.UUID `json:"ticket_id"`
	Reason   string    `json:"reason,omitempty"`
}

// MoveToQueue moves a queued ticket to another team.
type MoveToQueue struct {
	TicketID uuid.UUID   `json:"ticket_id"`
	Team     ticket.Team `json:"team"`
}

// UpdateSlotAllocation changes per-team slot allocations. Teams not listed
// keep their allocation.
type UpdateSlotAllocation struct {
	Allocations map[ticket.Team]int `json:"allocations"`
}

// AssignTask files a ticket pinned to one agent with explicit success
// criteria.
type AssignTask struct {
	Agent          string                 `json:"agent"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	Priority       ticket.Priority        `json:"priority,omitempty"`
	ParentTicketID *uuid.UUID             `json:"parent_ticket_id,omitempty"`
	Criteria       ticket.SuccessCriteria `json:"criteria"`
}

// EscalateToBoss flags a ticket for the next Boss cycle and runs one.
type EscalateToBoss struct {
	TicketID uuid.UUID `json:"ticket_id"`
	Reason   string    `json:"reason"`
}

// CallSupportAgent asks a support agent for help on a ticket. Sync calls
// attach the reply; async calls file a child ticket for the agent.
type CallSupportAgent struct {
	TicketID uuid.UUID `json:"ticket_id"`
	Agent    string    `json:"agent"`
	Message  string    `json:"message"`
	Async    bool      `json:"async,omitempty"`
}

// BlockTicket makes a ticket wait for another to resolve.
type BlockTicket struct {
	TicketID  uuid.UUID `json:"ticket_id"`
	BlockedBy uuid.UUID `json:"blocked_by"`
}

// SaveDocument stores a named artifact.
type SaveDocument struct {
	TicketID *uuid.UUID `json:"ticket_id,omitempty"`
	Title    string     `json:"title"`
	Content  string     `json:"content"`
}

// AddNote appends a diagnostic note for the next agent working the ticket.
type AddNote struct {
	TicketID uuid.UUID `json:"ticket_id"`
	Note     string    `json:"note"`
}

// AddReference links a URI or document to a ticket.
type AddReference struct {
	TicketID  uuid.UUID `json:"ticket_id"`
	Reference string    `json:"reference"`
}

// UpdateStage records the ticket's workflow stage.
type UpdateStage struct {
	TicketID uuid.UUID `json:"ticket_id"`
	Stage    string    `json:"stage"`
}

func (CreateTicket) Kind() Kind         { return KindCreateTicket }
func (Escalate) Kind() Kind             { return KindEscalate }
func (Log) Kind() Kind                  { return KindLog }
func (DispatchAgent) Kind() Kind        { return KindDispatchAgent }
func (Reprioritize) Kind() Kind         { return KindReprioritize }
func (ReorderQueue) Kind() Kind         { return KindReorderQueue }
func (HoldTicket) Kind() Kind           { return KindHoldTicket }
func (UpdateNotepad) Kind() Kind        { return KindUpdateNotepad }
func (CancelTicket) Kind() Kind         { return KindCancelTicket }
func (MoveToQueue) Kind() Kind          { return KindMoveToQueue }
func (UpdateSlotAllocation) Kind() Kind { return KindUpdateSlotAllocation }
func (AssignTask) Kind() Kind           { return KindAssignTask }
func (EscalateToBoss) Kind() Kind       { return KindEscalateToBoss }
func (CallSupportAgent) Kind() Kind     { return KindCallSupportAgent }
func (BlockTicket) Kind() Kind          { return KindBlockTicket }
func (SaveDocument) Kind() Kind         { return KindSaveDocument }
func (AddNote) Kind() Kind              { return KindAddNote }
func (AddReference) Kind() Kind         { return KindAddReference }
func (UpdateStage) Kind() Kind          { return KindUpdateStage }

func (CreateTicket) directive()         {}
func (Escalate) directive()             {}
func (Log) directive()                  {}
func (DispatchAgent) directive()        {}
func (Reprioritize) directive()         {}
func (ReorderQueue) directive()         {}
func (HoldTicket) directive()           {}
func (UpdateNotepad) directive()        {}
func (CancelTicket) directive()         {}
func (MoveToQueue) directive()          {}
func (UpdateSlotAllocation) directive() {}
func (AssignTask) directive()           {}
func (EscalateToBoss) directive()       {}
func (CallSupportAgent) directive()     {}
func (BlockTicket) directive()          {}
func (SaveDocument) directive()         {}
func (AddNote) directive()              {}
func (AddReference) directive()         {}
func (UpdateStage) directive()          {}

// decoders maps each kind to a constructor for its zero value.
var decoders = map[Kind]func() Directive{
	KindCreateTicket:         func() Directive { return &CreateTicket{} },
	KindEscalate:             func() Directive { return &Escalate{} },
	KindLog:                  func() Directive { return &Log{} },
	KindDispatchAgent:        func() Directive { return &DispatchAgent{} },
	KindReprioritize:         func() Directive { return &Reprioritize{} },
	KindReorderQueue:         func() Directive { return &ReorderQueue{} },
	KindHoldTicket:           func() Directive { return &HoldTicket{} },
	KindUpdateNotepad:        func() Directive { return &UpdateNotepad{} },
	KindCancelTicket:         func() Directive { return &CancelTicket{} },
	KindMoveToQueue:          func() Directive { return &MoveToQueue{} },
	KindUpdateSlotAllocation: func() Directive { return &UpdateSlotAllocation{} },
	KindAssignTask:           func() Directive { return &AssignTask{} },
	KindEscalateToBoss:       func() Directive { return &EscalateToBoss{} },
	KindCallSupportAgent:     func() Directive { return &CallSupportAgent{} },
	KindBlockTicket:          func() Directive { return &BlockTicket{} },
	KindSaveDocument:         func() Directive { return &SaveDocument{} },
	KindAddNote:              func() Directive { return &AddNote{} },
	KindAddReference:         func() Directive { return &AddReference{} },
	KindUpdateStage:          func() Directive { return &UpdateStage{} },
}

// Kinds returns every known kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(decoders))
	for k := range decoders {
		out = append(out, k)
	}
	return out
}

// Parse decodes one directive. The "type" field selects the kind; the rest
// of the object holds its fields. The result is a value, not a pointer.
func Parse(raw json.RawMessage) (Directive, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decoding directive: %w", err)
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(head.Type)))
	newFn, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}
	ptr := newFn()
	if err := json.Unmarshal(raw, ptr); err != nil {
		return nil, fmt.Errorf("decoding %s directive: %w", kind, err)
	}
	d := deref(ptr)
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return d, nil
}

// ParseAll decodes a list of directives. Invalid entries are reported in
// errs and skipped; valid ones are returned in order.
func ParseAll(raws []json.RawMessage) (out []Directive, errs []error) {
	for i, raw := range raws {
		d, err := Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("directive %d: %w", i, err))
			continue
		}
		out = append(out, d)
	}
	return out, errs
}

func deref(d Directive) Directive {
	switch v := d.(type) {
	case *CreateTicket:
		return *v
	case *Escalate:
		return *v
	case *Log:
		return *v
	case *DispatchAgent:
		return *v
	case *Reprioritize:
		return *v
	case *ReorderQueue:
		return *v
	case *HoldTicket:
		return *v
	case *UpdateNotepad:
		return *v
	case *CancelTicket:
		return *v
	case *MoveToQueue:
		return *v
	case *UpdateSlotAllocation:
		return *v
	case *AssignTask:
		return *v
	case *EscalateToBoss:
		return *v
	case *CallSupportAgent:
		return *v
	case *BlockTicket:
		return *v
	case *SaveDocument:
		return *v
	case *AddNote:
		return *v
	case *AddReference:
		return *v
	case *UpdateStage:
		return *v
	}
	return d
}
