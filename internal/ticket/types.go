// Package ticket defines the ticket domain model and the persistence
// contract the scheduler consumes. The scheduler mutates status and
// processing fields only; title, body and the other business fields
// belong to whoever created the ticket.
package ticket

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders work within a team queue. P1 is served first.
type Priority string

const (
	P1 Priority = "P1"
	P2 Priority = "P2"
	P3 Priority = "P3"
)

// Rank returns the sort rank of a priority. Unknown priorities rank last.
func (p Priority) Rank() int {
	switch p {
	case P1:
		return 1
	case P2:
		return 2
	case P3:
		return 3
	default:
		return 4
	}
}

// Status is the ticket lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusInReview  Status = "in_review"
	StatusOnHold    Status = "on_hold" // Waiting on a human review decision.
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further scheduling happens in this state.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled || s == StatusEscalated
}

// ProcessingStatus tracks where the scheduler currently has the ticket.
// The zero value means the scheduler holds no claim on it.
type ProcessingStatus string

const (
	ProcessingNone         ProcessingStatus = ""
	ProcessingQueued       ProcessingStatus = "queued"
	ProcessingActive       ProcessingStatus = "processing"
	ProcessingVerifying    ProcessingStatus = "verifying"
	ProcessingHolding      ProcessingStatus = "holding"
	ProcessingAwaitingUser ProcessingStatus = "awaiting_user"
)

// Team is one of the four fixed work partitions.
type Team string

const (
	TeamOrchestrator   Team = "orchestrator" // Catch-all.
	TeamPlanning       Team = "planning"
	TeamVerification   Team = "verification"
	TeamCodingDirector Team = "coding_director"
)

// Teams lists every team in round-robin order.
var Teams = []Team{TeamOrchestrator, TeamPlanning, TeamVerification, TeamCodingDirector}

// Valid reports whether t names a known team.
func (t Team) Valid() bool {
	for _, known := range Teams {
		if t == known {
			return true
		}
	}
	return false
}

// OperationType describes what kind of work a ticket asks for.
type OperationType string

const (
	OpCodeGeneration OperationType = "code_generation"
	OpCodeReview     OperationType = "code_review"
	OpBugFix         OperationType = "bug_fix"
	OpDesign         OperationType = "design"
	OpPlanGeneration OperationType = "plan_generation"
	OpTaskBreakdown  OperationType = "task_breakdown"
	OpVerification   OperationType = "verification"
	OpTesting        OperationType = "testing"
	OpResearch       OperationType = "research"
	OpDocumentation  OperationType = "documentation"
	OpGeneral        OperationType = "general"
)

// DeliverableType selects the verification heuristics applied to output.
type DeliverableType string

const (
	DeliverableNone     DeliverableType = ""
	DeliverablePlan     DeliverableType = "plan"
	DeliverableDesign   DeliverableType = "design"
	DeliverableCode     DeliverableType = "code"
	DeliverableDocument DeliverableType = "document"
	DeliverableReport   DeliverableType = "report"
)

// CriteriaMethod is how a task's success criteria are evaluated.
type CriteriaMethod string

const (
	CriteriaSubstringMatch CriteriaMethod = "substring_match"
	CriteriaTicketResolved CriteriaMethod = "ticket_resolved"
	CriteriaInfoGathered   CriteriaMethod = "info_gathered"
	CriteriaFileExists     CriteriaMethod = "file_exists"
	CriteriaManual         CriteriaMethod = "manual"
)

// SuccessCriteria is attached to tickets created by an assign_task
// directive and replaces the deliverable heuristics during verification.
type SuccessCriteria struct {
	Method CriteriaMethod `json:"method"`
	Value  string         `json:"value,omitempty"`
}

// Ticket is the unit of work.
type Ticket struct {
	ID                  uuid.UUID        `json:"id"`
	SeqNum              int64            `json:"seq_num"`
	Title               string           `json:"title"`
	Body                string           `json:"body"`
	Priority            Priority         `json:"priority"`
	Status              Status           `json:"status"`
	ProcessingStatus    ProcessingStatus `json:"processing_status,omitempty"`
	AssignedTeam        Team             `json:"assigned_team,omitempty"`
	OperationType       OperationType    `json:"operation_type"`
	DeliverableType     DeliverableType  `json:"deliverable_type,omitempty"`
	BlockingTicketID    *uuid.UUID       `json:"blocking_ticket_id,omitempty"`
	ParentTicketID      *uuid.UUID       `json:"parent_ticket_id,omitempty"`
	VerificationRetries int              `json:"verification_retries"`
	ErrorRetries        int              `json:"error_retries"`
	LastError           string           `json:"last_error,omitempty"`
	Category            string           `json:"category,omitempty"`
	Stage               string           `json:"stage,omitempty"`
	TreeRoute           string           `json:"tree_route,omitempty"`
	Agent               string           `json:"agent,omitempty"` // Pins a single agent (assign_task, support sub-tickets).
	Criteria            *SuccessCriteria `json:"criteria,omitempty"`
	References          []string         `json:"references,omitempty"`
	ApprovedForDispatch bool             `json:"approved_for_dispatch,omitempty"`
	NeedsManualReview   bool             `json:"needs_manual_review,omitempty"`
	Ghost               bool             `json:"ghost,omitempty"` // Human-facing escalation record.
	ProcessingStartedAt *time.Time       `json:"processing_started_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the ticket.
func (t *Ticket) Clone() *Ticket {
	cp := *t
	if t.BlockingTicketID != nil {
		id := *t.BlockingTicketID
		cp.BlockingTicketID = &id
	}
	if t.ParentTicketID != nil {
		id := *t.ParentTicketID
		cp.ParentTicketID = &id
	}
	if t.Criteria != nil {
		c := *t.Criteria
		cp.Criteria = &c
	}
	if t.ProcessingStartedAt != nil {
		ts := *t.ProcessingStartedAt
		cp.ProcessingStartedAt = &ts
	}
	if t.References != nil {
		cp.References = append([]string(nil), t.References...)
	}
	return &cp
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status              *Status
	ProcessingStatus    *ProcessingStatus
	AssignedTeam        *Team
	Priority            *Priority
	BlockingTicketID    *uuid.UUID
	ClearBlocking       bool
	VerificationRetries *int
	ErrorRetries        *int
	LastError           *string
	Stage               *string
	TreeRoute           *string
	Agent               *string
	ApprovedForDispatch *bool
	NeedsManualReview   *bool
	ProcessingStartedAt *time.Time
	ClearProcessingAt   bool
	AddReferences       []string
}

// Apply writes the patch onto t.
func (p Patch) Apply(t *Ticket) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.ProcessingStatus != nil {
		t.ProcessingStatus = *p.ProcessingStatus
	}
	if p.AssignedTeam != nil {
		t.AssignedTeam = *p.AssignedTeam
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.ClearBlocking {
		t.BlockingTicketID = nil
	} else if p.BlockingTicketID != nil {
		id := *p.BlockingTicketID
		t.BlockingTicketID = &id
	}
	if p.VerificationRetries != nil {
		t.VerificationRetries = *p.VerificationRetries
	}
	if p.ErrorRetries != nil {
		t.ErrorRetries = *p.ErrorRetries
	}
	if p.LastError != nil {
		t.LastError = *p.LastError
	}
	if p.Stage != nil {
		t.Stage = *p.Stage
	}
	if p.TreeRoute != nil {
		t.TreeRoute = *p.TreeRoute
	}
	if p.Agent != nil {
		t.Agent = *p.Agent
	}
	if p.ApprovedForDispatch != nil {
		t.ApprovedForDispatch = *p.ApprovedForDispatch
	}
	if p.NeedsManualReview != nil {
		t.NeedsManualReview = *p.NeedsManualReview
	}
	if p.ClearProcessingAt {
		t.ProcessingStartedAt = nil
	} else if p.ProcessingStartedAt != nil {
		ts := *p.ProcessingStartedAt
		t.ProcessingStartedAt = &ts
	}
	if len(p.AddReferences) > 0 {
		t.References = append(t.References, p.AddReferences...)
	}
}

// Reply is a threaded message on a ticket.
type Reply struct {
	ID        uuid.UUID `json:"id"`
	TicketID  uuid.UUID `json:"ticket_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// DiagnosticNote carries failure context for the next attempt or a human.
type DiagnosticNote struct {
	ID               uuid.UUID `json:"id"`
	TicketID         uuid.UUID `json:"ticket_id"`
	Author           string    `json:"author"`
	Note             string    `json:"note"`
	ErrorContext     string    `json:"error_context,omitempty"`
	SuggestedActions []string  `json:"suggested_actions,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// RunStatus is the state of a pipeline run or step.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run records one pipeline attempt for a ticket.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	TicketID    uuid.UUID  `json:"ticket_id"`
	Strategy    string     `json:"strategy"`
	Route       string     `json:"route"`
	Status      RunStatus  `json:"status"`
	Verdict     string     `json:"verdict,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunStep records one agent invocation inside a run.
type RunStep struct {
	ID          uuid.UUID  `json:"id"`
	RunID       uuid.UUID  `json:"run_id"`
	Index       int        `json:"index"`
	Agent       string     `json:"agent"`
	Stage       string     `json:"stage"`
	Status      RunStatus  `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	TokensUsed  int        `json:"tokens_used"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task is a plan item produced by a planning ticket.
type Task struct {
	ID        uuid.UUID `json:"id"`
	PlanID    uuid.UUID `json:"plan_id"` // The ticket that produced the plan.
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Document is a named artifact saved by the Boss.
type Document struct {
	ID        uuid.UUID  `json:"id"`
	TicketID  *uuid.UUID `json:"ticket_id,omitempty"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
}

// AuditEntry records a scheduler decision.
type AuditEntry struct {
	ID        uuid.UUID  `json:"id"`
	TicketID  *uuid.UUID `json:"ticket_id,omitempty"`
	Actor     string     `json:"actor"`
	Action    string     `json:"action"`
	Detail    string     `json:"detail,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
