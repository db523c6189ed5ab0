// Package supervisor defines the optional judgement hooks the scheduler
// consults: Boss health checks, next-ticket selection, pre-dispatch
// validation, completion assessment, output review and escalation
// explanations. Every hook has a no-op default so the scheduler runs
// deterministically when no supervisor agent is configured.
package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

// QueuedSummary is one queue entry as the supervisor sees it.
type QueuedSummary struct {
	TicketID   uuid.UUID       `json:"ticket_id"`
	Title      string          `json:"title"`
	Team       ticket.Team     `json:"team"`
	Priority   ticket.Priority `json:"priority"`
	Blocked    bool            `json:"blocked,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// ActiveSummary is one in-flight ticket.
type ActiveSummary struct {
	TicketID  uuid.UUID   `json:"ticket_id"`
	Title     string      `json:"title"`
	Team      ticket.Team `json:"team"`
	StartedAt time.Time   `json:"started_at"`
}

// Snapshot is the scheduler state handed to supervisor hooks.
type Snapshot struct {
	Queued         []QueuedSummary     `json:"queued"`
	Active         []ActiveSummary     `json:"active"`
	Allocations    map[ticket.Team]int `json:"allocations"`
	HoldSize       int                 `json:"hold_size"`
	IdleMinutes    int                 `json:"idle_minutes"`
	BreakerTripped bool                `json:"breaker_tripped"`
	AIMode         string              `json:"ai_mode"`
	Notepad        string              `json:"notepad,omitempty"`
}

// HealthReport is the result of a Boss health check. Directives are raw
// JSON objects; the scheduler parses them at its own boundary.
type HealthReport struct {
	Summary    string            `json:"summary,omitempty"`
	Directives []json.RawMessage `json:"directives,omitempty"`
}

// Validation is the pre-dispatch verdict for one ticket.
type Validation struct {
	Approve   bool            `json:"approve"`
	BlockedBy *uuid.UUID      `json:"blocked_by,omitempty"`
	Priority  ticket.Priority `json:"priority,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

// Verdict is the completion assessment outcome.
type Verdict string

const (
	VerdictDone        Verdict = "done"
	VerdictNeedsRework Verdict = "needs_rework"
	VerdictEscalate    Verdict = "escalate"
)

// Assessment is the completion verdict over a delegation chain.
type Assessment struct {
	Verdict  Verdict `json:"verdict"`
	Reason   string  `json:"reason,omitempty"`
	Feedback string  `json:"feedback,omitempty"`
}

// BubbleStep is one level of upward review in a tree run.
type BubbleStep struct {
	NodeID   string `json:"node_id"`
	Agent    string `json:"agent"`
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
	Content  string `json:"content,omitempty"`
}

// ReviewDecision is the review capability's verdict on linear output.
// Escalate asks a human; Question is what to ask them.
type ReviewDecision struct {
	Approved bool   `json:"approved"`
	Escalate bool   `json:"escalate,omitempty"`
	Feedback string `json:"feedback,omitempty"`
	Question string `json:"question,omitempty"`
}

// HealthChecker runs the Boss health check.
type HealthChecker interface {
	CheckHealth(ctx context.Context, snap Snapshot) (*HealthReport, error)
}

// Selector picks the next ticket to run among candidates. uuid.Nil means
// no preference.
type Selector interface {
	SelectNext(ctx context.Context, candidates []QueuedSummary, snap Snapshot) (uuid.UUID, error)
}

// Validator approves or rejects a ticket immediately before dispatch.
type Validator interface {
	ValidateNext(ctx context.Context, t *ticket.Ticket, snap Snapshot) (*Validation, error)
}

// Assessor judges whether a tree run finished the ticket.
type Assessor interface {
	AssessCompletion(ctx context.Context, t *ticket.Ticket, chain []BubbleStep, result string) (*Assessment, error)
}

// Reviewer inspects linear pipeline output.
type Reviewer interface {
	Review(ctx context.Context, t *ticket.Ticket, output string) (*ReviewDecision, error)
}

// Explainer turns technical failure context into a plain-language
// explanation for the ghost ticket. An empty string keeps the built-in text.
type Explainer interface {
	Explain(ctx context.Context, t *ticket.Ticket, technical string) (string, error)
}

// Hooks bundles every supervisor hook.
type Hooks struct {
	Health    HealthChecker
	Selector  Selector
	Validator Validator
	Assessor  Assessor
	Reviewer  Reviewer
	Explainer Explainer
}

// WithDefaults fills nil hooks with no-ops.
func (h Hooks) WithDefaults() Hooks {
	var n Noop
	if h.Health == nil {
		h.Health = n
	}
	if h.Selector == nil {
		h.Selector = n
	}
	if h.Validator == nil {
		h.Validator = n
	}
	if h.Assessor == nil {
		h.Assessor = n
	}
	if h.Reviewer == nil {
		h.Reviewer = n
	}
	if h.Explainer == nil {
		h.Explainer = n
	}
	return h
}

// Noop implements every hook with deterministic pass-through answers.
type Noop struct{}

func (Noop) CheckHealth(context.Context, Snapshot) (*HealthReport, error) {
	return &HealthReport{}, nil
}

func (Noop) SelectNext(context.Context, []QueuedSummary, Snapshot) (uuid.UUID, error) {
	return uuid.Nil, nil
}

func (Noop) ValidateNext(context.Context, *ticket.Ticket, Snapshot) (*Validation, error) {
	return &Validation{Approve: true}, nil
}

func (Noop) AssessCompletion(context.Context, *ticket.Ticket, []BubbleStep, string) (*Assessment, error) {
	return &Assessment{Verdict: VerdictDone}, nil
}

func (Noop) Review(context.Context, *ticket.Ticket, string) (*ReviewDecision, error) {
	return &ReviewDecision{Approved: true}, nil
}

func (Noop) Explain(context.Context, *ticket.Ticket, string) (string, error) {
	return "", nil
}

var (
	_ HealthChecker = Noop{}
	_ Selector      = Noop{}
	_ Validator     = Noop{}
	_ Assessor      = Noop{}
	_ Reviewer      = Noop{}
	_ Explainer     = Noop{}
)
