package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/invoker"
	"github.com/jkaninda/kazi/internal/ticket"
)

// ErrNoJSON is returned when an agent reply carries no JSON object.
var ErrNoJSON = errors.New("no JSON object in agent response")

// Options selects which hooks are backed by agents. Hooks left off fall
// back to Noop.
type Options struct {
	SupervisorAgent string
	ReviewAgent     string
	ClarityAgent    string
	Health          bool
	Select          bool
	Validate        bool
	Assess          bool
	Review          bool
}

// New builds hooks from options. A nil invoker yields all no-ops.
func New(inv invoker.Invoker, opts Options) Hooks {
	var h Hooks
	if inv == nil {
		return h.WithDefaults()
	}
	a := &Agent{inv: inv, supervisor: opts.SupervisorAgent, reviewer: opts.ReviewAgent, clarity: opts.ClarityAgent}
	if opts.SupervisorAgent != "" {
		if opts.Health {
			h.Health = a
		}
		if opts.Select {
			h.Selector = a
		}
		if opts.Validate {
			h.Validator = a
		}
		if opts.Assess {
			h.Assessor = a
		}
	}
	if opts.Review && opts.ReviewAgent != "" {
		h.Reviewer = a
	}
	if opts.ClarityAgent != "" {
		h.Explainer = a
	}
	return h.WithDefaults()
}

// Agent implements the hooks by prompting agents and parsing the JSON
// object in their replies.
type Agent struct {
	inv        invoker.Invoker
	supervisor string
	reviewer   string
	clarity    string
}

func (a *Agent) CheckHealth(ctx context.Context, snap Snapshot) (*HealthReport, error) {
	state, _ := json.MarshalIndent(snap, "", "  ")
	var b strings.Builder
	b.WriteString("## Health Check\n\nCurrent scheduler state:\n```json\n")
	b.Write(state)
	b.WriteString("\n```\n\nReply with JSON: {\"summary\": string, \"directives\": [ {\"type\": ...}, ... ]}\n")

	resp, err := a.inv.Call(ctx, a.supervisor, b.String())
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	report := &HealthReport{Directives: resp.Actions}
	var parsed HealthReport
	if err := extractJSON(resp.Content, &parsed); err == nil {
		report.Summary = parsed.Summary
		report.Directives = append(report.Directives, parsed.Directives...)
	} else if len(resp.Actions) == 0 {
		report.Summary = strings.TrimSpace(resp.Content)
	}
	return report, nil
}

func (a *Agent) SelectNext(ctx context.Context, candidates []QueuedSummary, snap Snapshot) (uuid.UUID, error) {
	if len(candidates) == 0 {
		return uuid.Nil, nil
	}
	list, _ := json.MarshalIndent(candidates, "", "  ")
	var b strings.Builder
	b.WriteString("## Select Next Ticket\n\nCandidates:\n```json\n")
	b.Write(list)
	fmt.Fprintf(&b, "\n```\n\nActive: %d. Notepad: %s\n", len(snap.Active), snap.Notepad)
	b.WriteString("Reply with JSON: {\"ticket_id\": \"<id>\"} or {\"ticket_id\": \"\"} for no preference.\n")

	resp, err := a.inv.Call(ctx, a.supervisor, b.String())
	if err != nil {
		return uuid.Nil, fmt.Errorf("select next: %w", err)
	}
	var out struct {
		TicketID string `json:"ticket_id"`
	}
	if err := extractJSON(resp.Content, &out); err != nil {
		return uuid.Nil, fmt.Errorf("select next: %w", err)
	}
	if out.TicketID == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(out.TicketID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("select next: bad ticket id %q: %w", out.TicketID, err)
	}
	for _, c := range candidates {
		if c.TicketID == id {
			return id, nil
		}
	}
	return uuid.Nil, fmt.Errorf("select next: %s is not a candidate", id)
}

func (a *Agent) ValidateNext(ctx context.Context, t *ticket.Ticket, snap Snapshot) (*Validation, error) {
	top := snap.Queued
	if len(top) > 10 {
		top = top[:10]
	}
	queue, _ := json.Marshal(top)
	active, _ := json.Marshal(snap.Active)
	var b strings.Builder
	b.WriteString("## Pre-dispatch Validation\n\n")
	fmt.Fprintf(&b, "**Ticket**: %s (#%d, %s)\n**Title**: %s\n\n%s\n\n", t.ID, t.SeqNum, t.Priority, t.Title, t.Body)
	fmt.Fprintf(&b, "Top of queue: %s\nActive: %s\n\n", queue, active)
	b.WriteString("Reply with JSON: {\"approve\": bool, \"blocked_by\": \"<id>\"|null, \"priority\": \"P1\"|\"P2\"|\"P3\"|\"\", \"notes\": string}\n")

	resp, err := a.inv.Call(ctx, a.supervisor, b.String())
	if err != nil {
		return nil, fmt.Errorf("validate next: %w", err)
	}
	var v Validation
	if err := extractJSON(resp.Content, &v); err != nil {
		return nil, fmt.Errorf("validate next: %w", err)
	}
	if v.BlockedBy != nil && *v.BlockedBy == t.ID {
		v.BlockedBy = nil
	}
	if v.Priority != "" && v.Priority.Rank() > 3 {
		v.Priority = ""
	}
	return &v, nil
}

func (a *Agent) AssessCompletion(ctx context.Context, t *ticket.Ticket, chain []BubbleStep, result string) (*Assessment, error) {
	steps, _ := json.MarshalIndent(chain, "", "  ")
	var b strings.Builder
	b.WriteString("## Completion Assessment\n\n")
	fmt.Fprintf(&b, "**Ticket**: %s\n\n%s\n\n", t.Title, t.Body)
	b.WriteString("Review chain:\n```json\n")
	b.Write(steps)
	fmt.Fprintf(&b, "\n```\n\nFinal result:\n%s\n\n", result)
	b.WriteString("Reply with JSON: {\"verdict\": \"done\"|\"needs_rework\"|\"escalate\", \"reason\": string, \"feedback\": string}\n")

	resp, err := a.inv.Call(ctx, a.supervisor, b.String())
	if err != nil {
		return nil, fmt.Errorf("assess completion: %w", err)
	}
	var out Assessment
	if err := extractJSON(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("assess completion: %w", err)
	}
	switch out.Verdict {
	case VerdictDone, VerdictNeedsRework, VerdictEscalate:
	default:
		return nil, fmt.Errorf("assess completion: unknown verdict %q", out.Verdict)
	}
	return &out, nil
}

func (a *Agent) Review(ctx context.Context, t *ticket.Ticket, output string) (*ReviewDecision, error) {
	var b strings.Builder
	b.WriteString("## Output Review\n\n")
	fmt.Fprintf(&b, "**Ticket**: %s\n**Deliverable**: %s\n\n%s\n\n", t.Title, t.DeliverableType, t.Body)
	fmt.Fprintf(&b, "Output:\n%s\n\n", output)
	b.WriteString("Reply with JSON: {\"approved\": bool, \"escalate\": bool, \"feedback\": string, \"question\": string}\n")

	resp, err := a.inv.Call(ctx, a.reviewer, b.String())
	if err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}
	var out ReviewDecision
	if err := extractJSON(resp.Content, &out); err != nil {
		return nil, fmt.Errorf("review: %w", err)
	}
	return &out, nil
}

func (a *Agent) Explain(ctx context.Context, t *ticket.Ticket, technical string) (string, error) {
	msg := fmt.Sprintf("Explain in two or three plain sentences, for a non-technical reader, why ticket %q could not be completed.\n\n%s", t.Title, technical)
	resp, err := a.inv.Call(ctx, a.clarity, msg)
	if err != nil {
		return "", fmt.Errorf("explain: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// extractJSON decodes the first JSON object in text into v. Agents often
// wrap the object in prose or a code fence.
func extractJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("parsing agent JSON: %w", err)
	}
	return nil
}

var (
	_ HealthChecker = (*Agent)(nil)
	_ Selector      = (*Agent)(nil)
	_ Validator     = (*Agent)(nil)
	_ Assessor      = (*Agent)(nil)
	_ Reviewer      = (*Agent)(nil)
	_ Explainer     = (*Agent)(nil)
)
