package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/invoker"
	"github.com/jkaninda/kazi/internal/ticket"
)

// attempt carries per-run state through a single strategy.
type attempt struct {
	e       *Executor
	t       *ticket.Ticket
	run     *ticket.Run
	prompt  string
	steps   int
	tokens  int
	actions []json.RawMessage
}

// step invokes one agent (or hierarchy node) and records it as a run step.
func (a *attempt) step(ctx context.Context, agent, stage, nodeID, message string) (*invoker.Response, error) {
	e := a.e
	rec := &ticket.RunStep{
		RunID:     a.run.ID,
		Index:     a.steps,
		Agent:     agent,
		Stage:     stage,
		Status:    ticket.RunRunning,
		StartedAt: e.clock.Now().UTC(),
	}
	a.steps++
	if err := e.store.CreateRunStep(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "creating run step", slog.String("error", err.Error()))
	}

	start := e.clock.Now()
	resp, err := e.call(ctx, func(ctx context.Context) (*invoker.Response, error) {
		if nodeID != "" {
			return e.inv.CallNode(ctx, nodeID, message)
		}
		return e.inv.Call(ctx, agent, message)
	})
	elapsed := e.clock.Now().Sub(start).Seconds()

	status := ticket.RunSucceeded
	output, errMsg, tokens := "", "", 0
	if err != nil {
		status = ticket.RunFailed
		errMsg = err.Error()
	} else {
		output = resp.Content
		tokens = resp.TokensUsed
		a.tokens += resp.TokensUsed
		a.actions = append(a.actions, resp.Actions...)
	}
	if cerr := e.store.CompleteRunStep(ctx, rec.ID, status, output, errMsg, tokens); cerr != nil {
		e.logger.WarnContext(ctx, "completing run step", slog.String("error", cerr.Error()))
	}
	if e.metrics != nil {
		e.metrics.StepsTotal.WithLabelValues(agent, string(status)).Inc()
		e.metrics.StepDuration.WithLabelValues(agent).Observe(elapsed)
	}
	if err != nil {
		return nil, fmt.Errorf("step %s (%s): %w", stage, agent, err)
	}
	return resp, nil
}

func (a *attempt) setProcessing(ctx context.Context, ps ticket.ProcessingStatus) {
	if _, err := a.e.store.Update(ctx, a.t.ID, ticket.Patch{ProcessingStatus: &ps}); err != nil {
		a.e.logger.WarnContext(ctx, "updating processing status",
			slog.String("ticket_id", a.t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// buildPrompt assembles the original request plus accumulated failure
// context from earlier attempts.
func (e *Executor) buildPrompt(ctx context.Context, t *ticket.Ticket, notes string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Ticket #%d: %s\n\n", t.SeqNum, t.Title)
	fmt.Fprintf(&b, "**Priority**: %s\n**Operation**: %s\n", t.Priority, t.OperationType)
	if t.DeliverableType != ticket.DeliverableNone {
		fmt.Fprintf(&b, "**Deliverable**: %s\n", t.DeliverableType)
	}
	if t.Stage != "" {
		fmt.Fprintf(&b, "**Stage**: %s\n", t.Stage)
	}
	if t.Criteria != nil {
		fmt.Fprintf(&b, "**Success criteria**: %s %s\n", t.Criteria.Method, t.Criteria.Value)
	}
	b.WriteString("\n")
	b.WriteString(t.Body)
	b.WriteString("\n")

	if len(t.References) > 0 {
		b.WriteString("\n## References\n")
		for _, r := range t.References {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if notes != "" {
		fmt.Fprintf(&b, "\n## Supervisor Notes\n%s\n", notes)
	}

	if diag, err := e.store.DiagnosticNotes(ctx, t.ID); err == nil && len(diag) > 0 {
		b.WriteString("\n## Previous Attempts\n")
		for _, d := range diag {
			fmt.Fprintf(&b, "- [%s] %s", d.Author, d.Note)
			if d.ErrorContext != "" {
				fmt.Fprintf(&b, " (%s)", d.ErrorContext)
			}
			b.WriteString("\n")
			for _, s := range d.SuggestedActions {
				fmt.Fprintf(&b, "  - try: %s\n", s)
			}
		}
	}
	if replies, err := e.store.Replies(ctx, t.ID); err == nil && len(replies) > 0 {
		b.WriteString("\n## Thread\n")
		for _, r := range replies {
			fmt.Fprintf(&b, "**%s**: %s\n", r.Author, r.Body)
		}
	}
	return b.String()
}
