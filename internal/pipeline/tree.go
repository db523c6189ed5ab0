package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

// parentReview is what an ancestor returns when reviewing its child.
type parentReview struct {
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback"`
	Content  string `json:"content"`
}

// tree executes the leaf of a delegation path, bubbles the result up
// through each ancestor and asks the assessor for a final verdict.
func (a *attempt) tree(ctx context.Context, tr *router.TreeRoute) *Result {
	e := a.e
	tree := e.router.Tree()
	leaf := tree.Nodes[tr.Leaf]

	resp, err := a.step(ctx, leaf.Agent, "leaf", leaf.ID, a.prompt)
	if err != nil {
		return &Result{Outcome: OutcomeError, Err: err}
	}
	result := resp.Content
	chain := []supervisor.BubbleStep{{NodeID: leaf.ID, Agent: leaf.Agent, Approved: true, Content: result}}

	a.setProcessing(ctx, ticket.ProcessingVerifying)

	child := leaf
	for _, idx := range tree.Ancestors(tr.Path) {
		node := tree.Nodes[idx]
		var b strings.Builder
		fmt.Fprintf(&b, "## Review from %s\n\nYour report %s worked on:\n\n%s\n", node.Name, child.Name, a.prompt)
		fmt.Fprintf(&b, "\n## Result\n%s\n\n", result)
		b.WriteString("Reply with JSON: {\"approved\": bool, \"feedback\": string, \"content\": string (revised result, optional)}\n")

		r, err := a.step(ctx, node.Agent, "review", node.ID, b.String())
		if err != nil {
			return &Result{Outcome: OutcomeError, Output: result, Err: err}
		}
		bs := supervisor.BubbleStep{NodeID: node.ID, Agent: node.Agent, Approved: true}
		var pr parentReview
		if jerr := decodeObject(r.Content, &pr); jerr == nil {
			if pr.Approved != nil {
				bs.Approved = *pr.Approved
			}
			bs.Feedback = pr.Feedback
			if strings.TrimSpace(pr.Content) != "" {
				result = pr.Content
			}
		} else {
			bs.Feedback = strings.TrimSpace(r.Content)
		}
		bs.Content = result
		chain = append(chain, bs)
		child = node
	}

	assessment, err := e.hooks.Assessor.AssessCompletion(ctx, a.t, chain, result)
	if err != nil {
		e.logger.WarnContext(ctx, "completion assessment failed, resolving for manual review",
			slog.String("ticket_id", a.t.ID.String()),
			slog.String("error", err.Error()),
		)
		return &Result{Outcome: OutcomeResolved, Output: result, NeedsManualReview: true, Reason: "assessment unavailable: " + err.Error()}
	}
	switch assessment.Verdict {
	case supervisor.VerdictDone:
		if router.DeliverableFor(a.t) == ticket.DeliverablePlan {
			if v := VerifyDeliverable(ticket.DeliverablePlan, result, 0); v.Passed {
				a.storeTasks(ctx, v.Tasks)
			}
		}
		return &Result{Outcome: OutcomeResolved, Output: result}
	case supervisor.VerdictEscalate:
		return &Result{Outcome: OutcomeEscalated, Output: result, Reason: firstNonEmpty(assessment.Reason, assessment.Feedback, "assessment escalated")}
	default:
		reason := firstNonEmpty(assessment.Feedback, assessment.Reason, "assessment requested rework")
		for _, s := range chain {
			if !s.Approved && s.Feedback != "" {
				reason += "; " + s.NodeID + ": " + s.Feedback
			}
		}
		return &Result{Outcome: OutcomeNeedsRework, Output: result, Reason: reason}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
