package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/ticket"
)

// linear runs the steps in order, feeding each the original prompt plus
// the previous step's output, then reviews and verifies the final output.
func (a *attempt) linear(ctx context.Context, steps []router.Step) *Result {
	e := a.e
	output := ""
	for _, s := range steps {
		msg := a.prompt
		if output != "" {
			msg += "\n## Previous Output\n" + output + "\n"
		}
		if s.Deliverable != ticket.DeliverableNone {
			msg += fmt.Sprintf("\nProduce a %s.\n", s.Deliverable)
		}
		if s.Stage != "" && s.Stage != a.t.Stage {
			stage := s.Stage
			if _, err := e.store.Update(ctx, a.t.ID, ticket.Patch{Stage: &stage}); err == nil {
				a.t.Stage = stage
			}
		}
		resp, err := a.step(ctx, s.Agent, s.Stage, "", msg)
		if err != nil {
			return &Result{Outcome: OutcomeError, Output: output, Err: err}
		}
		output = resp.Content
	}

	a.setProcessing(ctx, ticket.ProcessingVerifying)

	review, err := e.hooks.Reviewer.Review(ctx, a.t, output)
	if err != nil {
		e.logger.WarnContext(ctx, "review hook failed, continuing to verification",
			slog.String("ticket_id", a.t.ID.String()),
			slog.String("error", err.Error()),
		)
	} else {
		if review.Escalate {
			q := review.Question
			if q == "" {
				q = review.Feedback
			}
			return &Result{Outcome: OutcomeHeldForReview, Output: output, Question: q, Reason: "review requested human input"}
		}
		if !review.Approved {
			return &Result{Outcome: OutcomeNeedsRework, Output: output, Reason: "review rejected: " + review.Feedback}
		}
	}

	return a.verify(ctx, output)
}

// verify applies success criteria when the ticket has them, else the
// deliverable heuristics.
func (a *attempt) verify(ctx context.Context, output string) *Result {
	e := a.e
	if a.t.Criteria != nil {
		ok, reason := checkCriteria(ctx, e.store, *a.t.Criteria, output)
		if a.t.Criteria.Method == ticket.CriteriaManual {
			return &Result{Outcome: OutcomeHeldForReview, Output: output, Question: "Confirm the task meets its success criteria.", Reason: reason}
		}
		if !ok {
			return &Result{Outcome: OutcomeNeedsRework, Output: output, Reason: reason}
		}
		return &Result{Outcome: OutcomeResolved, Output: output}
	}

	deliverable := router.DeliverableFor(a.t)
	existing := 0
	if deliverable == ticket.DeliverablePlan {
		if tasks, err := e.store.TasksByPlan(ctx, a.t.ID); err == nil {
			existing = len(tasks)
		}
	}
	v := VerifyDeliverable(deliverable, output, existing)
	if !v.Passed {
		return &Result{Outcome: OutcomeNeedsRework, Output: output, Reason: v.Reason}
	}
	if deliverable == ticket.DeliverablePlan && existing == 0 {
		a.storeTasks(ctx, v.Tasks)
	}
	return &Result{Outcome: OutcomeResolved, Output: output}
}

func (a *attempt) storeTasks(ctx context.Context, titles []string) {
	for _, title := range titles {
		task := &ticket.Task{PlanID: a.t.ID, Title: title, Status: "pending", CreatedAt: a.e.clock.Now().UTC()}
		if err := a.e.store.CreateTask(ctx, task); err != nil {
			a.e.logger.WarnContext(ctx, "storing plan task", slog.String("error", err.Error()))
			return
		}
	}
}
