// Package pipeline executes one dispatch attempt of a ticket: it resolves
// a route, calls each agent on it, reviews and verifies the output and
// reports a single Outcome. It never re-queues or escalates by itself;
// the scheduler applies retry policy to the Result.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/kazi/internal/clock"
	"github.com/jkaninda/kazi/internal/invoker"
	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

// ErrTimeout is returned when an agent call outlives the step timeout.
var ErrTimeout = errors.New("agent call timed out")

// Outcome is the terminal state of one attempt.
type Outcome string

const (
	OutcomeResolved      Outcome = "resolved"
	OutcomeNeedsRework   Outcome = "needs_rework"
	OutcomeHeldForReview Outcome = "held_for_review"
	OutcomeEscalated     Outcome = "escalated"
	OutcomeError         Outcome = "error"
	OutcomeSkipped       Outcome = "skipped" // Resolved, cancelled or on hold before execution.
	OutcomeBlocked       Outcome = "blocked" // Blocker still open.
)

// Result is what an attempt reports back to the scheduler.
type Result struct {
	TicketID          uuid.UUID
	Outcome           Outcome
	Output            string
	Reason            string // Why the attempt did not resolve.
	Question          string // For HeldForReview: what to ask the human.
	NeedsManualReview bool
	BlockedBy         *uuid.UUID
	Err               error
	Actions           []json.RawMessage // Directives returned by agents along the way.
	TokensUsed        int
}

// Config configures an Executor.
type Config struct {
	StepTimeout time.Duration // Per agent call. Default: 5m.
}

func (c Config) stepTimeout() time.Duration {
	if c.StepTimeout > 0 {
		return c.StepTimeout
	}
	return 5 * time.Minute
}

// Executor runs attempts. It is safe for concurrent use; each slot
// goroutine calls Run independently.
type Executor struct {
	store   ticket.Store
	inv     invoker.Invoker
	router  *router.Router
	hooks   supervisor.Hooks
	clock   clock.Clock
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	config  Config
}

// NewExecutor creates an executor. Nil hooks fall back to no-ops.
func NewExecutor(
	store ticket.Store,
	inv invoker.Invoker,
	rt *router.Router,
	hooks supervisor.Hooks,
	clk clock.Clock,
	metrics *Metrics,
	logger *slog.Logger,
	config Config,
) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Executor{
		store:   store,
		inv:     inv,
		router:  rt,
		hooks:   hooks.WithDefaults(),
		clock:   clk,
		metrics: metrics,
		tracer:  noop.NewTracerProvider().Tracer(""),
		logger:  logger,
		config:  config,
	}
}

// WithTracer records a span per attempt.
func (e *Executor) WithTracer(t trace.Tracer) *Executor {
	if t != nil {
		e.tracer = t
	}
	return e
}

// Run executes one attempt for the ticket. notes are free-text guidance
// from pre-dispatch validation.
func (e *Executor) Run(ctx context.Context, ticketID uuid.UUID, notes string) *Result {
	t, err := e.store.Get(ctx, ticketID)
	if err != nil {
		return &Result{TicketID: ticketID, Outcome: OutcomeError, Err: fmt.Errorf("loading ticket: %w", err)}
	}

	if res := e.precheck(ctx, t); res != nil {
		return res
	}

	route, err := e.router.Route(t)
	if err != nil {
		return &Result{TicketID: t.ID, Outcome: OutcomeError, Err: err}
	}
	desc := route.Describe(e.router.Tree())
	if _, err := e.store.Update(ctx, t.ID, ticket.Patch{TreeRoute: &desc}); err != nil {
		e.logger.WarnContext(ctx, "recording route", slog.String("ticket_id", t.ID.String()), slog.String("error", err.Error()))
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("ticket.id", t.ID.String()),
		attribute.String("pipeline.strategy", string(route.Strategy)),
	))
	defer span.End()

	run := &ticket.Run{
		TicketID:  t.ID,
		Strategy:  string(route.Strategy),
		Route:     desc,
		Status:    ticket.RunRunning,
		StartedAt: e.clock.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		e.logger.WarnContext(ctx, "creating run record", slog.String("error", err.Error()))
	}

	a := &attempt{e: e, t: t, run: run, prompt: e.buildPrompt(ctx, t, notes)}
	var res *Result
	if route.Strategy == router.StrategyTree {
		res = a.tree(ctx, route.Tree)
	} else {
		res = a.linear(ctx, route.Linear)
	}
	res.TicketID = t.ID
	res.Actions = a.actions
	res.TokensUsed = a.tokens

	status, errMsg := ticket.RunSucceeded, ""
	if res.Outcome == OutcomeError {
		status = ticket.RunFailed
		if res.Err != nil {
			errMsg = res.Err.Error()
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, errMsg)
		}
	}
	span.SetAttributes(attribute.String("pipeline.outcome", string(res.Outcome)))
	if err := e.store.CompleteRun(ctx, run.ID, status, string(res.Outcome), errMsg); err != nil {
		e.logger.WarnContext(ctx, "completing run record", slog.String("error", err.Error()))
	}
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(string(route.Strategy), string(res.Outcome)).Inc()
	}

	e.logger.InfoContext(ctx, "attempt finished",
		slog.String("ticket_id", t.ID.String()),
		slog.String("strategy", string(route.Strategy)),
		slog.String("outcome", string(res.Outcome)),
		slog.String("reason", res.Reason),
	)
	return res
}

// precheck returns a non-nil result when the ticket must not execute.
func (e *Executor) precheck(ctx context.Context, t *ticket.Ticket) *Result {
	if t.Status.Terminal() || t.Status == ticket.StatusOnHold || t.ProcessingStatus == ticket.ProcessingHolding {
		return &Result{TicketID: t.ID, Outcome: OutcomeSkipped, Reason: fmt.Sprintf("status %s/%s", t.Status, t.ProcessingStatus)}
	}
	if t.BlockingTicketID == nil {
		return nil
	}
	blocker, err := e.store.Get(ctx, *t.BlockingTicketID)
	switch {
	case errors.Is(err, ticket.ErrNotFound), err == nil && (blocker.Status == ticket.StatusResolved || blocker.Status == ticket.StatusCancelled):
		if _, err := e.store.Update(ctx, t.ID, ticket.Patch{ClearBlocking: true}); err != nil {
			return &Result{TicketID: t.ID, Outcome: OutcomeError, Err: fmt.Errorf("clearing stale blocker: %w", err)}
		}
		t.BlockingTicketID = nil
		return nil
	case err != nil:
		return &Result{TicketID: t.ID, Outcome: OutcomeError, Err: fmt.Errorf("loading blocker: %w", err)}
	default:
		id := *t.BlockingTicketID
		return &Result{TicketID: t.ID, Outcome: OutcomeBlocked, BlockedBy: &id, Reason: "blocked by " + id.String()}
	}
}

// call runs fn against the injected clock's timer.
func (e *Executor) call(ctx context.Context, fn func(context.Context) (*invoker.Response, error)) (*invoker.Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type reply struct {
		resp *invoker.Response
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		resp, err := fn(ctx)
		ch <- reply{resp, err}
	}()

	timeout := e.config.stepTimeout()
	select {
	case r := <-ch:
		if r.err == nil && r.resp == nil {
			return nil, errors.New("agent returned no response")
		}
		return r.resp, r.err
	case <-e.clock.After(timeout):
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
