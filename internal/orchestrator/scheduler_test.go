package orchestrator

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/clock"
	"github.com/jkaninda/kazi/internal/pipeline"
	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// --- Dispatch and completion ---

func TestScheduler_TeamsRunConcurrently(t *testing.T) {
	h := newHarness(t, Config{MaxSlots: 4}, supervisor.Hooks{})
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	h.s.WithEvents(bus)
	h.start(t)

	t1 := newTicket("plan the release", ticket.TeamPlanning)
	t2 := newTicket("build the release", ticket.TeamCodingDirector)
	g1, g2 := h.exec.block(t1.ID), h.exec.block(t2.ID)
	h.submit(t, t1)
	h.submit(t, t2)

	waitFor(t, "both tickets dispatched", func() bool {
		return h.exec.count(t1.ID) == 1 && h.exec.count(t2.ID) == 1
	})
	st := h.status(t)
	if st.Active != 2 || st.State != StateActive {
		t.Errorf("active = %d state = %s, want 2 active", st.Active, st.State)
	}
	if got := h.get(t, t1.ID); got.Status != ticket.StatusInReview || got.ProcessingStatus != ticket.ProcessingActive {
		t.Errorf("t1 = %s/%s, want in_review/processing", got.Status, got.ProcessingStatus)
	}

	close(g1)
	close(g2)
	h.waitStatus(t, t1.ID, ticket.StatusResolved)
	h.waitStatus(t, t2.ID, ticket.StatusResolved)

	seen := map[EventType]int{}
	for len(events) > 0 {
		seen[(<-events).Type]++
	}
	if seen[EventDispatched] != 2 {
		t.Errorf("dispatched events = %d, want 2", seen[EventDispatched])
	}
}

func TestScheduler_BlockedTicketWaitsForBlocker(t *testing.T) {
	h := newHarness(t, Config{MaxSlots: 4}, supervisor.Hooks{})
	h.start(t)

	t1 := newTicket("design schema", ticket.TeamPlanning)
	t3 := newTicket("write migration", ticket.TeamPlanning)
	t3.BlockingTicketID = &t1.ID
	g1 := h.exec.block(t1.ID)
	h.submit(t, t1)
	waitFor(t, "t1 dispatched", func() bool { return h.exec.count(t1.ID) == 1 })
	h.submit(t, t3)

	st := h.status(t)
	if row := teamRow(st, ticket.TeamPlanning); row.Blocked != 1 {
		t.Errorf("planning blocked = %d, want 1", row.Blocked)
	}
	if h.exec.count(t3.ID) != 0 {
		t.Fatal("blocked ticket ran before its blocker resolved")
	}

	close(g1)
	h.waitStatus(t, t3.ID, ticket.StatusResolved)

	if got := h.exec.order(); !slices.Equal(got, []uuid.UUID{t1.ID, t3.ID}) {
		t.Errorf("execution order = %v, want t1 then t3", got)
	}
	if got := h.get(t, t3.ID); got.BlockingTicketID != nil {
		t.Errorf("blocking reference not cleared: %v", got.BlockingTicketID)
	}
}

func TestScheduler_CancelledBlockerReleasesDependent(t *testing.T) {
	h := newHarness(t, Config{MaxSlots: 1, Allocations: map[ticket.Team]int{ticket.TeamPlanning: 1}}, supervisor.Hooks{})
	h.start(t)

	busy := newTicket("busy", ticket.TeamPlanning)
	blocker := newTicket("blocker", ticket.TeamPlanning)
	dep := newTicket("dependent", ticket.TeamPlanning)
	dep.BlockingTicketID = &blocker.ID
	g := h.exec.block(busy.ID)
	h.submit(t, busy)
	waitFor(t, "busy dispatched", func() bool { return h.exec.count(busy.ID) == 1 })
	h.submit(t, blocker)
	h.submit(t, dep)

	if err := h.s.Cancel(context.Background(), blocker.ID, "superseded"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(g)
	h.waitStatus(t, dep.ID, ticket.StatusResolved)
	if h.exec.count(blocker.ID) != 0 {
		t.Error("cancelled blocker ran")
	}
}

func TestScheduler_FillRotatesAcrossTeams(t *testing.T) {
	h := newHarness(t, Config{
		MaxSlots:    4,
		Allocations: map[ticket.Team]int{ticket.TeamPlanning: 2, ticket.TeamCodingDirector: 2},
	}, supervisor.Hooks{})
	bus := NewBus()
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()
	h.s.WithEvents(bus)
	ctx := context.Background()

	var gates []chan struct{}
	for _, team := range []ticket.Team{ticket.TeamPlanning, ticket.TeamPlanning, ticket.TeamCodingDirector, ticket.TeamCodingDirector} {
		tk := newTicket("work for "+string(team), team)
		tk.Status, tk.ProcessingStatus = ticket.StatusOpen, ticket.ProcessingQueued
		if err := h.store.Create(ctx, tk); err != nil {
			t.Fatalf("seed: %v", err)
		}
		gates = append(gates, h.exec.block(tk.ID))
	}
	defer func() {
		for _, g := range gates {
			close(g)
		}
	}()

	// Recovery queues all four before the first fill.
	h.start(t)
	if st := h.status(t); st.Active != 4 {
		t.Fatalf("active = %d, want 4", st.Active)
	}

	var order []ticket.Team
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventDispatched {
			order = append(order, ev.Team)
		}
	}
	want := []ticket.Team{ticket.TeamPlanning, ticket.TeamCodingDirector, ticket.TeamPlanning, ticket.TeamCodingDirector}
	if !slices.Equal(order, want) {
		t.Errorf("dispatch order = %v, want %v", order, want)
	}
}

// --- Store failures ---

func TestScheduler_FailedDispatchWriteKeepsTicketQueued(t *testing.T) {
	h := newHarness(t, Config{}, supervisor.Hooks{})
	store := &failingStore{MemoryStore: h.store, when: func(p ticket.Patch) bool {
		return p.Status != nil && *p.Status == ticket.StatusInReview
	}}
	store.arm(1)
	h.s = NewScheduler(store, router.New(router.StrategyLinear, nil), h.exec, supervisor.Hooks{}, h.clk, nil, nil, Config{})
	h.start(t)

	tk := newTicket("plan the rollout", ticket.TeamPlanning)
	h.submit(t, tk)

	st := h.status(t)
	if st.TotalQueued != 1 || st.Active != 0 || st.HoldSize != 0 {
		t.Fatalf("queued=%d active=%d hold=%d, want the ticket still queued", st.TotalQueued, st.Active, st.HoldSize)
	}
	if got := h.get(t, tk.ID); got.Status != ticket.StatusOpen || got.ProcessingStatus != ticket.ProcessingQueued {
		t.Errorf("ticket = %s/%s, want open/queued", got.Status, got.ProcessingStatus)
	}
	if h.exec.count(tk.ID) != 0 {
		t.Error("ticket ran although its dispatch write failed")
	}

	h.clk.Advance(30 * time.Second)
	h.waitStatus(t, tk.ID, ticket.StatusResolved)
}

func TestScheduler_FailedReleaseWriteStillRequeues(t *testing.T) {
	cfg := Config{MaxSlots: 1, Allocations: map[ticket.Team]int{ticket.TeamPlanning: 1}}
	h := newHarness(t, cfg, supervisor.Hooks{})
	store := &failingStore{MemoryStore: h.store, when: func(p ticket.Patch) bool {
		return p.Status != nil && *p.Status == ticket.StatusOpen &&
			p.ProcessingStatus != nil && *p.ProcessingStatus == ticket.ProcessingQueued
	}}
	h.s = NewScheduler(store, router.New(router.StrategyLinear, nil), h.exec, supervisor.Hooks{}, h.clk, nil, nil, cfg)
	h.start(t)
	ctx := context.Background()

	busy := newTicket("busy", ticket.TeamPlanning)
	held := newTicket("needs model B", ticket.TeamPlanning)
	g := h.exec.block(busy.ID)
	h.submit(t, busy)
	waitFor(t, "busy dispatched", func() bool { return h.exec.count(busy.ID) == 1 })
	h.submit(t, held)
	if err := h.s.Hold(ctx, held.ID, "model-B", time.Minute); err != nil {
		t.Fatalf("Hold: %v", err)
	}

	store.arm(1)
	if n, err := h.s.Release(ctx, "model-B"); err != nil || n != 1 {
		t.Fatalf("Release = %d, %v, want 1", n, err)
	}
	if st := h.status(t); st.HoldSize != 0 || st.TotalQueued != 1 {
		t.Fatalf("hold=%d queued=%d, want 0/1", st.HoldSize, st.TotalQueued)
	}

	close(g)
	h.waitStatus(t, held.ID, ticket.StatusResolved)
}

// --- Retry and escalation ---

func TestScheduler_VerificationFailuresEscalateWithGhost(t *testing.T) {
	h := newHarness(t, Config{MaxSlots: 4}, supervisor.Hooks{})
	h.exec.script = func(uuid.UUID, int) *pipeline.Result {
		return &pipeline.Result{Outcome: pipeline.OutcomeNeedsRework, Reason: "missing tests", Output: "func main() {}"}
	}
	h.start(t)

	tk := newTicket("add retry logic", ticket.TeamCodingDirector)
	h.submit(t, tk)
	h.waitStatus(t, tk.ID, ticket.StatusEscalated)

	got := h.get(t, tk.ID)
	if got.VerificationRetries != 3 {
		t.Errorf("verification retries = %d, want 3", got.VerificationRetries)
	}
	if got.ProcessingStatus != ticket.ProcessingAwaitingUser {
		t.Errorf("processing = %q, want awaiting_user", got.ProcessingStatus)
	}

	var ghost *ticket.Ticket
	waitFor(t, "ghost ticket", func() bool {
		children, _ := h.store.Children(context.Background(), tk.ID)
		for i := range children {
			if children[i].Ghost {
				ghost = &children[i]
				return true
			}
		}
		return false
	})
	if !strings.HasPrefix(ghost.Title, "[Escalation] ") {
		t.Errorf("ghost title = %q", ghost.Title)
	}
	if ghost.Priority != ticket.P1 || ghost.ProcessingStatus != ticket.ProcessingAwaitingUser {
		t.Errorf("ghost = %s/%s, want P1 awaiting_user", ghost.Priority, ghost.ProcessingStatus)
	}
	if !strings.Contains(ghost.Body, "## What happened") || !strings.Contains(ghost.Body, "## Technical context") {
		t.Errorf("ghost body missing sections:\n%s", ghost.Body)
	}

	notes, _ := h.store.DiagnosticNotes(context.Background(), tk.ID)
	if len(notes) != 2 {
		t.Fatalf("diagnostic notes = %d, want 2", len(notes))
	}
	if !strings.Contains(notes[0].Note, "attempt 1 of 3") || notes[0].ErrorContext != "func main() {}" {
		t.Errorf("first note = %+v", notes[0])
	}

	if n := h.exec.count(tk.ID); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if st := h.status(t); st.TotalQueued != 0 || st.Active != 0 {
		t.Errorf("escalated ticket still tracked: queued=%d active=%d", st.TotalQueued, st.Active)
	}
}

func TestScheduler_ErrorRetriesCountUp(t *testing.T) {
	h := newHarness(t, Config{MaxSlots: 4}, supervisor.Hooks{})
	var (
		mu   sync.Mutex
		seen []int
	)
	h.exec.script = func(id uuid.UUID, attempt int) *pipeline.Result {
		tk, _ := h.store.Get(context.Background(), id)
		mu.Lock()
		seen = append(seen, tk.ErrorRetries)
		mu.Unlock()
		if attempt <= 2 {
			return &pipeline.Result{Outcome: pipeline.OutcomeError, Err: errors.New("429 rate limit exceeded")}
		}
		return &pipeline.Result{Outcome: pipeline.OutcomeResolved}
	}
	h.start(t)

	tk := newTicket("summarise logs", ticket.TeamOrchestrator)
	h.submit(t, tk)
	h.waitStatus(t, tk.ID, ticket.StatusResolved)

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(seen, []int{0, 1, 2}) {
		t.Errorf("error retries seen by attempts = %v, want [0 1 2]", seen)
	}
	got := h.get(t, tk.ID)
	if got.ErrorRetries != 2 {
		t.Errorf("error retries = %d, want 2", got.ErrorRetries)
	}
	if got.VerificationRetries != 0 {
		t.Errorf("verification retries = %d, want 0", got.VerificationRetries)
	}
	notes, _ := h.store.DiagnosticNotes(context.Background(), tk.ID)
	if len(notes) != 2 || len(notes[0].SuggestedActions) == 0 {
		t.Fatalf("notes = %+v, want 2 with suggestions", notes)
	}
	if !strings.Contains(notes[0].SuggestedActions[0], "rate limiting") {
		t.Errorf("suggestion = %q", notes[0].SuggestedActions[0])
	}
}

func TestScheduler_ErrorRetriesEscalate(t *testing.T) {
	h := newHarness(t, Config{MaxSlots: 4, MaxErrorRetries: 2, BreakerThreshold: 10}, supervisor.Hooks{})
	h.exec.script = func(uuid.UUID, int) *pipeline.Result {
		return &pipeline.Result{Outcome: pipeline.OutcomeError, Err: errors.New("agent crashed")}
	}
	h.start(t)

	tk := newTicket("flaky", ticket.TeamOrchestrator)
	h.submit(t, tk)
	h.waitStatus(t, tk.ID, ticket.StatusEscalated)
	if n := h.exec.count(tk.ID); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

// --- Circuit breaker ---

func TestScheduler_BreakerTripsAndCoolsDown(t *testing.T) {
	h := newHarness(t, Config{
		MaxSlots:        1,
		Allocations:     map[ticket.Team]int{ticket.TeamPlanning: 1},
		MaxErrorRetries: 100,
	}, supervisor.Hooks{})
	h.exec.script = func(uuid.UUID, int) *pipeline.Result {
		return &pipeline.Result{Outcome: pipeline.OutcomeError, Err: errors.New("connection refused")}
	}
	h.start(t)
	ctx := context.Background()

	tk := newTicket("unlucky", ticket.TeamPlanning)
	h.submit(t, tk)
	waitFor(t, "breaker trip", func() bool {
		tripped, _ := h.s.IsCircuitBreakerActive(ctx)
		return tripped
	})
	if n := h.exec.count(tk.ID); n != 5 {
		t.Fatalf("attempts before trip = %d, want 5", n)
	}
	if st := h.status(t); st.TotalQueued != 1 || st.Active != 0 {
		t.Errorf("queued=%d active=%d, want ticket parked in queue", st.TotalQueued, st.Active)
	}

	h.clk.Advance(59 * time.Second)
	if tripped, _ := h.s.IsCircuitBreakerActive(ctx); !tripped {
		t.Fatal("breaker reset before cooldown elapsed")
	}
	if n := h.exec.count(tk.ID); n != 5 {
		t.Fatalf("ticket ran while breaker tripped: %d attempts", n)
	}

	h.clk.Advance(time.Second)
	waitFor(t, "dispatch after cooldown", func() bool { return h.exec.count(tk.ID) >= 6 })
}

func TestScheduler_SuccessResetsFailureStreak(t *testing.T) {
	h := newHarness(t, Config{MaxSlots: 1, Allocations: map[ticket.Team]int{ticket.TeamPlanning: 1}, BreakerThreshold: 3}, supervisor.Hooks{})
	h.exec.script = func(_ uuid.UUID, attempt int) *pipeline.Result {
		if attempt <= 2 {
			return &pipeline.Result{Outcome: pipeline.OutcomeError, Err: errors.New("boom")}
		}
		return nil
	}
	h.start(t)

	a := newTicket("a", ticket.TeamPlanning)
	b := newTicket("b", ticket.TeamPlanning)
	h.submit(t, a)
	h.waitStatus(t, a.ID, ticket.StatusResolved)
	h.submit(t, b)
	h.waitStatus(t, b.ID, ticket.StatusResolved)

	if tripped, _ := h.s.IsCircuitBreakerActive(context.Background()); tripped {
		t.Error("breaker tripped although failures were never consecutive past the threshold")
	}
}

// --- Holds ---

func TestScheduler_HoldReleasesOnTimeout(t *testing.T) {
	h := newHarness(t, Config{MaxSlots: 1, Allocations: map[ticket.Team]int{ticket.TeamPlanning: 1}}, supervisor.Hooks{})
	h.start(t)
	ctx := context.Background()

	busy := newTicket("busy", ticket.TeamPlanning)
	held := newTicket("needs model B", ticket.TeamPlanning)
	g := h.exec.block(busy.ID)
	h.submit(t, busy)
	waitFor(t, "busy dispatched", func() bool { return h.exec.count(busy.ID) == 1 })
	h.submit(t, held)

	if err := h.s.Hold(ctx, held.ID, "model-B", 1000*time.Millisecond); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	st := h.status(t)
	if st.HoldSize != 1 || st.TotalQueued != 0 {
		t.Fatalf("hold=%d queued=%d, want 1/0", st.HoldSize, st.TotalQueued)
	}
	if got := h.get(t, held.ID); got.ProcessingStatus != ticket.ProcessingHolding {
		t.Errorf("processing = %q, want holding", got.ProcessingStatus)
	}

	h.clk.Advance(999 * time.Millisecond)
	if st := h.status(t); st.HoldSize != 1 {
		t.Fatalf("hold released early")
	}

	h.clk.Advance(time.Millisecond)
	waitFor(t, "hold timeout", func() bool {
		st := h.status(t)
		return st.HoldSize == 0 && st.TotalQueued == 1
	})
	got := h.get(t, held.ID)
	if got.ProcessingStatus != ticket.ProcessingQueued || got.Status != ticket.StatusOpen {
		t.Errorf("released ticket = %s/%s, want open/queued", got.Status, got.ProcessingStatus)
	}

	close(g)
	h.waitStatus(t, held.ID, ticket.StatusResolved)
}

func TestScheduler_HoldRequiresQueuedTicket(t *testing.T) {
	h := newHarness(t, Config{}, supervisor.Hooks{})
	h.start(t)
	err := h.s.Hold(context.Background(), uuid.New(), "model-B", time.Second)
	if !errors.Is(err, ErrNotQueued) {
		t.Fatalf("err = %v, want ErrNotQueued", err)
	}
}

func TestScheduler_SwapReleasesHeldWorkWhenIdle(t *testing.T) {
	h := newHarness(t, Config{
		MaxSlots:       1,
		Allocations:    map[ticket.Team]int{ticket.TeamPlanning: 1},
		ActiveResource: "model-A",
	}, supervisor.Hooks{})
	sw := &recordingSwitcher{}
	h.s.WithSwitcher(sw)
	h.start(t)

	busy := newTicket("busy", ticket.TeamPlanning)
	held := newTicket("needs model B", ticket.TeamPlanning)
	g := h.exec.block(busy.ID)
	h.submit(t, busy)
	waitFor(t, "busy dispatched", func() bool { return h.exec.count(busy.ID) == 1 })
	h.submit(t, held)
	if err := h.s.Hold(context.Background(), held.ID, "model-B", 0); err != nil {
		t.Fatalf("Hold: %v", err)
	}

	close(g)
	h.waitStatus(t, held.ID, ticket.StatusResolved)

	if got := sw.calls(); !slices.Equal(got, []string{"model-A->model-B"}) {
		t.Errorf("switches = %v", got)
	}
	if st := h.status(t); st.ActiveResource != "model-B" {
		t.Errorf("active resource = %q, want model-B", st.ActiveResource)
	}
}

// --- Cancellation ---

func TestScheduler_CancelDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t, Config{}, supervisor.Hooks{})
	h.start(t)

	tk := newTicket("long job", ticket.TeamVerification)
	g := h.exec.block(tk.ID)
	h.submit(t, tk)
	waitFor(t, "dispatch", func() bool { return h.exec.count(tk.ID) == 1 })

	if err := h.s.Cancel(context.Background(), tk.ID, "no longer needed"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(g)
	waitFor(t, "executor return", func() bool { return h.exec.finished(tk.ID) == 1 })
	time.Sleep(20 * time.Millisecond)

	got := h.get(t, tk.ID)
	if got.Status != ticket.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	st := h.status(t)
	if st.Active != 0 {
		t.Errorf("active = %d, want 0", st.Active)
	}
	if row := teamRow(st, ticket.TeamVerification); row.Cancelled != 1 {
		t.Errorf("cancelled count = %d, want 1", row.Cancelled)
	}
	if err := h.s.Cancel(context.Background(), tk.ID, "again"); !errors.Is(err, ErrTerminal) {
		t.Errorf("second cancel = %v, want ErrTerminal", err)
	}
}

// --- Recovery ---

func TestScheduler_RecoveryRules(t *testing.T) {
	h := newHarness(t, Config{AIMode: ModeManual}, supervisor.Hooks{})
	ctx := context.Background()
	seed := func(title string, st ticket.Status, ps ticket.ProcessingStatus, mut ...func(*ticket.Ticket)) uuid.UUID {
		tk := newTicket(title, ticket.TeamPlanning)
		tk.Status, tk.ProcessingStatus = st, ps
		for _, m := range mut {
			m(tk)
		}
		if err := h.store.Create(ctx, tk); err != nil {
			t.Fatalf("seed %s: %v", title, err)
		}
		return tk.ID
	}
	startedAgo := func(d time.Duration) func(*ticket.Ticket) {
		return func(tk *ticket.Ticket) {
			at := testStart.Add(-d)
			tk.ProcessingStartedAt = &at
		}
	}

	inReview := seed("in review", ticket.StatusInReview, ticket.ProcessingActive, startedAgo(time.Minute))
	inReviewHolding := seed("in review holding", ticket.StatusInReview, ticket.ProcessingHolding)
	queued := seed("queued", ticket.StatusOpen, ticket.ProcessingQueued)
	stale := seed("stale", ticket.StatusOpen, ticket.ProcessingActive, startedAgo(20*time.Minute))
	fresh := seed("fresh", ticket.StatusOpen, ticket.ProcessingActive, startedAgo(time.Minute))
	unclaimed := seed("unclaimed", ticket.StatusOpen, ticket.ProcessingNone)
	ghost := seed("ghost", ticket.StatusOpen, ticket.ProcessingNone, func(tk *ticket.Ticket) { tk.Ghost = true })
	awaiting := seed("awaiting", ticket.StatusOpen, ticket.ProcessingAwaitingUser)
	resolved := seed("resolved", ticket.StatusResolved, ticket.ProcessingNone)
	child := seed("child", ticket.StatusOpen, ticket.ProcessingNone, func(tk *ticket.Ticket) { tk.ParentTicketID = &unclaimed })

	h.start(t)

	want := map[uuid.UUID]bool{
		inReview: true, inReviewHolding: false, queued: true, stale: true, fresh: false,
		unclaimed: true, ghost: false, awaiting: false, resolved: false, child: false,
	}
	if st := h.status(t); st.TotalQueued != 4 {
		t.Errorf("queued after recovery = %d, want 4", st.TotalQueued)
	}
	for id, recovered := range want {
		got := h.get(t, id)
		isQueued := got.ProcessingStatus == ticket.ProcessingQueued
		if isQueued != recovered {
			t.Errorf("%q recovered = %t, want %t (processing %q)", got.Title, isQueued, recovered, got.ProcessingStatus)
		}
	}
	if got := h.get(t, inReview); got.Status != ticket.StatusOpen {
		t.Errorf("recovered in-review ticket status = %s, want open", got.Status)
	}

	n, err := h.s.Recover(ctx)
	if err != nil || n != 0 {
		t.Errorf("second scan = %d, %v, want nothing new", n, err)
	}
}

// --- AI mode gating ---

func TestScheduler_SuggestModeWaitsForApproval(t *testing.T) {
	h := newHarness(t, Config{AIMode: ModeSuggest}, supervisor.Hooks{})
	mgr := approval.NewManager(time.Hour, h.clk, nil)
	h.s.WithApprovals(mgr, nil)
	h.start(t)
	ctx := context.Background()

	tk := newTicket("touch prod config", ticket.TeamOrchestrator)
	h.submit(t, tk)

	var pending []approval.Request
	waitFor(t, "approval request", func() bool {
		pending, _ = mgr.List(ctx, approval.StatusPending)
		return len(pending) == 1
	})
	h.status(t)
	if pending, _ = mgr.List(ctx, approval.StatusPending); len(pending) != 1 {
		t.Fatalf("pending approvals = %d, want exactly 1", len(pending))
	}
	if pending[0].Kind != approval.KindDispatch || pending[0].TicketID != tk.ID {
		t.Fatalf("approval = %+v", pending[0])
	}
	if h.exec.count(tk.ID) != 0 {
		t.Fatal("ticket ran before approval")
	}

	if _, err := h.s.Approve(ctx, pending[0].ID, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	h.waitStatus(t, tk.ID, ticket.StatusResolved)
	if !h.get(t, tk.ID).ApprovedForDispatch {
		t.Error("approved_for_dispatch not set")
	}
}

func TestScheduler_DeniedDispatchCancels(t *testing.T) {
	h := newHarness(t, Config{AIMode: ModeSuggest}, supervisor.Hooks{})
	mgr := approval.NewManager(time.Hour, h.clk, nil)
	h.s.WithApprovals(mgr, nil)
	h.start(t)
	ctx := context.Background()

	tk := newTicket("drop tables", ticket.TeamOrchestrator)
	h.submit(t, tk)
	var pending []approval.Request
	waitFor(t, "approval request", func() bool {
		pending, _ = mgr.List(ctx, approval.StatusPending)
		return len(pending) == 1
	})
	if _, err := h.s.Deny(ctx, pending[0].ID, "bob"); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if got := h.get(t, tk.ID); got.Status != ticket.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestScheduler_HybridModeGatesFrontendOnly(t *testing.T) {
	h := newHarness(t, Config{AIMode: ModeHybrid}, supervisor.Hooks{})
	mgr := approval.NewManager(time.Hour, h.clk, nil)
	h.s.WithApprovals(mgr, nil)
	h.start(t)

	ui := newTicket("restyle header", ticket.TeamCodingDirector)
	ui.Category = "frontend"
	api := newTicket("add endpoint", ticket.TeamOrchestrator)
	api.Category = "backend"
	h.submit(t, ui)
	h.submit(t, api)

	h.waitStatus(t, api.ID, ticket.StatusResolved)
	if h.exec.count(ui.ID) != 0 {
		t.Error("frontend ticket ran without approval")
	}
	pending, _ := mgr.List(context.Background(), approval.StatusPending)
	if len(pending) != 1 || pending[0].TicketID != ui.ID {
		t.Errorf("pending = %+v, want one for the frontend ticket", pending)
	}
}

func TestScheduler_AutoApproverSkipsRequest(t *testing.T) {
	h := newHarness(t, Config{AIMode: ModeSuggest}, supervisor.Hooks{})
	mgr := approval.NewManager(time.Hour, h.clk, nil)
	auto := approval.NewAutoApprover(approval.AutoApprovalConfig{
		Enabled:           true,
		AllowedTeams:      []string{string(ticket.TeamPlanning)},
		RequiredApprovals: 1,
	}, h.clk, nil)
	auto.RecordManualApproval(approval.KindDispatch, string(ticket.TeamPlanning), "docs")
	h.s.WithApprovals(mgr, auto)
	h.start(t)

	tk := newTicket("update readme", ticket.TeamPlanning)
	tk.Category = "docs"
	h.submit(t, tk)
	h.waitStatus(t, tk.ID, ticket.StatusResolved)

	if pending, _ := mgr.List(context.Background(), approval.StatusPending); len(pending) != 0 {
		t.Errorf("pending approvals = %d, want 0", len(pending))
	}
}

// --- Supervisor hooks ---

func TestScheduler_ValidationRejectionBacksOff(t *testing.T) {
	v := &fakeValidator{rejectFirst: 1}
	h := newHarness(t, Config{}, supervisor.Hooks{Validator: v})
	h.start(t)

	tk := newTicket("risky change", ticket.TeamOrchestrator)
	h.submit(t, tk)
	waitFor(t, "rejection", func() bool { return hasAudit(h.store, tk.ID, "dispatch.rejected") })
	h.status(t)

	if h.exec.count(tk.ID) != 0 {
		t.Fatal("rejected ticket ran")
	}
	if got := h.get(t, tk.ID); got.Status != ticket.StatusOpen || got.ProcessingStatus != ticket.ProcessingQueued {
		t.Errorf("rejected ticket = %s/%s, want open/queued", got.Status, got.ProcessingStatus)
	}

	h.clk.Advance(30 * time.Second)
	h.waitStatus(t, tk.ID, ticket.StatusResolved)
	if v.calls() != 2 {
		t.Errorf("validator calls = %d, want 2", v.calls())
	}
}

func TestScheduler_HeldForReviewThenApproved(t *testing.T) {
	h := newHarness(t, Config{}, supervisor.Hooks{})
	mgr := approval.NewManager(time.Hour, h.clk, nil)
	h.s.WithApprovals(mgr, nil)
	h.exec.script = func(uuid.UUID, int) *pipeline.Result {
		return &pipeline.Result{Outcome: pipeline.OutcomeHeldForReview, Question: "Ship the banner copy?", Reason: "tone"}
	}
	h.start(t)
	ctx := context.Background()

	tk := newTicket("banner copy", ticket.TeamPlanning)
	h.submit(t, tk)
	h.waitStatus(t, tk.ID, ticket.StatusOnHold)

	pending, _ := mgr.List(ctx, approval.StatusPending)
	if len(pending) != 1 || pending[0].Kind != approval.KindReview || pending[0].Question != "Ship the banner copy?" {
		t.Fatalf("pending = %+v", pending)
	}
	if _, err := h.s.Approve(ctx, pending[0].ID, "carol"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got := h.get(t, tk.ID); got.Status != ticket.StatusResolved {
		t.Errorf("status = %s, want resolved", got.Status)
	}
}

func TestScheduler_BossSelectionRunsFirst(t *testing.T) {
	health := &fakeHealth{directives: []string{`{"type":"update_notepad","content":"watch the P3"}`}}
	sel := &fakeSelector{}
	h := newHarness(t, Config{
		AIMode:      ModeManual,
		BossEnabled: true,
		MaxSlots:    1,
		Allocations: map[ticket.Team]int{ticket.TeamPlanning: 1},
	}, supervisor.Hooks{Health: health, Selector: sel})
	ctx := context.Background()

	var pick uuid.UUID
	for _, p := range []ticket.Priority{ticket.P1, ticket.P2, ticket.P3} {
		tk := newTicket("work "+string(p), ticket.TeamPlanning)
		tk.Priority = p
		if err := h.store.Create(ctx, tk); err != nil {
			t.Fatal(err)
		}
		if p == ticket.P3 {
			pick = tk.ID
		}
	}
	sel.pick = pick
	h.start(t)

	if err := h.s.SetAIMode(ctx, ModeSmart); err != nil {
		t.Fatalf("SetAIMode: %v", err)
	}
	waitFor(t, "first dispatch", func() bool { return len(h.exec.order()) >= 1 })
	if first := h.exec.order()[0]; first != pick {
		t.Errorf("first dispatched = %s, want the boss pick %s", first, pick)
	}
	if n := sel.candidateCount(); n != 3 {
		t.Errorf("selector saw %d candidates, want 3", n)
	}
	if st := h.status(t); st.Notepad != "watch the P3" {
		t.Errorf("notepad = %q", st.Notepad)
	}
}

// --- Event bus ---

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)
	bus.Publish(Event{Type: EventEnqueued})
	bus.Publish(Event{Type: EventDispatched})

	if ev := <-ch; ev.Type != EventEnqueued {
		t.Errorf("first event = %s", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected buffered event %s", ev.Type)
	default:
	}
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
}

// --- helpers ---

type harness struct {
	s     *Scheduler
	store *ticket.MemoryStore
	clk   *clock.FakeClock
	exec  *fakeExecutor
}

func newHarness(t *testing.T, cfg Config, hooks supervisor.Hooks) *harness {
	t.Helper()
	store := ticket.NewMemoryStore()
	clk := clock.Fake(testStart)
	exec := newFakeExecutor()
	s := NewScheduler(store, router.New(router.StrategyLinear, nil), exec, hooks, clk, nil, nil, cfg)
	return &harness{s: s, store: store, clk: clk, exec: exec}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.s.Stop)
}

func newTicket(title string, team ticket.Team) *ticket.Ticket {
	return &ticket.Ticket{ID: uuid.New(), Title: title, AssignedTeam: team, Priority: ticket.P2}
}

func (h *harness) submit(t *testing.T, tk *ticket.Ticket) {
	t.Helper()
	if err := h.s.Submit(context.Background(), tk); err != nil {
		t.Fatalf("Submit %q: %v", tk.Title, err)
	}
}

func (h *harness) get(t *testing.T, id uuid.UUID) *ticket.Ticket {
	t.Helper()
	tk, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return tk
}

func (h *harness) status(t *testing.T) *Status {
	t.Helper()
	st, err := h.s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func (h *harness) waitStatus(t *testing.T, id uuid.UUID, want ticket.Status) {
	t.Helper()
	waitFor(t, "status "+string(want), func() bool {
		tk, err := h.store.Get(context.Background(), id)
		return err == nil && tk.Status == want
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func teamRow(st *Status, team ticket.Team) TeamStatus {
	for _, row := range st.Teams {
		if row.Team == team {
			return row
		}
	}
	return TeamStatus{}
}

func hasAudit(store *ticket.MemoryStore, id uuid.UUID, action string) bool {
	for _, e := range store.AuditLog() {
		if e.Action == action && e.TicketID != nil && *e.TicketID == id {
			return true
		}
	}
	return false
}

// fakeExecutor resolves every ticket unless scripted. Tickets with a gate
// wait for it to close (or for their slot to be cancelled) first.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []uuid.UUID
	counts map[uuid.UUID]int
	done   map[uuid.UUID]int
	gates  map[uuid.UUID]chan struct{}
	script func(id uuid.UUID, attempt int) *pipeline.Result
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		counts: make(map[uuid.UUID]int),
		done:   make(map[uuid.UUID]int),
		gates:  make(map[uuid.UUID]chan struct{}),
	}
}

func (f *fakeExecutor) Run(ctx context.Context, id uuid.UUID, _ string) *pipeline.Result {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	f.counts[id]++
	attempt := f.counts[id]
	gate := f.gates[id]
	script := f.script
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.done[id]++
		f.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	if script != nil {
		if r := script(id, attempt); r != nil {
			r.TicketID = id
			return r
		}
	}
	return &pipeline.Result{TicketID: id, Outcome: pipeline.OutcomeResolved, Output: "done"}
}

func (f *fakeExecutor) block(id uuid.UUID) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[id] = ch
	return ch
}

func (f *fakeExecutor) count(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[id]
}

func (f *fakeExecutor) finished(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done[id]
}

func (f *fakeExecutor) order() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.calls...)
}

type recordingSwitcher struct {
	mu  sync.Mutex
	log []string
}

func (r *recordingSwitcher) Switch(_ context.Context, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, from+"->"+to)
	return nil
}

func (r *recordingSwitcher) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.log...)
}

type fakeValidator struct {
	mu          sync.Mutex
	n           int
	rejectFirst int
}

func (v *fakeValidator) ValidateNext(context.Context, *ticket.Ticket, supervisor.Snapshot) (*supervisor.Validation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.n++
	if v.n <= v.rejectFirst {
		return &supervisor.Validation{Approve: false, Notes: "wait for the freeze to end"}, nil
	}
	return &supervisor.Validation{Approve: true}, nil
}

func (v *fakeValidator) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.n
}

type fakeHealth struct {
	directives []string
}

func (f *fakeHealth) CheckHealth(context.Context, supervisor.Snapshot) (*supervisor.HealthReport, error) {
	rep := &supervisor.HealthReport{Summary: "queues look fine"}
	for _, d := range f.directives {
		rep.Directives = append(rep.Directives, []byte(d))
	}
	return rep, nil
}

type fakeSelector struct {
	mu   sync.Mutex
	pick uuid.UUID
	seen int
}

func (f *fakeSelector) SelectNext(_ context.Context, candidates []supervisor.QueuedSummary, _ supervisor.Snapshot) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = len(candidates)
	return f.pick, nil
}

func (f *fakeSelector) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen
}

// failingStore fails the next armed Update calls whose patch matches when.
type failingStore struct {
	*ticket.MemoryStore
	mu       sync.Mutex
	failures int
	when     func(ticket.Patch) bool
}

func (f *failingStore) arm(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func (f *failingStore) Update(ctx context.Context, id uuid.UUID, patch ticket.Patch) (*ticket.Ticket, error) {
	f.mu.Lock()
	fail := f.failures > 0 && f.when(patch)
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("store unavailable")
	}
	return f.MemoryStore.Update(ctx, id, patch)
}
