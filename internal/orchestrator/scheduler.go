// Package orchestrator implements the team queue scheduler: per-team
// priority queues, a bounded slot pool with round-robin selection and
// slot borrowing, the retry and escalation policy, the circuit breaker,
// resource holds and the Boss supervisory cycle.
//
// All scheduler state is owned by a single loop goroutine. Public methods
// post closures to the loop and wait for them; slot goroutines run the
// pipeline executor and report back over a completion channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/clock"
	"github.com/jkaninda/kazi/internal/invoker"
	"github.com/jkaninda/kazi/internal/notification"
	"github.com/jkaninda/kazi/internal/pipeline"
	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

var (
	// ErrNotRunning is returned by public methods before Start or after Stop.
	ErrNotRunning = errors.New("scheduler is not running")
	// ErrNotQueued is returned when an operation needs a queued ticket.
	ErrNotQueued = errors.New("ticket is not queued")
	// ErrGhost is returned when a ghost ticket is submitted for scheduling.
	ErrGhost = errors.New("ghost tickets are not scheduled")
	// ErrTerminal is returned when a resolved, escalated or cancelled ticket is enqueued.
	ErrTerminal = errors.New("ticket is in a terminal state")
)

// AIMode gates dispatch on human approval.
type AIMode string

const (
	ModeManual  AIMode = "manual"  // Nothing runs until a human dispatches it.
	ModeSuggest AIMode = "suggest" // Every ticket needs an approval.
	ModeHybrid  AIMode = "hybrid"  // Frontend and design work needs an approval.
	ModeSmart   AIMode = "smart"   // Everything proceeds.
)

// ParseAIMode validates a mode name. Empty means smart.
func ParseAIMode(s string) (AIMode, error) {
	switch m := AIMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeSmart, nil
	case ModeManual, ModeSuggest, ModeHybrid, ModeSmart:
		return m, nil
	default:
		return "", fmt.Errorf("unknown AI mode %q", s)
	}
}

// Executor runs one dispatch attempt. *pipeline.Executor satisfies it.
type Executor interface {
	Run(ctx context.Context, ticketID uuid.UUID, notes string) *pipeline.Result
}

// ResourceSwitcher is told when a swap changes the active resource.
type ResourceSwitcher interface {
	Switch(ctx context.Context, from, to string) error
}

// Config configures the scheduler.
type Config struct {
	MaxSlots         int                 // Global slot cap. Default: 4.
	Allocations      map[ticket.Team]int // Per-team slots. Default: 1 each.
	AIMode           AIMode              // Default: smart.
	MaxTicketRetries int                 // Verification retries before escalation. Default: 3.
	MaxErrorRetries  int                 // Execution error retries before escalation. Default: 3.
	BreakerThreshold int                 // Consecutive failures that trip the breaker. Default: 5.
	BreakerCooldown  time.Duration       // Default: 60s.
	HoldTimeout      time.Duration       // Default hold timeout. Default: 30m.
	MaxSwapsPerCycle int                 // Default: 1.
	ActiveResource   string              // Resource active at startup.
	StaleProcessing  time.Duration       // Recovery threshold for stuck processing. Default: 10m.
	RejectBackoff    time.Duration       // Wait before retrying a ticket validation rejected. Default: 30s.
	BossEnabled      bool
	IdleSchedule     string // Cron spec for the Boss idle check. Default: "@every 5m".
	RecoverySchedule string // Cron spec for the recovery scan. Empty disables it.
	SelectCandidates int    // Candidates offered to the selector. Default: 10.
}

func (c Config) maxSlots() int {
	if c.MaxSlots > 0 {
		return c.MaxSlots
	}
	return 4
}

func (c Config) maxTicketRetries() int {
	if c.MaxTicketRetries > 0 {
		return c.MaxTicketRetries
	}
	return 3
}

func (c Config) maxErrorRetries() int {
	if c.MaxErrorRetries > 0 {
		return c.MaxErrorRetries
	}
	return 3
}

func (c Config) breakerThreshold() int {
	if c.BreakerThreshold > 0 {
		return c.BreakerThreshold
	}
	return 5
}

func (c Config) breakerCooldown() time.Duration {
	if c.BreakerCooldown > 0 {
		return c.BreakerCooldown
	}
	return 60 * time.Second
}

func (c Config) holdTimeout() time.Duration {
	if c.HoldTimeout > 0 {
		return c.HoldTimeout
	}
	return 30 * time.Minute
}

func (c Config) maxSwaps() int {
	if c.MaxSwapsPerCycle > 0 {
		return c.MaxSwapsPerCycle
	}
	return 1
}

func (c Config) staleProcessing() time.Duration {
	if c.StaleProcessing > 0 {
		return c.StaleProcessing
	}
	return 10 * time.Minute
}

func (c Config) rejectBackoff() time.Duration {
	if c.RejectBackoff > 0 {
		return c.RejectBackoff
	}
	return 30 * time.Second
}

func (c Config) idleSchedule() string {
	if c.IdleSchedule != "" {
		return c.IdleSchedule
	}
	return "@every 5m"
}

func (c Config) selectCandidates() int {
	if c.SelectCandidates > 0 {
		return c.SelectCandidates
	}
	return 10
}

func (c Config) allocations() map[ticket.Team]int {
	out := make(map[ticket.Team]int, len(ticket.Teams))
	if len(c.Allocations) == 0 {
		for _, t := range ticket.Teams {
			out[t] = 1
		}
		return out
	}
	for _, t := range ticket.Teams {
		out[t] = c.Allocations[t]
	}
	return out
}

// Validate checks allocations against the slot cap.
func (c Config) Validate() error {
	if _, err := ParseAIMode(string(c.AIMode)); err != nil {
		return err
	}
	total := 0
	for team, n := range c.Allocations {
		if !team.Valid() {
			return fmt.Errorf("unknown team %q in allocations", team)
		}
		if n < 0 {
			return fmt.Errorf("negative allocation for team %s", team)
		}
		total += n
	}
	if total > c.maxSlots() {
		return fmt.Errorf("allocations total %d exceeds max slots %d", total, c.maxSlots())
	}
	for _, spec := range []string{c.IdleSchedule, c.RecoverySchedule} {
		if spec == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler is the team queue scheduler.
type Scheduler struct {
	store     ticket.Store
	router    *router.Router
	exec      Executor
	hooks     supervisor.Hooks
	approvals approval.ApprovalManager
	auto      *approval.AutoApprover
	notifier  notification.Notifier
	inv       invoker.Invoker
	switcher  ResourceSwitcher
	events    *Bus
	clock     clock.Clock
	metrics   *Metrics
	logger    *slog.Logger
	config    Config

	ops         chan func(context.Context)
	completions chan completion
	done        chan struct{}
	started     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// Owned by the loop goroutine.
	queues         map[ticket.Team][]*entry
	teams          map[ticket.Team]*teamState
	active         map[uuid.UUID]*slot
	holds          []*holdEntry
	cancelled      map[ticket.Team]int
	rotation       int
	pinSeq         int
	filling        bool
	tripped        bool
	failures       int
	breakerGen     int
	cooldown       clock.Timer
	idleSince      time.Time
	bossRunning    bool
	lastBoss       time.Time
	notepad        string
	aiMode         AIMode
	activeResource string
}

// NewScheduler creates a scheduler. Call Start to run it.
func NewScheduler(
	store ticket.Store,
	rt *router.Router,
	exec Executor,
	hooks supervisor.Hooks,
	clk clock.Clock,
	metrics *Metrics,
	logger *slog.Logger,
	config Config,
) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.Real()
	}
	mode, err := ParseAIMode(string(config.AIMode))
	if err != nil {
		logger.Warn("invalid AI mode, using smart", slog.String("mode", string(config.AIMode)))
		mode = ModeSmart
	}
	s := &Scheduler{
		store:          store,
		router:         rt,
		exec:           exec,
		hooks:          hooks.WithDefaults(),
		switcher:       logSwitcher{logger: logger},
		clock:          clk,
		metrics:        metrics,
		logger:         logger,
		config:         config,
		ops:            make(chan func(context.Context)),
		completions:    make(chan completion),
		done:           make(chan struct{}),
		queues:         make(map[ticket.Team][]*entry),
		teams:          make(map[ticket.Team]*teamState),
		active:         make(map[uuid.UUID]*slot),
		cancelled:      make(map[ticket.Team]int),
		aiMode:         mode,
		activeResource: config.ActiveResource,
	}
	for team, n := range config.allocations() {
		s.teams[team] = &teamState{Allocated: n}
	}
	return s
}

// WithApprovals enables dispatch and review approvals. auto may be nil.
func (s *Scheduler) WithApprovals(mgr approval.ApprovalManager, auto *approval.AutoApprover) *Scheduler {
	s.approvals = mgr
	s.auto = auto
	return s
}

// WithNotifier sends escalation and review alerts.
func (s *Scheduler) WithNotifier(n notification.Notifier) *Scheduler {
	s.notifier = n
	return s
}

// WithInvoker lets call_support_agent directives reach agents synchronously.
func (s *Scheduler) WithInvoker(inv invoker.Invoker) *Scheduler {
	s.inv = inv
	return s
}

// WithSwitcher replaces the default logging resource switcher.
func (s *Scheduler) WithSwitcher(sw ResourceSwitcher) *Scheduler {
	if sw != nil {
		s.switcher = sw
	}
	return s
}

// WithEvents publishes scheduler events on bus.
func (s *Scheduler) WithEvents(bus *Bus) *Scheduler {
	s.events = bus
	return s
}

// Start runs the recovery scan and launches the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	err := s.do(ctx, func(ctx context.Context) error {
		n := s.recoverTickets(ctx)
		s.logger.InfoContext(ctx, "scheduler started",
			slog.Int("recovered", n),
			slog.Int("max_slots", s.config.maxSlots()),
			slog.String("ai_mode", string(s.aiMode)),
		)
		if s.config.BossEnabled {
			if err := s.schedule(s.config.idleSchedule(), s.bossTick); err != nil {
				return err
			}
		}
		if s.config.RecoverySchedule != "" {
			if err := s.schedule(s.config.RecoverySchedule, s.recoveryTick); err != nil {
				return err
			}
		}
		s.kick(ctx)
		return nil
	})
	if err != nil {
		s.Stop()
		return err
	}
	return nil
}

// Stop halts the loop and waits for slot goroutines. In-flight results
// are dropped; recovery re-enqueues those tickets on the next start.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.ops:
			fn(ctx)
		case c := <-s.completions:
			s.handleCompletion(ctx, c)
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Scheduler) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.started.Load() {
		return ErrNotRunning
	}
	errc := make(chan error, 1)
	op := func(loopCtx context.Context) { errc <- fn(loopCtx) }
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting. Safe to call from timer
// callbacks and from the loop itself.
func (s *Scheduler) post(fn func(ctx context.Context)) {
	go func() {
		select {
		case s.ops <- fn:
		case <-s.done:
		}
	}()
}

// background runs fn on a tracked goroutine with panics logged.
func (s *Scheduler) background(ctx context.Context, name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := catch(func() { fn(ctx) }); err != nil {
			s.logger.ErrorContext(ctx, "background task panicked",
				slog.String("task", name),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// schedule arms fn on a cron schedule driven by the injected clock.
func (s *Scheduler) schedule(spec string, fn func(ctx context.Context)) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	s.armSchedule(sched, fn)
	return nil
}

func (s *Scheduler) armSchedule(sched cron.Schedule, fn func(ctx context.Context)) {
	now := s.clock.Now()
	s.clock.AfterFunc(sched.Next(now).Sub(now), func() {
		s.post(func(ctx context.Context) {
			fn(ctx)
			s.armSchedule(sched, fn)
		})
	})
}

// kick starts a scheduling cycle. Coming out of idle with work waiting,
// the Boss reviews the queues once first and fills slots when done.
func (s *Scheduler) kick(ctx context.Context) {
	if s.bossRunning {
		// The cycle fills slots when it finishes.
		return
	}
	if s.config.BossEnabled && len(s.active) == 0 && !s.idleSince.IsZero() &&
		s.lastBoss.Before(s.idleSince) && s.totalQueued() > 0 {
		s.startBoss(ctx, "transition")
		return
	}
	s.fillSlots(ctx)
}

func (s *Scheduler) publish(kind EventType, id uuid.UUID, team ticket.Team, detail string) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{
		Type:     kind,
		TicketID: id,
		Team:     team,
		Detail:   detail,
		Time:     s.clock.Now().UTC(),
	})
}

func (s *Scheduler) audit(ctx context.Context, id *uuid.UUID, actor, action, detail string) {
	if err := s.store.RecordAudit(ctx, &ticket.AuditEntry{
		ID:        uuid.New(),
		TicketID:  id,
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.clock.Now().UTC(),
	}); err != nil {
		s.logger.WarnContext(ctx, "recording audit entry failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

type logSwitcher struct{ logger *slog.Logger }

func (l logSwitcher) Switch(ctx context.Context, from, to string) error {
	l.logger.InfoContext(ctx, "active resource switched",
		slog.String("from", from),
		slog.String("to", to),
	)
	return nil
}
