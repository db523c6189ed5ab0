package orchestrator

import (
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

// --- Queue ordering ---

func TestSortQueue_Order(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	blocker := uuid.New()
	mk := func(name string, p ticket.Priority, at time.Duration, seq int64) *entry {
		return &entry{Title: name, Priority: p, EnqueuedAt: t0.Add(at), SeqNum: seq}
	}
	blocked := mk("blocked-p1", ticket.P1, 0, 1)
	blocked.BlockedBy = &blocker
	pinned := mk("pinned-p3", ticket.P3, 5*time.Second, 2)
	pinned.Pin = -1

	q := []*entry{
		blocked,
		mk("p2-late", ticket.P2, 3*time.Second, 3),
		mk("p1-b", ticket.P1, time.Second, 6),
		pinned,
		mk("p2-early", ticket.P2, time.Second, 4),
		mk("p1-a", ticket.P1, time.Second, 5),
	}

	sortQueue(q)
	var got []string
	for _, e := range q {
		got = append(got, e.Title)
	}
	want := []string{"pinned-p3", "p1-a", "p1-b", "p2-early", "p2-late", "blocked-p1"}
	if !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	sortQueue(q)
	var again []string
	for _, e := range q {
		again = append(again, e.Title)
	}
	if !slices.Equal(again, want) {
		t.Errorf("second sort changed order: %v", again)
	}
}

func TestSortAll_ReordersEveryTeam(t *testing.T) {
	s := newBareScheduler(Config{})
	queueN(s, ticket.TeamPlanning, 2)
	queueN(s, ticket.TeamVerification, 2)
	// Directives change these in place without re-sorting.
	s.queues[ticket.TeamPlanning][1].Priority = ticket.P1
	s.queues[ticket.TeamVerification][1].Pin = -1

	s.sortAll()
	for _, team := range []ticket.Team{ticket.TeamPlanning, ticket.TeamVerification} {
		if got := s.queues[team][0].SeqNum; got != 1 {
			t.Errorf("%s head = seq %d, want 1", team, got)
		}
	}
}

func TestParseAIMode(t *testing.T) {
	tests := []struct {
		in      string
		want    AIMode
		wantErr bool
	}{
		{"", ModeSmart, false},
		{"Manual", ModeManual, false},
		{" hybrid ", ModeHybrid, false},
		{"suggest", ModeSuggest, false},
		{"yolo", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAIMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAIMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAIMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", Config{}, false},
		{"over cap", Config{MaxSlots: 2, Allocations: map[ticket.Team]int{ticket.TeamPlanning: 2, ticket.TeamOrchestrator: 1}}, true},
		{"unknown team", Config{Allocations: map[ticket.Team]int{"marketing": 1}}, true},
		{"negative", Config{Allocations: map[ticket.Team]int{ticket.TeamPlanning: -1}}, true},
		{"bad mode", Config{AIMode: "chaos"}, true},
		{"bad schedule", Config{IdleSchedule: "every tuesday"}, true},
		{"descriptor schedule", Config{RecoverySchedule: "@every 1m"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// --- Slot borrowing ---

func newBareScheduler(cfg Config) *Scheduler {
	return NewScheduler(ticket.NewMemoryStore(), router.New(router.StrategyLinear, nil), nil,
		supervisor.Hooks{}, nil, nil, nil, cfg)
}

func queueN(s *Scheduler, team ticket.Team, n int) {
	for i := range n {
		s.queues[team] = append(s.queues[team], &entry{TicketID: uuid.New(), Team: team, Priority: ticket.P2, SeqNum: int64(i)})
	}
}

func TestRebalance_IdleTeamsLend(t *testing.T) {
	s := newBareScheduler(Config{MaxSlots: 4})
	queueN(s, ticket.TeamPlanning, 3)

	s.rebalance()

	planning := s.teams[ticket.TeamPlanning]
	if planning.Borrowed != 2 {
		t.Errorf("planning borrowed = %d, want 2", planning.Borrowed)
	}
	if planning.effective() != 3 {
		t.Errorf("planning effective = %d, want 3", planning.effective())
	}
	assertBorrowingInvariants(t, s)
}

func TestRebalance_BorrowCappedByNeed(t *testing.T) {
	s := newBareScheduler(Config{MaxSlots: 8, Allocations: map[ticket.Team]int{
		ticket.TeamOrchestrator:   2,
		ticket.TeamPlanning:       2,
		ticket.TeamVerification:   2,
		ticket.TeamCodingDirector: 2,
	}})
	queueN(s, ticket.TeamPlanning, 3) // needs 1 extra
	queueN(s, ticket.TeamVerification, 2)

	s.rebalance()

	if got := s.teams[ticket.TeamPlanning].Borrowed; got != 1 {
		t.Errorf("planning borrowed = %d, want 1", got)
	}
	if got := s.teams[ticket.TeamVerification].Borrowed; got != 0 {
		t.Errorf("verification borrowed = %d, want 0", got)
	}
	assertBorrowingInvariants(t, s)
}

func TestRebalance_ProportionalSplit(t *testing.T) {
	s := newBareScheduler(Config{MaxSlots: 4})
	queueN(s, ticket.TeamPlanning, 4)       // needs 3
	queueN(s, ticket.TeamCodingDirector, 2) // needs 1

	s.rebalance()

	p := s.teams[ticket.TeamPlanning].Borrowed
	c := s.teams[ticket.TeamCodingDirector].Borrowed
	if p+c != 2 {
		t.Fatalf("borrowed total = %d, want 2 (two idle teams)", p+c)
	}
	if p < c {
		t.Errorf("planning borrowed %d < coding borrowed %d despite larger need", p, c)
	}
	assertBorrowingInvariants(t, s)
}

func TestRebalance_BlockedEntriesDoNotCount(t *testing.T) {
	s := newBareScheduler(Config{MaxSlots: 4})
	queueN(s, ticket.TeamPlanning, 3)
	blocker := uuid.New()
	for _, e := range s.queues[ticket.TeamPlanning] {
		e.BlockedBy = &blocker
	}

	s.rebalance()

	for _, team := range ticket.Teams {
		if s.teams[team].Borrowed != 0 || s.teams[team].Lent != 0 {
			t.Errorf("%s borrowed=%d lent=%d, want no borrowing", team, s.teams[team].Borrowed, s.teams[team].Lent)
		}
	}
}

func assertBorrowingInvariants(t *testing.T, s *Scheduler) {
	t.Helper()
	borrowed, lent, effective := 0, 0, 0
	for _, team := range ticket.Teams {
		ts := s.teams[team]
		if ts.Lent > ts.Allocated {
			t.Errorf("%s lent %d of %d allocated", team, ts.Lent, ts.Allocated)
		}
		if ts.Borrowed > 0 && ts.Lent > 0 {
			t.Errorf("%s both borrows and lends", team)
		}
		borrowed += ts.Borrowed
		lent += ts.Lent
		effective += ts.effective()
	}
	if borrowed != lent {
		t.Errorf("borrowed %d != lent %d", borrowed, lent)
	}
	if effective > s.config.maxSlots() {
		t.Errorf("effective total %d exceeds max slots %d", effective, s.config.maxSlots())
	}
}
