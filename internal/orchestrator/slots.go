package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/jkaninda/kazi/internal/pipeline"
	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

// teamState is the capacity book-keeping for one team.
type teamState struct {
	Allocated  int
	Borrowed   int
	Lent       int
	LastServed time.Time
}

// effective is allocated + borrowed - lent, floored at zero.
func (t *teamState) effective() int {
	return max(0, t.Allocated+t.Borrowed-t.Lent)
}

// slot is one ticket in flight.
type slot struct {
	TicketID  uuid.UUID
	Team      ticket.Team
	Title     string
	StartedAt time.Time
	entry     *entry
	stop      context.CancelFunc
}

// completion is what a slot goroutine reports back to the loop.
type completion struct {
	slot       *slot
	result     *pipeline.Result
	validation *supervisor.Validation // Set when pre-dispatch validation rejected the ticket.
}

func (s *Scheduler) activeByTeam() map[ticket.Team]int {
	out := make(map[ticket.Team]int, len(ticket.Teams))
	for _, sl := range s.active {
		out[sl.Team]++
	}
	return out
}

func (s *Scheduler) pendingByTeam() map[ticket.Team]int {
	out := make(map[ticket.Team]int, len(ticket.Teams))
	for team, q := range s.queues {
		for _, e := range q {
			if !e.blocked() {
				out[team]++
			}
		}
	}
	return out
}

// rebalance recomputes slot borrowing. Idle teams (nothing pending,
// nothing active, some allocation) lend their allocation to teams whose
// pending work exceeds their free capacity, in proportion to need and
// never more than a team needs. Leftover slots go to the largest needs.
func (s *Scheduler) rebalance() {
	pending := s.pendingByTeam()
	active := s.activeByTeam()

	type need struct {
		team ticket.Team
		n    int
	}
	var (
		idle      []ticket.Team
		needs     []need
		lendable  int
		totalNeed int
	)
	for _, team := range ticket.Teams {
		ts := s.teams[team]
		ts.Borrowed, ts.Lent = 0, 0
		p, a := pending[team], active[team]
		if p == 0 && a == 0 && ts.Allocated > 0 {
			idle = append(idle, team)
			lendable += ts.Allocated
			continue
		}
		free := max(0, ts.Allocated-a)
		if p > free {
			needs = append(needs, need{team, p - free})
			totalNeed += p - free
		}
	}
	if lendable == 0 || totalNeed == 0 {
		return
	}

	give := min(lendable, totalNeed)
	grants := make(map[ticket.Team]int, len(needs))
	granted := 0
	for _, n := range needs {
		g := min(give*n.n/totalNeed, n.n)
		grants[n.team] = g
		granted += g
	}
	sort.SliceStable(needs, func(i, j int) bool { return needs[i].n > needs[j].n })
	for granted < give {
		progressed := false
		for _, n := range needs {
			if granted >= give {
				break
			}
			if grants[n.team] < n.n {
				grants[n.team]++
				granted++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	for team, g := range grants {
		s.teams[team].Borrowed = g
	}

	remaining := granted
	for _, team := range idle {
		l := min(remaining, s.teams[team].Allocated)
		s.teams[team].Lent = l
		remaining -= l
	}
}

// freeCapacity is how many more slots a team may occupy right now.
func (s *Scheduler) freeCapacity(team ticket.Team, active map[ticket.Team]int) int {
	return s.teams[team].effective() - active[team]
}

// catch runs fn and converts a panic into an error.
func catch(fn func()) error {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return nil
}
