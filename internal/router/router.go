// Package router maps tickets to a team queue and to an execution route:
// either a fixed linear pipeline of agent steps or a delegation path
// through an agent hierarchy. Everything here is a pure function of the
// ticket and the loaded hierarchy.
package router

import (
	"fmt"
	"strings"

	"github.com/jkaninda/kazi/internal/ticket"
)

// Strategy selects how a ticket is executed.
type Strategy string

const (
	StrategyLinear Strategy = "linear"
	StrategyTree   Strategy = "tree"
)

// ParseStrategy validates a configured strategy name. Empty means linear.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case "", StrategyLinear:
		return StrategyLinear, nil
	case StrategyTree:
		return StrategyTree, nil
	default:
		return "", fmt.Errorf("unknown routing strategy %q (use linear or tree)", s)
	}
}

// Route is the resolved execution plan for one dispatch attempt.
// Exactly one of Linear or Tree is set.
type Route struct {
	Strategy Strategy
	Linear   []Step
	Tree     *TreeRoute
}

// Describe renders the route for the ticket audit trail.
func (r Route) Describe(tree *Tree) string {
	if r.Tree != nil && tree != nil {
		return tree.PathString(r.Tree.Path)
	}
	names := make([]string, len(r.Linear))
	for i, s := range r.Linear {
		names[i] = s.Agent
	}
	return strings.Join(names, " -> ")
}

// Router resolves routes for tickets.
type Router struct {
	strategy Strategy
	tree     *Tree
}

// New creates a router. A nil tree falls back to DefaultTree when the
// tree strategy is selected.
func New(strategy Strategy, tree *Tree) *Router {
	if strategy == StrategyTree && tree == nil {
		tree = DefaultTree()
	}
	return &Router{strategy: strategy, tree: tree}
}

// Tree returns the loaded hierarchy, or nil for linear routing.
func (r *Router) Tree() *Tree { return r.tree }

// Strategy returns the configured strategy.
func (r *Router) Strategy() Strategy { return r.strategy }

// Team returns the queue a ticket belongs in.
func (r *Router) Team(t *ticket.Ticket) ticket.Team { return TeamFor(t) }

// Route computes a fresh route for the ticket. Tickets pinned to a single
// agent always run as a one-step linear pipeline.
func (r *Router) Route(t *ticket.Ticket) (Route, error) {
	if t.Agent != "" || r.strategy == StrategyLinear {
		return Route{Strategy: StrategyLinear, Linear: LinearPipeline(t)}, nil
	}
	tr, err := r.tree.Resolve(t.Title + "\n" + t.Body)
	if err != nil {
		return Route{}, fmt.Errorf("resolving tree route: %w", err)
	}
	return Route{Strategy: StrategyTree, Tree: tr}, nil
}

// TeamFor maps an operation type to its team. Unknown operations go to
// the orchestrator team.
func TeamFor(t *ticket.Ticket) ticket.Team {
	switch t.OperationType {
	case ticket.OpCodeGeneration, ticket.OpCodeReview, ticket.OpBugFix, ticket.OpDesign:
		return ticket.TeamCodingDirector
	case ticket.OpPlanGeneration, ticket.OpTaskBreakdown:
		return ticket.TeamPlanning
	case ticket.OpVerification, ticket.OpTesting:
		return ticket.TeamVerification
	default:
		return ticket.TeamOrchestrator
	}
}
