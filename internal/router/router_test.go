package router

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/ticket"
)

func TestTeamFor(t *testing.T) {
	tests := []struct {
		op   ticket.OperationType
		want ticket.Team
	}{
		{ticket.OpCodeGeneration, ticket.TeamCodingDirector},
		{ticket.OpBugFix, ticket.TeamCodingDirector},
		{ticket.OpDesign, ticket.TeamCodingDirector},
		{ticket.OpPlanGeneration, ticket.TeamPlanning},
		{ticket.OpTaskBreakdown, ticket.TeamPlanning},
		{ticket.OpVerification, ticket.TeamVerification},
		{ticket.OpTesting, ticket.TeamVerification},
		{ticket.OpResearch, ticket.TeamOrchestrator},
		{"something_new", ticket.TeamOrchestrator},
	}
	for _, tt := range tests {
		if got := TeamFor(&ticket.Ticket{OperationType: tt.op}); got != tt.want {
			t.Errorf("TeamFor(%q) = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestLinearPipeline_Wrappers(t *testing.T) {
	steps := LinearPipeline(&ticket.Ticket{OperationType: ticket.OpCodeGeneration})
	if len(steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(steps))
	}
	if steps[0].Agent != AgentAssessment {
		t.Errorf("first step = %q, want %q", steps[0].Agent, AgentAssessment)
	}
	last := steps[len(steps)-1]
	if last.Agent != AgentCompletionReview {
		t.Errorf("last step = %q, want %q", last.Agent, AgentCompletionReview)
	}
	if last.Deliverable != ticket.DeliverableCode {
		t.Errorf("review deliverable = %q, want code", last.Deliverable)
	}

	general := LinearPipeline(&ticket.Ticket{OperationType: "unknown"})
	if len(general) != 3 || general[1].Agent != "generalist" {
		t.Errorf("unknown op pipeline = %+v", general)
	}
}

func TestLinearPipeline_PinnedAgent(t *testing.T) {
	steps := LinearPipeline(&ticket.Ticket{OperationType: ticket.OpCodeGeneration, Agent: "security_auditor"})
	if len(steps) != 1 || steps[0].Agent != "security_auditor" {
		t.Fatalf("steps = %+v, want single pinned step", steps)
	}
}

func TestDeliverableFor_TicketOverrides(t *testing.T) {
	tk := &ticket.Ticket{OperationType: ticket.OpResearch, DeliverableType: ticket.DeliverablePlan}
	if got := DeliverableFor(tk); got != ticket.DeliverablePlan {
		t.Errorf("got %q, want plan", got)
	}
	tk.DeliverableType = ticket.DeliverableNone
	if got := DeliverableFor(tk); got != ticket.DeliverableReport {
		t.Errorf("got %q, want report", got)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyLinear {
		t.Errorf("empty = %q, %v", s, err)
	}
	if s, err := ParseStrategy("TREE"); err != nil || s != StrategyTree {
		t.Errorf("TREE = %q, %v", s, err)
	}
	if _, err := ParseStrategy("random"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestTree_ResolveKeyword(t *testing.T) {
	tree := DefaultTree()
	route, err := tree.Resolve("Implement the login API endpoint")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := tree.PathString(route.Path); got != "Boss > Engineering > Backend" {
		t.Errorf("path = %q", got)
	}
	if route.Agent != "backend_engineer" {
		t.Errorf("agent = %q", route.Agent)
	}
	if len(route.Steps) != 2 {
		t.Fatalf("steps = %d, want one per level", len(route.Steps))
	}
	for i, s := range route.Steps {
		if s.Method != MethodKeyword {
			t.Errorf("step %d method = %q, want keyword", i, s.Method)
		}
		if s.Level != i+1 {
			t.Errorf("step %d level = %d", i, s.Level)
		}
	}
}

func TestTree_ResolveDefault(t *testing.T) {
	tree := DefaultTree()
	route, err := tree.Resolve("zzz qqq")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Agent != "researcher" {
		t.Errorf("agent = %q, want researcher", route.Agent)
	}
	if route.Steps[0].Method != MethodDefault {
		t.Errorf("method = %q, want default", route.Steps[0].Method)
	}
}

func TestTree_ResolveDescription(t *testing.T) {
	tree, err := Build(NodeSpec{
		ID: "root", Agent: "root",
		Children: []NodeSpec{
			{ID: "a", Agent: "agent_a", Description: "handles billing invoices"},
			{ID: "b", Agent: "agent_b", Description: "handles shipping parcels"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	route, err := tree.Resolve("where are my parcels")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.Agent != "agent_b" || route.Steps[0].Method != MethodDescription {
		t.Errorf("route = %+v", route)
	}
}

func TestTree_TieGoesToFirstChild(t *testing.T) {
	tree, err := Build(NodeSpec{
		ID: "root", Agent: "root",
		Children: []NodeSpec{
			{ID: "a", Agent: "agent_a", Keywords: []string{"deploy"}},
			{ID: "b", Agent: "agent_b", Keywords: []string{"deploy"}},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	route, _ := tree.Resolve("deploy it")
	if route.Agent != "agent_a" {
		t.Errorf("agent = %q, want agent_a", route.Agent)
	}
}

func TestTree_Validate(t *testing.T) {
	tests := []struct {
		name string
		tree *Tree
		want string
	}{
		{"empty", &Tree{}, "empty"},
		{"bad root", &Tree{Nodes: []Node{{ID: "r", Parent: 0, Agent: "x"}}}, "root"},
		{"child out of range", &Tree{Nodes: []Node{{ID: "r", Parent: -1, Children: []int{5}}}}, "out of range"},
		{"asymmetric", &Tree{Nodes: []Node{
			{ID: "r", Parent: -1, Children: []int{1}},
			{ID: "c", Parent: 2, Agent: "x"},
			{ID: "d", Parent: 0, Agent: "y"},
		}}, "another parent"},
		{"leaf without agent", &Tree{Nodes: []Node{
			{ID: "r", Parent: -1, Children: []int{1}},
			{ID: "c", Parent: 0},
		}}, "no agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tree.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestBuild_DuplicateID(t *testing.T) {
	_, err := Build(NodeSpec{ID: "r", Children: []NodeSpec{{ID: "x", Agent: "a"}, {ID: "x", Agent: "b"}}})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLoadTree_YAMLAndJSONC(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "tree.yaml")
	yamlData := `id: root
agent: boss
children:
  - id: ops
    agent: ops_agent
    keywords: [Deploy, rollback]
  - id: docs
    agent: writer
    default: true
`
	if err := os.WriteFile(yamlPath, []byte(yamlData), 0o600); err != nil {
		t.Fatal(err)
	}
	tree, err := LoadTree(yamlPath)
	if err != nil {
		t.Fatalf("LoadTree yaml: %v", err)
	}
	if len(tree.Nodes) != 3 || tree.Nodes[1].Parent != 0 || tree.Nodes[0].Children[1] != 2 {
		t.Fatalf("nodes = %+v", tree.Nodes)
	}
	if agent, ok := tree.AgentFor("ops"); !ok || agent != "ops_agent" {
		t.Errorf("AgentFor(ops) = %q, %v", agent, ok)
	}
	route, _ := tree.Resolve("please deploy v2")
	if route.Agent != "ops_agent" {
		t.Errorf("keywords not lowercased: agent = %q", route.Agent)
	}

	jsonPath := filepath.Join(dir, "tree.jsonc")
	jsonData := `{
  // hierarchy root
  "id": "root", "agent": "boss",
  "children": [{"id": "only", "agent": "solo"}],
}`
	if err := os.WriteFile(jsonPath, []byte(jsonData), 0o600); err != nil {
		t.Fatal(err)
	}
	tree, err = LoadTree(jsonPath)
	if err != nil {
		t.Fatalf("LoadTree jsonc: %v", err)
	}
	if len(tree.Nodes) != 2 {
		t.Errorf("nodes = %d, want 2", len(tree.Nodes))
	}
}

func TestRouter_Route(t *testing.T) {
	r := New(StrategyTree, nil)
	route, err := r.Route(&ticket.Ticket{Title: "Fix the React button layout", OperationType: ticket.OpBugFix})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if route.Strategy != StrategyTree || route.Tree == nil {
		t.Fatalf("route = %+v, want tree", route)
	}
	if route.Tree.Agent != "frontend_engineer" {
		t.Errorf("agent = %q", route.Tree.Agent)
	}
	if !strings.HasPrefix(route.Describe(r.Tree()), "Boss > Engineering") {
		t.Errorf("describe = %q", route.Describe(r.Tree()))
	}

	pinned, _ := r.Route(&ticket.Ticket{Title: "x", Agent: "helper"})
	if pinned.Strategy != StrategyLinear || len(pinned.Linear) != 1 {
		t.Errorf("pinned route = %+v", pinned)
	}
}
