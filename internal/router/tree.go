package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Node is one agent in the delegation hierarchy. Parent and Children are
// indices into Tree.Nodes; the root has Parent == -1.
type Node struct {
	ID          string
	Name        string
	Agent       string
	Description string
	Keywords    []string
	Default     bool // Chosen when no sibling scores.
	Parent      int
	Children    []int
	Level       int
}

// Tree is a statically loaded agent hierarchy. Nodes[0] is the root.
type Tree struct {
	Nodes []Node
	byID  map[string]int
}

// CandidateScore is the score one child received at a delegation step.
type CandidateScore struct {
	Node  int `json:"node"`
	Score int `json:"score"`
}

// Delegation methods recorded on each step.
const (
	MethodKeyword     = "keyword"
	MethodDescription = "description"
	MethodDefault     = "default"
)

// DelegationStep records how one level of the hierarchy was traversed.
type DelegationStep struct {
	Level  int              `json:"level"`
	From   int              `json:"from"`
	Chosen int              `json:"chosen"`
	Method string           `json:"method"`
	Scores []CandidateScore `json:"scores"`
}

// TreeRoute is a resolved root-to-leaf path.
type TreeRoute struct {
	Path  []int            `json:"path"`
	Steps []DelegationStep `json:"steps"`
	Leaf  int              `json:"leaf"`
	Agent string           `json:"agent"`
}

// NodeSpec is the nested on-disk form of a hierarchy.
type NodeSpec struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Agent       string     `json:"agent" yaml:"agent"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords    []string   `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Default     bool       `json:"default,omitempty" yaml:"default,omitempty"`
	Children    []NodeSpec `json:"children,omitempty" yaml:"children,omitempty"`
}

// LoadTree reads a hierarchy from a YAML or JSON (comments allowed) file.
func LoadTree(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hierarchy %s: %w", path, err)
	}
	var root NodeSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("parsing YAML hierarchy %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &root); err != nil {
			return nil, fmt.Errorf("parsing JSON hierarchy %s: %w", path, err)
		}
	}
	return Build(root)
}

// Build flattens a nested spec into an index-linked tree and validates it.
func Build(root NodeSpec) (*Tree, error) {
	t := &Tree{byID: make(map[string]int)}
	var add func(spec NodeSpec, parent, level int) error
	add = func(spec NodeSpec, parent, level int) error {
		if spec.ID == "" {
			return fmt.Errorf("node at level %d under %d has no id", level, parent)
		}
		if _, dup := t.byID[spec.ID]; dup {
			return fmt.Errorf("duplicate node id %q", spec.ID)
		}
		idx := len(t.Nodes)
		name := spec.Name
		if name == "" {
			name = spec.ID
		}
		t.Nodes = append(t.Nodes, Node{
			ID:          spec.ID,
			Name:        name,
			Agent:       spec.Agent,
			Description: spec.Description,
			Keywords:    lowerAll(spec.Keywords),
			Default:     spec.Default,
			Parent:      parent,
			Level:       level,
		})
		t.byID[spec.ID] = idx
		if parent >= 0 {
			t.Nodes[parent].Children = append(t.Nodes[parent].Children, idx)
		}
		for _, c := range spec.Children {
			if err := add(c, idx, level+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(root, -1, 0); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks index integrity: every parent/child link is in range and
// symmetric, the walk from each node reaches the root, and leaves are bound
// to an agent.
func (t *Tree) Validate() error {
	n := len(t.Nodes)
	if n == 0 {
		return fmt.Errorf("hierarchy is empty")
	}
	if t.Nodes[0].Parent != -1 {
		return fmt.Errorf("node 0 must be the root")
	}
	for i, node := range t.Nodes {
		if i > 0 && (node.Parent < 0 || node.Parent >= n) {
			return fmt.Errorf("node %q: parent index %d out of range [0, %d)", node.ID, node.Parent, n)
		}
		for _, c := range node.Children {
			if c <= 0 || c >= n {
				return fmt.Errorf("node %q: child index %d out of range", node.ID, c)
			}
			if t.Nodes[c].Parent != i {
				return fmt.Errorf("node %q: child %q points to another parent", node.ID, t.Nodes[c].ID)
			}
		}
		if len(node.Children) == 0 && node.Agent == "" {
			return fmt.Errorf("leaf node %q has no agent", node.ID)
		}
		// Walking up must terminate within n hops.
		hops, cur := 0, i
		for cur != 0 {
			cur = t.Nodes[cur].Parent
			hops++
			if hops > n {
				return fmt.Errorf("node %q: cycle in parent links", node.ID)
			}
		}
	}
	return nil
}

// Index returns the node index for an ID.
func (t *Tree) Index(id string) (int, bool) {
	if t.byID == nil {
		t.byID = make(map[string]int, len(t.Nodes))
		for i, n := range t.Nodes {
			t.byID[n.ID] = i
		}
	}
	i, ok := t.byID[id]
	return i, ok
}

// AgentFor resolves a node ID to its concrete agent.
func (t *Tree) AgentFor(id string) (string, bool) {
	i, ok := t.Index(id)
	if !ok || t.Nodes[i].Agent == "" {
		return "", false
	}
	return t.Nodes[i].Agent, true
}

// Ancestors returns the indices above leaf on the path, nearest first.
func (t *Tree) Ancestors(path []int) []int {
	out := make([]int, 0, len(path))
	for i := len(path) - 2; i >= 0; i-- {
		out = append(out, path[i])
	}
	return out
}

// PathString renders a path as "root > child > leaf".
func (t *Tree) PathString(path []int) string {
	names := make([]string, len(path))
	for i, idx := range path {
		names[i] = t.Nodes[idx].Name
	}
	return strings.Join(names, " > ")
}

// Resolve walks from the root to a leaf, choosing at each level the child
// whose keywords and description best match the text.
func (t *Tree) Resolve(text string) (*TreeRoute, error) {
	if len(t.Nodes) == 0 {
		return nil, fmt.Errorf("hierarchy is empty")
	}
	words := tokenize(text)
	route := &TreeRoute{Path: []int{0}}
	cur := 0
	for len(t.Nodes[cur].Children) > 0 {
		step := t.delegate(cur, words)
		route.Steps = append(route.Steps, step)
		cur = step.Chosen
		route.Path = append(route.Path, cur)
		if len(route.Path) > len(t.Nodes) {
			return nil, fmt.Errorf("delegation did not terminate")
		}
	}
	route.Leaf = cur
	route.Agent = t.Nodes[cur].Agent
	return route, nil
}

// delegate scores the children of node from. Keyword hits weigh three,
// description overlaps one. Ties go to the earlier child.
func (t *Tree) delegate(from int, words map[string]bool) DelegationStep {
	children := t.Nodes[from].Children
	step := DelegationStep{Level: t.Nodes[from].Level + 1, From: from, Chosen: -1}
	bestScore, bestKeyword := 0, false
	for _, c := range children {
		kw := keywordHits(t.Nodes[c].Keywords, words)
		score := 3*kw + descriptionOverlap(t.Nodes[c].Description, words)
		step.Scores = append(step.Scores, CandidateScore{Node: c, Score: score})
		if score > bestScore {
			bestScore, bestKeyword = score, kw > 0
			step.Chosen = c
		}
	}
	switch {
	case step.Chosen >= 0 && bestKeyword:
		step.Method = MethodKeyword
	case step.Chosen >= 0:
		step.Method = MethodDescription
	default:
		step.Method = MethodDefault
		step.Chosen = children[0]
		for _, c := range children {
			if t.Nodes[c].Default {
				step.Chosen = c
				break
			}
		}
	}
	sort.SliceStable(step.Scores, func(i, j int) bool { return step.Scores[i].Score > step.Scores[j].Score })
	return step
}

func keywordHits(keywords []string, words map[string]bool) int {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(kw, " ") {
			parts := strings.Fields(kw)
			all := true
			for _, p := range parts {
				if !words[p] {
					all = false
					break
				}
			}
			if all {
				hits++
			}
			continue
		}
		if words[kw] {
			hits++
		}
	}
	return hits
}

func descriptionOverlap(desc string, words map[string]bool) int {
	n := 0
	for w := range tokenize(desc) {
		if len(w) > 3 && words[w] {
			n++
		}
	}
	return n
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		out[f] = true
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

// DefaultTree is the built-in hierarchy used when no file is configured.
func DefaultTree() *Tree {
	t, err := Build(NodeSpec{
		ID: "boss", Name: "Boss", Agent: "boss",
		Children: []NodeSpec{
			{
				ID: "engineering", Name: "Engineering", Agent: "engineering_lead",
				Description: "Writes, fixes and tests software",
				Keywords:    []string{"code", "implement", "bug", "fix", "api", "function", "refactor", "build", "endpoint"},
				Children: []NodeSpec{
					{ID: "backend", Name: "Backend", Agent: "backend_engineer", Default: true,
						Description: "Server side services, storage and APIs",
						Keywords:    []string{"api", "database", "server", "endpoint", "sql", "service", "queue", "backend"}},
					{ID: "frontend", Name: "Frontend", Agent: "frontend_engineer",
						Description: "User interface pages and components",
						Keywords:    []string{"ui", "css", "react", "component", "page", "layout", "button", "frontend"}},
					{ID: "qa", Name: "QA", Agent: "qa_engineer",
						Description: "Tests, verification and regression checks",
						Keywords:    []string{"test", "tests", "testing", "verify", "regression", "coverage"}},
				},
			},
			{
				ID: "planning", Name: "Planning", Agent: "planning_lead",
				Description: "Plans, roadmaps and system design",
				Keywords:    []string{"plan", "roadmap", "milestone", "breakdown", "estimate", "design", "architecture"},
				Children: []NodeSpec{
					{ID: "architect", Name: "Architect", Agent: "architect",
						Description: "Architecture, interfaces and data models",
						Keywords:    []string{"design", "architecture", "diagram", "interface", "schema"}},
					{ID: "planner", Name: "Planner", Agent: "planner", Default: true,
						Description: "Task plans and breakdowns",
						Keywords:    []string{"plan", "tasks", "steps", "breakdown", "milestone", "roadmap"}},
				},
			},
			{
				ID: "research", Name: "Research", Agent: "research_lead", Default: true,
				Description: "Investigation, analysis and documentation",
				Keywords:    []string{"research", "investigate", "compare", "analyze", "document", "docs"},
				Children: []NodeSpec{
					{ID: "researcher", Name: "Researcher", Agent: "researcher", Default: true,
						Description: "Investigates questions and compares options",
						Keywords:    []string{"research", "investigate", "compare", "analyze", "evaluate"}},
					{ID: "writer", Name: "Writer", Agent: "technical_writer",
						Description: "Documentation, guides and readme files",
						Keywords:    []string{"document", "docs", "readme", "guide", "write"}},
				},
			},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("router: default hierarchy invalid: %v", err))
	}
	return t
}
