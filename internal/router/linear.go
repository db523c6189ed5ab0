package router

import "github.com/jkaninda/kazi/internal/ticket"

// Wrapper agents that open and close every linear pipeline.
const (
	AgentAssessment       = "assessment"
	AgentCompletionReview = "completion_review"
)

// Step is one agent invocation in a linear pipeline.
type Step struct {
	Agent       string                 `json:"agent"`
	Deliverable ticket.DeliverableType `json:"deliverable,omitempty"`
	Stage       string                 `json:"stage"`
}

// core steps per operation, without the assessment/review wrappers.
var pipelines = map[ticket.OperationType][]Step{
	ticket.OpCodeGeneration: {
		{Agent: "architect", Deliverable: ticket.DeliverableDesign, Stage: "design"},
		{Agent: "coder", Deliverable: ticket.DeliverableCode, Stage: "implement"},
	},
	ticket.OpBugFix: {
		{Agent: "debugger", Stage: "diagnose"},
		{Agent: "coder", Deliverable: ticket.DeliverableCode, Stage: "implement"},
	},
	ticket.OpCodeReview:     {{Agent: "code_reviewer", Deliverable: ticket.DeliverableReport, Stage: "review"}},
	ticket.OpDesign:         {{Agent: "architect", Deliverable: ticket.DeliverableDesign, Stage: "design"}},
	ticket.OpPlanGeneration: {{Agent: "planner", Deliverable: ticket.DeliverablePlan, Stage: "plan"}},
	ticket.OpTaskBreakdown:  {{Agent: "planner", Deliverable: ticket.DeliverablePlan, Stage: "breakdown"}},
	ticket.OpVerification:   {{Agent: "verifier", Deliverable: ticket.DeliverableReport, Stage: "verify"}},
	ticket.OpTesting:        {{Agent: "tester", Deliverable: ticket.DeliverableCode, Stage: "test"}},
	ticket.OpResearch:       {{Agent: "researcher", Deliverable: ticket.DeliverableReport, Stage: "research"}},
	ticket.OpDocumentation:  {{Agent: "technical_writer", Deliverable: ticket.DeliverableDocument, Stage: "write"}},
}

var generalPipeline = []Step{{Agent: "generalist", Stage: "execute"}}

// LinearPipeline returns the ordered steps for a ticket. A ticket pinned
// to an agent gets exactly that agent.
func LinearPipeline(t *ticket.Ticket) []Step {
	if t.Agent != "" {
		return []Step{{Agent: t.Agent, Deliverable: t.DeliverableType, Stage: "execute"}}
	}
	core, ok := pipelines[t.OperationType]
	if !ok {
		core = generalPipeline
	}
	steps := make([]Step, 0, len(core)+2)
	steps = append(steps, Step{Agent: AgentAssessment, Stage: "assess"})
	steps = append(steps, core...)
	steps = append(steps, Step{Agent: AgentCompletionReview, Deliverable: DeliverableFor(t), Stage: "review"})
	return steps
}

// DeliverableFor returns the deliverable verified at the end of the
// pipeline: the ticket's own declaration, else the operation default.
func DeliverableFor(t *ticket.Ticket) ticket.DeliverableType {
	if t.DeliverableType != ticket.DeliverableNone {
		return t.DeliverableType
	}
	switch t.OperationType {
	case ticket.OpCodeGeneration, ticket.OpBugFix, ticket.OpTesting:
		return ticket.DeliverableCode
	case ticket.OpDesign:
		return ticket.DeliverableDesign
	case ticket.OpPlanGeneration, ticket.OpTaskBreakdown:
		return ticket.DeliverablePlan
	case ticket.OpDocumentation:
		return ticket.DeliverableDocument
	case ticket.OpResearch, ticket.OpVerification, ticket.OpCodeReview:
		return ticket.DeliverableReport
	default:
		return ticket.DeliverableNone
	}
}
