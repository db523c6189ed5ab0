package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

// Verification is the result of deliverable heuristics.
type Verification struct {
	Passed bool
	Reason string
	Tasks  []string // Plan items found in the output.
}

// Markers that show an upstream step failed even though it returned text.
var upstreamErrorMarkers = []string{
	"[error]",
	"[upstream error]",
	"traceback (most recent call last)",
	"panic: ",
	"unable to complete the task",
	"i cannot complete",
	"failed to generate",
}

var (
	taskLine     = regexp.MustCompile(`(?m)^\s*(?:[-*+]\s+(?:\[[ xX]\]\s+)?|\d+[.)]\s+)(\S.*)$`)
	planHeading  = regexp.MustCompile(`(?mi)^#{1,4}\s*(plan|tasks|milestones|steps|phases?|roadmap)\b`)
	designTerms  = []string{"architecture", "component", "interface", "data model", "schema", "diagram", "module", "sequence", "layer", "endpoint", "api"}
	codeTerms    = []string{"func ", "def ", "class ", "return ", "import ", "package ", "const ", "function ", "struct ", "var "}
	minDocLength = 50
)

// upstreamError returns the first marker found in output.
func upstreamError(output string) (string, bool) {
	lower := strings.ToLower(output)
	for _, m := range upstreamErrorMarkers {
		if strings.Contains(lower, m) {
			return m, true
		}
	}
	return "", false
}

// VerifyDeliverable checks output against the heuristics for its
// deliverable type. existingTasks is the number of plan tasks already
// stored for the ticket; a plan passes if any exist.
func VerifyDeliverable(d ticket.DeliverableType, output string, existingTasks int) Verification {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return Verification{Reason: "output is empty"}
	}
	if m, ok := upstreamError(trimmed); ok {
		return Verification{Reason: fmt.Sprintf("output contains upstream error marker %q", m)}
	}

	switch d {
	case ticket.DeliverablePlan:
		tasks := planTasks(trimmed)
		if existingTasks > 0 || len(tasks) >= 2 || planHeading.MatchString(trimmed) {
			return Verification{Passed: true, Tasks: tasks}
		}
		return Verification{Reason: "plan has no task list or plan headings"}
	case ticket.DeliverableDesign:
		if n := countTerms(trimmed, designTerms); n < 2 {
			return Verification{Reason: fmt.Sprintf("design mentions %d design terms, want at least 2", n)}
		}
	case ticket.DeliverableCode:
		if !strings.Contains(trimmed, "```") && countTerms(trimmed, codeTerms) < 2 {
			return Verification{Reason: "no code block or code keywords in output"}
		}
	case ticket.DeliverableDocument, ticket.DeliverableReport:
		if len(trimmed) < minDocLength {
			return Verification{Reason: fmt.Sprintf("%s is %d characters, want at least %d", d, len(trimmed), minDocLength)}
		}
	}
	return Verification{Passed: true}
}

func planTasks(output string) []string {
	var out []string
	for _, m := range taskLine.FindAllStringSubmatch(output, -1) {
		title := strings.TrimSpace(m[1])
		if title != "" {
			out = append(out, title)
		}
	}
	return out
}

func countTerms(text string, terms []string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			n++
		}
	}
	return n
}

// checkCriteria evaluates assign_task success criteria.
func checkCriteria(ctx context.Context, store ticket.Store, c ticket.SuccessCriteria, output string) (bool, string) {
	if m, ok := upstreamError(output); ok {
		return false, fmt.Sprintf("output contains upstream error marker %q", m)
	}
	switch c.Method {
	case ticket.CriteriaSubstringMatch:
		if strings.Contains(strings.ToLower(output), strings.ToLower(c.Value)) {
			return true, ""
		}
		return false, fmt.Sprintf("output does not contain %q", c.Value)
	case ticket.CriteriaTicketResolved:
		if c.Value == "" {
			return strings.TrimSpace(output) != "", "no output"
		}
		id, err := uuid.Parse(c.Value)
		if err != nil {
			return false, fmt.Sprintf("criteria ticket id %q is invalid", c.Value)
		}
		t, err := store.Get(ctx, id)
		if err != nil {
			return false, fmt.Sprintf("criteria ticket %s: %v", id, err)
		}
		if t.Status != ticket.StatusResolved {
			return false, fmt.Sprintf("ticket %s is %s, not resolved", id, t.Status)
		}
		return true, ""
	case ticket.CriteriaInfoGathered:
		if len(strings.TrimSpace(output)) >= minDocLength {
			return true, ""
		}
		return false, "not enough information gathered"
	case ticket.CriteriaFileExists:
		if _, err := os.Stat(c.Value); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return false, fmt.Sprintf("file %s does not exist", c.Value)
			}
			return false, fmt.Sprintf("checking %s: %v", c.Value, err)
		}
		return true, ""
	case ticket.CriteriaManual:
		return false, "manual verification required"
	}
	return false, fmt.Sprintf("unknown criteria method %q", c.Method)
}

// decodeObject decodes the first JSON object in text.
func decodeObject(text string, v any) error {
	text = strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return errors.New("no JSON object in reply")
	}
	return json.Unmarshal([]byte(text[start:end+1]), v)
}
