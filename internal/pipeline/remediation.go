package pipeline

import "strings"

type remedy struct {
	patterns   []string
	suggestion string
}

var remedies = []remedy{
	{[]string{"timeout", "timed out", "deadline exceeded"},
		"Split the ticket into smaller steps or raise the step timeout."},
	{[]string{"rate limit", "ratelimit", "429", "too many requests"},
		"The agent backend is rate limiting; retry after a pause or lower concurrency."},
	{[]string{"malformed", "invalid json", "unmarshal", "unexpected end of json", "parse"},
		"Ask the agent for strictly formatted output; the last reply could not be parsed."},
	{[]string{"token", "context length", "context window", "too long"},
		"Trim references and previous output, or split the ticket, to fit the context window."},
}

// Remediation returns heuristic suggestions for an execution error message.
func Remediation(errMsg string) []string {
	lower := strings.ToLower(errMsg)
	var out []string
	for _, r := range remedies {
		for _, p := range r.patterns {
			if strings.Contains(lower, p) {
				out = append(out, r.suggestion)
				break
			}
		}
	}
	if len(out) == 0 {
		out = append(out, "Inspect the run steps for the failing agent and retry.")
	}
	return out
}
