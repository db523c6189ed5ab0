// Package invoker is the boundary to the agents that do the actual work.
// The scheduler never talks to a model directly; it hands a message to a
// named agent (or a hierarchy node) and gets text plus optional structured
// actions back.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnknownAgent is returned when no backend exposes the requested agent.
var ErrUnknownAgent = errors.New("unknown agent")

// Response is what an agent returns.
type Response struct {
	Content    string            `json:"content"`
	Actions    []json.RawMessage `json:"actions,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	TokensUsed int               `json:"tokens_used,omitempty"`
}

// Invoker calls agents by name or by hierarchy node ID.
type Invoker interface {
	Call(ctx context.Context, agent, message string) (*Response, error)
	CallNode(ctx context.Context, nodeID, message string) (*Response, error)
}

// Capabilities names the agents that back the scheduler's built-in roles.
type Capabilities struct {
	Supervisor string // Boss health checks, selection, validation, assessment.
	Review     string // Linear pipeline output review.
	Clarity    string // Rewrites escalation explanations for humans.
}

// DecodeResponse interprets raw agent output. Output that is a JSON object
// with a "content" or "actions" field is decoded as a Response; anything
// else becomes plain content.
func DecodeResponse(text string) *Response {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &probe); err == nil {
			_, hasContent := probe["content"]
			_, hasActions := probe["actions"]
			if hasContent || hasActions {
				var resp Response
				if err := json.Unmarshal([]byte(trimmed), &resp); err == nil {
					return &resp
				}
			}
		}
	}
	return &Response{Content: text}
}
