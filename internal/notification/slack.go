package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	httpClient        *http.Client
	allowPrivateHosts bool
	logger            *slog.Logger
}

// NewSlackSender creates a Slack notification sender.
func NewSlackSender(allowPrivateHosts bool, logger *slog.Logger) *SlackSender {
	return &SlackSender{
		httpClient:        newHTTPClient(15 * time.Second),
		allowPrivateHosts: allowPrivateHosts,
		logger:            logger,
	}
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, ch *Channel, msg *Message) error {
	if ch.URL == "" {
		return fmt.Errorf("slack channel %q missing url", ch.Name)
	}
	if err := validateTargetURL(ch.URL, s.allowPrivateHosts); err != nil {
		return fmt.Errorf("slack URL rejected: %w", err)
	}

	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}
	if msg.TicketID != nil {
		text += fmt.Sprintf("\n_ticket %s_", msg.TicketID)
	}
	body, _ := json.Marshal(map[string]any{"text": text})
	return postJSON(ctx, s.httpClient, ch.URL, body, "slack webhook")
}
