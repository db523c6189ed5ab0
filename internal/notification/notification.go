// Package notification pushes escalation and review alerts out of the
// scheduler through configured channels (webhook, Slack incoming webhook)
// with fallback logic and audit logging.
package notification

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

// Channel is a configured notification target.
type Channel struct {
	Name     string `yaml:"name" json:"name" toml:"name"`
	Type     string `yaml:"type" json:"type" toml:"type"` // "webhook" or "slack".
	URL      string `yaml:"url" json:"url" toml:"url"`
	Disabled bool   `yaml:"disabled" json:"disabled" toml:"disabled"`
}

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("webhook", "slack").
	Type() string
	// Send delivers a message to the target specified by the channel config.
	Send(ctx context.Context, channel *Channel, msg *Message) error
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	TicketID *uuid.UUID        `json:"ticket_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Auditor records delivery attempts. ticket.Store satisfies it.
type Auditor interface {
	RecordAudit(ctx context.Context, entry *ticket.AuditEntry) error
}

// Notifier is what the scheduler depends on.
type Notifier interface {
	Notify(ctx context.Context, msg *Message) map[string]error
}

// Dispatcher routes notifications to the appropriate Sender based on channel type.
// Thread-safe.
type Dispatcher struct {
	channels []Channel
	senders  map[string]Sender
	audit    Auditor
	logger   *slog.Logger
	mu       sync.RWMutex
}

// NewDispatcher creates a notification dispatcher over the given channels.
// audit may be nil.
func NewDispatcher(channels []Channel, audit Auditor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		channels: channels,
		senders:  make(map[string]Sender),
		audit:    audit,
		logger:   logger,
	}
}

// RegisterSender adds a channel backend.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Type()] = s
}

// Channels returns the configured channels.
func (d *Dispatcher) Channels() []Channel {
	return append([]Channel(nil), d.channels...)
}

// Notify sends a message to every enabled channel. Returns per-channel errors (nil = success).
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) map[string]error {
	results := make(map[string]error, len(d.channels))
	for i := range d.channels {
		ch := &d.channels[i]
		if ch.Disabled {
			continue
		}
		results[ch.Name] = d.send(ctx, ch, msg)
	}
	return results
}

// NotifyWithFallback tries the named channels in order; stops at first success.
// Returns nil on first success, or an aggregate error if all fail.
func (d *Dispatcher) NotifyWithFallback(ctx context.Context, names []string, msg *Message) error {
	lastErr := fmt.Errorf("no channels given")
	for _, name := range names {
		ch := d.channel(name)
		if ch == nil {
			lastErr = fmt.Errorf("channel %q not configured", name)
			continue
		}
		if ch.Disabled {
			lastErr = fmt.Errorf("channel %q is disabled", name)
			continue
		}
		if err := d.send(ctx, ch, msg); err != nil {
			lastErr = err
			d.logger.WarnContext(ctx, "fallback: notification failed, trying next",
				slog.String("channel", ch.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		return nil
	}
	return fmt.Errorf("all notification channels failed, last error: %w", lastErr)
}

func (d *Dispatcher) channel(name string) *Channel {
	for i := range d.channels {
		if d.channels[i].Name == name {
			return &d.channels[i]
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, ch *Channel, msg *Message) error {
	d.mu.RLock()
	sender, ok := d.senders[ch.Type]
	d.mu.RUnlock()
	if !ok {
		d.auditNotify(ctx, ch, msg, "failure", "no sender")
		return fmt.Errorf("no sender registered for channel type %q", ch.Type)
	}

	if err := sender.Send(ctx, ch, msg); err != nil {
		d.auditNotify(ctx, ch, msg, "failure", err.Error())
		d.logger.WarnContext(ctx, "notification send failed",
			slog.String("channel", ch.Name),
			slog.String("type", ch.Type),
			slog.String("error", err.Error()),
		)
		return err
	}
	d.auditNotify(ctx, ch, msg, "success", "")
	d.logger.InfoContext(ctx, "notification sent",
		slog.String("channel", ch.Name),
		slog.String("type", ch.Type),
	)
	return nil
}

func (d *Dispatcher) auditNotify(ctx context.Context, ch *Channel, msg *Message, result, errMsg string) {
	if d.audit == nil {
		return
	}
	detail := fmt.Sprintf("channel=%s type=%s result=%s", ch.Name, ch.Type, result)
	if errMsg != "" {
		detail += " error=" + errMsg
	}
	_ = d.audit.RecordAudit(ctx, &ticket.AuditEntry{
		ID:        uuid.New(),
		TicketID:  msg.TicketID,
		Actor:     "notification",
		Action:    "notification.send",
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
}

var _ Notifier = (*Dispatcher)(nil)
