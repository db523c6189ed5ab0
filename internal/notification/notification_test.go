package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/ticket"
)

func TestWebhookSender_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	id := uuid.New()
	s := NewWebhookSender(true, nil)
	err := s.Send(context.Background(), &Channel{Name: "ops", Type: "webhook", URL: srv.URL},
		&Message{Subject: "Escalation", Body: "needs a human", TicketID: &id})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["subject"] != "Escalation" || got["channel"] != "ops" || got["ticket_id"] != id.String() {
		t.Errorf("payload = %v", got)
	}
}

func TestWebhookSender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSender(true, nil).Send(context.Background(), &Channel{Name: "ops", URL: srv.URL}, &Message{Body: "x"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("error = %v, want 502", err)
	}
}

func TestWebhookSender_RejectsPrivateHosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("request must not reach a loopback host")
	}))
	defer srv.Close()

	err := NewWebhookSender(false, nil).Send(context.Background(), &Channel{Name: "ops", URL: srv.URL}, &Message{Body: "x"})
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("error = %v, want rejection", err)
	}
}

func TestValidateTargetURL(t *testing.T) {
	tests := []struct {
		url     string
		private bool
		wantErr bool
	}{
		{"ftp://example.com/hook", false, true},
		{"http://localhost:9000/hook", false, true},
		{"http://10.0.0.8/hook", false, true},
		{"http://169.254.169.254/latest", false, true},
		{"http://10.0.0.8/hook", true, false},
		{"ftp://10.0.0.8/hook", true, true},
	}
	for _, tt := range tests {
		err := validateTargetURL(tt.url, tt.private)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateTargetURL(%q, %v) error = %v, wantErr %v", tt.url, tt.private, err, tt.wantErr)
		}
	}
}

func TestSlackSender_Send(t *testing.T) {
	var got struct {
		Text string `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	err := NewSlackSender(true, nil).Send(context.Background(), &Channel{Name: "slack", Type: "slack", URL: srv.URL},
		&Message{Subject: "Review needed", Body: "ticket is on hold"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Text != "*Review needed*\nticket is on hold" {
		t.Errorf("text = %q", got.Text)
	}
}

func TestDispatcher_Notify(t *testing.T) {
	ok := &fakeSender{kind: "webhook"}
	bad := &fakeSender{kind: "slack", err: errors.New("down")}
	audit := &fakeAuditor{}

	d := NewDispatcher([]Channel{
		{Name: "hook", Type: "webhook"},
		{Name: "chat", Type: "slack"},
		{Name: "off", Type: "webhook", Disabled: true},
		{Name: "pager", Type: "pagerduty"},
	}, audit, nil)
	d.RegisterSender(ok)
	d.RegisterSender(bad)

	id := uuid.New()
	results := d.Notify(context.Background(), &Message{Subject: "s", TicketID: &id})

	if len(results) != 3 {
		t.Fatalf("results = %v, want 3 entries", results)
	}
	if results["hook"] != nil {
		t.Errorf("hook error = %v", results["hook"])
	}
	if results["chat"] == nil || results["pager"] == nil {
		t.Errorf("expected errors for chat and pager, got %v", results)
	}
	if _, sent := results["off"]; sent {
		t.Error("disabled channel was used")
	}
	if ok.calls != 1 {
		t.Errorf("webhook sender calls = %d, want 1", ok.calls)
	}

	if len(audit.entries) != 3 {
		t.Fatalf("audit entries = %d, want 3", len(audit.entries))
	}
	for _, e := range audit.entries {
		if e.TicketID == nil || *e.TicketID != id || e.Action != "notification.send" {
			t.Errorf("audit entry = %+v", e)
		}
	}
}

func TestDispatcher_NotifyWithFallback(t *testing.T) {
	bad := &fakeSender{kind: "slack", err: errors.New("down")}
	ok := &fakeSender{kind: "webhook"}
	d := NewDispatcher([]Channel{
		{Name: "chat", Type: "slack"},
		{Name: "hook", Type: "webhook"},
	}, nil, nil)
	d.RegisterSender(bad)
	d.RegisterSender(ok)

	if err := d.NotifyWithFallback(context.Background(), []string{"missing", "chat", "hook"}, &Message{}); err != nil {
		t.Fatalf("NotifyWithFallback: %v", err)
	}
	if bad.calls != 1 || ok.calls != 1 {
		t.Errorf("calls = slack %d, webhook %d", bad.calls, ok.calls)
	}

	err := d.NotifyWithFallback(context.Background(), []string{"chat"}, &Message{})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("error = %v, want wrapped last error", err)
	}
}

type fakeSender struct {
	kind  string
	err   error
	calls int
}

func (f *fakeSender) Type() string { return f.kind }

func (f *fakeSender) Send(context.Context, *Channel, *Message) error {
	f.calls++
	return f.err
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []ticket.AuditEntry
}

func (f *fakeAuditor) RecordAudit(_ context.Context, e *ticket.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}
