// Package approval tracks human sign-off requests raised by the scheduler:
// dispatch approvals for gated AI modes and review approvals for tickets a
// reviewer escalated to a human.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/clock"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Status represents the state of an approval request.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusDenied
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusDenied:
		return "denied"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "approved":
		return StatusApproved, nil
	case "denied":
		return StatusDenied, nil
	case "expired":
		return StatusExpired, nil
	}
	return 0, fmt.Errorf("unknown approval status %q", s)
}

// MarshalText renders the status as its name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Kind says what approving the request does.
type Kind string

const (
	KindDispatch Kind = "dispatch" // Let a gated ticket run.
	KindReview   Kind = "review"   // Accept output a reviewer escalated.
)

// Request is one approval record.
type Request struct {
	ID         string     `json:"id"`
	TicketID   uuid.UUID  `json:"ticket_id"`
	Kind       Kind       `json:"kind"`
	Reason     string     `json:"reason"`
	Question   string     `json:"question,omitempty"`
	Team       string     `json:"team,omitempty"`
	Category   string     `json:"category,omitempty"`
	Status     Status     `json:"status"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// CreateRequest contains the fields needed to create a pending approval.
type CreateRequest struct {
	TicketID uuid.UUID
	Kind     Kind
	Reason   string
	Question string
	Team     string
	Category string
}

// ApprovalManager is the public contract for the approval workflow.
// Both the in-memory *Manager and the database-backed *DBManager satisfy it.
type ApprovalManager interface {
	Create(ctx context.Context, req *CreateRequest) (string, error)
	Get(ctx context.Context, id string) (*Request, error)
	// Pending returns the pending request of the given kind for a ticket.
	Pending(ctx context.Context, ticketID uuid.UUID, kind Kind) (*Request, error)
	List(ctx context.Context, status Status) ([]Request, error)
	Approve(ctx context.Context, id, approverID string) (*Request, error)
	Deny(ctx context.Context, id, denierID string) (*Request, error)
	StartCleanup(ctx context.Context, interval time.Duration) func()
}

// Manager stores approval requests in memory.
// Thread-safe. Approvals expire after a configurable TTL.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	ttl      time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewManager creates an approval manager with the given default TTL.
func NewManager(ttl time.Duration, clk clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		requests: make(map[string]*Request),
		ttl:      ttl,
		clock:    clk,
		logger:   logger,
	}
}

// Create stores a new pending approval and returns its unique ID.
func (m *Manager) Create(_ context.Context, req *CreateRequest) (string, error) {
	id, err := generateID()
	if err != nil {
		return "", fmt.Errorf("generating approval ID: %w", err)
	}

	now := m.clock.Now().UTC()
	r := &Request{
		ID:        id,
		TicketID:  req.TicketID,
		Kind:      req.Kind,
		Reason:    req.Reason,
		Question:  req.Question,
		Team:      req.Team,
		Category:  req.Category,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.requests[id] = r
	m.mu.Unlock()

	m.logger.Info("approval created",
		slog.String("approval_id", id),
		slog.String("ticket_id", req.TicketID.String()),
		slog.String("kind", string(req.Kind)),
	)
	return id, nil
}

// Approve marks a pending approval as approved by the given approver.
func (m *Manager) Approve(_ context.Context, id, approverID string) (*Request, error) {
	return m.resolve(id, approverID, StatusApproved)
}

// Deny marks a pending approval as denied.
func (m *Manager) Deny(_ context.Context, id, denierID string) (*Request, error) {
	return m.resolve(id, denierID, StatusDenied)
}

func (m *Manager) resolve(id, resolverID string, status Status) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := m.clock.Now().UTC()
	if r.Status == StatusPending && now.After(r.ExpiresAt) {
		r.Status = StatusExpired
	}
	switch r.Status {
	case StatusPending:
	case StatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrAlreadyResolved
	}

	r.Status = status
	r.ResolvedBy = resolverID
	r.ResolvedAt = &now

	m.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("resolver", resolverID),
		slog.String("status", status.String()),
		slog.String("ticket_id", r.TicketID.String()),
	)
	cp := *r
	return &cp, nil
}

// Get retrieves an approval by ID, marking it expired if past its TTL.
func (m *Manager) Get(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.expireLocked(r)
	cp := *r
	return &cp, nil
}

func (m *Manager) Pending(_ context.Context, ticketID uuid.UUID, kind Kind) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		m.expireLocked(r)
		if r.TicketID == ticketID && r.Kind == kind && r.Status == StatusPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Manager) List(_ context.Context, status Status) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Request
	for _, r := range m.requests {
		m.expireLocked(r)
		if r.Status == status {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Manager) expireLocked(r *Request) {
	if r.Status == StatusPending && m.clock.Now().UTC().After(r.ExpiresAt) {
		r.Status = StatusExpired
	}
}

// Cleanup expires stale requests and drops anything resolved more than one
// TTL after it expired.
func (m *Manager) Cleanup(_ context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	for id, r := range m.requests {
		m.expireLocked(r)
		if r.Status != StatusPending && now.After(r.ExpiresAt.Add(m.ttl)) {
			delete(m.requests, id)
		}
	}
}

// StartCleanup starts a background goroutine that calls Cleanup periodically.
// Returns a cancel function to stop the goroutine.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := m.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				m.Cleanup(ctx)
			}
		}
	}()
	return cancel
}

func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var _ ApprovalManager = (*Manager)(nil)
