package approval

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DBManager implements ApprovalManager over a persistent ApprovalStore.
type DBManager struct {
	store  ApprovalStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewDBManager creates a manager whose requests expire after ttl.
func NewDBManager(store ApprovalStore, ttl time.Duration, logger *slog.Logger) *DBManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DBManager{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// Create stores a new pending approval and returns its unique ID.
func (m *DBManager) Create(ctx context.Context, req *CreateRequest) (string, error) {
	id, err := m.store.Create(ctx, req, m.ttl)
	if err != nil {
		return "", err
	}

	m.logger.Info("approval requested",
		slog.String("approval_id", id),
		slog.String("ticket_id", req.TicketID.String()),
		slog.String("kind", string(req.Kind)),
	)
	return id, nil
}

// Get retrieves an approval by ID.
func (m *DBManager) Get(ctx context.Context, id string) (*Request, error) {
	return m.store.Get(ctx, id)
}

func (m *DBManager) Pending(ctx context.Context, ticketID uuid.UUID, kind Kind) (*Request, error) {
	return m.store.FindPending(ctx, ticketID, kind)
}

func (m *DBManager) List(ctx context.Context, status Status) ([]Request, error) {
	return m.store.ListByStatus(ctx, status)
}

// Approve marks a pending approval as approved.
func (m *DBManager) Approve(ctx context.Context, id, approverID string) (*Request, error) {
	return m.resolve(ctx, id, approverID, StatusApproved)
}

// Deny marks a pending approval as denied.
func (m *DBManager) Deny(ctx context.Context, id, denierID string) (*Request, error) {
	return m.resolve(ctx, id, denierID, StatusDenied)
}

func (m *DBManager) resolve(ctx context.Context, id, resolverID string, status Status) (*Request, error) {
	r, err := m.store.Resolve(ctx, id, resolverID, status)
	if err != nil {
		return nil, err
	}
	m.logger.Info("approval resolved",
		slog.String("approval_id", id),
		slog.String("ticket_id", r.TicketID.String()),
		slog.String("kind", string(r.Kind)),
		slog.String("status", status.String()),
		slog.String("by", resolverID),
	)
	return r, nil
}

// StartCleanup expires overdue requests every interval and prunes resolved
// rows older than twice the TTL. The returned func stops it.
func (m *DBManager) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.store.ExpireOld(ctx); err != nil {
					m.logger.Error("expiring approvals", slog.String("error", err.Error()))
				}
				if err := m.store.DeleteResolved(ctx, 2*m.ttl); err != nil {
					m.logger.Error("deleting resolved approvals", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return cancel
}

var _ ApprovalManager = (*DBManager)(nil)
