package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ApprovalStore is the persistence contract for approval records.
// Implementations must enforce the state machine:
//   - Pending -> Approved
//   - Pending -> Denied
//   - Pending -> Expired
//
// Once Approved/Denied/Expired, status is immutable.
type ApprovalStore interface {
	// Create persists a new pending approval and returns its ID.
	Create(ctx context.Context, req *CreateRequest, ttl time.Duration) (id string, err error)
	// Get retrieves an approval by ID, marking it expired if past ExpiresAt.
	Get(ctx context.Context, id string) (*Request, error)
	// FindPending returns the pending request of a kind for a ticket.
	FindPending(ctx context.Context, ticketID uuid.UUID, kind Kind) (*Request, error)
	// ListByStatus returns requests in a status, oldest first.
	ListByStatus(ctx context.Context, status Status) ([]Request, error)
	// Resolve transitions a pending approval to approved or denied and
	// returns the updated record.
	Resolve(ctx context.Context, id, resolverID string, status Status) (*Request, error)
	// ExpireOld bulk-updates status to expired for all pending rows where expires_at < now().
	ExpireOld(ctx context.Context) error
	// DeleteResolved removes resolved/expired rows older than the given age.
	DeleteResolved(ctx context.Context, olderThan time.Duration) error
}
