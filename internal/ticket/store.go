package ticket

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a ticket (or a record hanging off one) does not exist.
var ErrNotFound = errors.New("ticket not found")

// Store is the system of record for tickets. The scheduler treats every
// read as a possibly-stale snapshot and re-reads before status transitions.
// Implementations: MemoryStore, storage/postgres.TicketRepository (also used by sqlite).
type Store interface {
	// Create persists a new ticket, assigning ID (if zero) and SeqNum.
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id uuid.UUID) (*Ticket, error)
	// Update applies a partial update and returns the stored result.
	Update(ctx context.Context, id uuid.UUID, patch Patch) (*Ticket, error)
	ListByStatus(ctx context.Context, status Status) ([]Ticket, error)
	// Children returns tickets whose ParentTicketID is parentID.
	Children(ctx context.Context, parentID uuid.UUID) ([]Ticket, error)
	// Dependents returns tickets whose BlockingTicketID is blockerID.
	Dependents(ctx context.Context, blockerID uuid.UUID) ([]Ticket, error)

	AddReply(ctx context.Context, ticketID uuid.UUID, author, body string) error
	Replies(ctx context.Context, ticketID uuid.UUID) ([]Reply, error)
	AddDiagnosticNote(ctx context.Context, ticketID uuid.UUID, note DiagnosticNote) error
	DiagnosticNotes(ctx context.Context, ticketID uuid.UUID) ([]DiagnosticNote, error)

	CreateTask(ctx context.Context, task *Task) error
	TasksByPlan(ctx context.Context, planID uuid.UUID) ([]Task, error)

	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, runID uuid.UUID, status RunStatus, verdict, errMsg string) error
	CreateRunStep(ctx context.Context, step *RunStep) error
	CompleteRunStep(ctx context.Context, stepID uuid.UUID, status RunStatus, output, errMsg string, tokens int) error

	SaveDocument(ctx context.Context, doc *Document) error
	RecordAudit(ctx context.Context, entry *AuditEntry) error
}
