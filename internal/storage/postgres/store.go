package postgres

import (
	"context"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/storage"
	"github.com/jkaninda/kazi/internal/ticket"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db        *DB
	tickets   *TicketRepository
	approvals *ApprovalRepository
}

// NewStore builds the repositories over an open DB.
func NewStore(db *DB) *Store {
	return &Store{
		db:        db,
		tickets:   NewTicketRepository(db.GormDB()),
		approvals: NewApprovalRepository(db.GormDB()),
	}
}

func (s *Store) Migrate(ctx context.Context) error { return s.db.Migrate(ctx) }
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
func (s *Store) Close() error { return s.db.Close() }
func (s *Store) Driver() string { return storage.DriverPostgres }
func (s *Store) Tickets() ticket.Store { return s.tickets }
func (s *Store) Approvals() approval.ApprovalStore { return s.approvals }

var _ storage.Store = (*Store)(nil)
