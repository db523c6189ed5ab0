// Package storage names the persistence backends kazi can run on. SQLite is
// the zero-config default; PostgreSQL is for shared deployments.
package storage

import (
	"context"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/ticket"
)

// Store bundles the ticket and approval repositories of one backend. Both
// share a single connection pool.
type Store interface {
	Tickets() ticket.Store
	Approvals() approval.ApprovalStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver is DriverSQLite or DriverPostgres.
	Driver() string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
