// Package sqlite is the default single-file backend. It runs the same GORM
// repositories as the postgres package over the pure-Go glebarez driver,
// so no CGO is needed.
//
// SQLite serializes writers, so the pool holds a single connection and row
// locks requested by the repositories are no-ops.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
	"github.com/jkaninda/kazi/internal/ticket"
)

const busyTimeoutMillis = 5000

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file.
	JournalMode string // Default "wal".
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db        *gorm.DB
	tickets   *pgstore.TicketRepository
	approvals *pgstore.ApprovalRepository
}

// Open creates the database file if needed and connects to it.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}

	mode := strings.ToLower(cfg.JournalMode)
	if mode == "" {
		mode = "wal"
	}

	db, err := gorm.Open(sqlite.Open(dsn(cfg.Path, mode)), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	// Concurrent writers would fail with SQLITE_BUSY instead of queueing.
	sqlDB.SetMaxOpenConns(1)

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", mode))
	return &Store{
		db:        db,
		tickets:   pgstore.NewTicketRepository(db),
		approvals: pgstore.NewApprovalRepository(db),
	}, nil
}

// dsn appends the connection pragmas to the file path.
func dsn(path, journalMode string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode("+journalMode+")")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	q.Add("_pragma", "foreign_keys(ON)")
	return path + "?" + q.Encode()
}

// Migrate creates or updates the tables shared with the postgres backend.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

func (s *Store) Tickets() ticket.Store { return s.tickets }

// TicketRepository exposes the concrete repository for its run and audit
// queries.
func (s *Store) TicketRepository() *pgstore.TicketRepository { return s.tickets }

func (s *Store) Approvals() approval.ApprovalStore { return s.approvals }

var _ storage.Store = (*Store)(nil)
