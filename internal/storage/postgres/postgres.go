// Package postgres implements PostgreSQL-backed storage for kazi using GORM.
// All GORM usage is confined to this package and its sqlite sibling;
// domain types remain ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Config configures the PostgreSQL connection and pool. Zero values take
// the defaults noted below.
type Config struct {
	DSN             string
	MaxOpenConns    int           // 25
	MaxIdleConns    int           // 5
	ConnMaxLifetime time.Duration // 30m
	ConnMaxIdleTime time.Duration // 10m
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
	return c
}

// DB is a pooled connection to the kazi database.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open connects through the pgx stdlib driver and sizes the pool. Call
// Migrate before using the repositories.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	cfg = cfg.withDefaults()

	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = map[string]string{}
	}
	if connCfg.RuntimeParams["application_name"] == "" {
		connCfg.RuntimeParams["application_name"] = "kazi"
	}

	sqlDB := stdlib.OpenDB(*connCfg)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	slogger.Info("postgres connected",
		slog.String("host", connCfg.Host),
		slog.String("database", connCfg.Database),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return &DB{gormDB: db, logger: slogger}, nil
}

// Migrate creates or updates the ticket, run and approval tables.
func (d *DB) Migrate(ctx context.Context) error {
	if err := d.gormDB.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto-migrating: %w", err)
	}
	return nil
}

// GormDB returns the handle repositories are built on.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping backs the readiness probe.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
