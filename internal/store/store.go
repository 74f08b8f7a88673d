// Package store persists jobs, schedules, runs, run logs, audit entries and
// users in SQLite (default) or PostgreSQL through database/sql.
//
// Every statement is written once with ? placeholders and rebound per
// dialect. Timestamps are stored as unix milliseconds. Failures are
// reported as apperrors.ErrPersistence, unique violations as
// apperrors.ErrConflict and missing rows as apperrors.ErrNotFound.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"jobctl/internal/apperrors"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database.
type Config struct {
	Driver      string        // sqlite (default) or postgres
	DSN         string        // file path for sqlite, connection URL for postgres
	BusyTimeout time.Duration // sqlite only (default: 5s)
}

// Store owns the connection pool.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     *slog.Logger
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("store: dsn is required for driver %s", driver)
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(cfg)
	case DriverPostgres:
		db, err = sql.Open(DriverPostgres, cfg.DSN)
		if err == nil {
			db.SetMaxOpenConns(20)
			db.SetMaxIdleConns(5)
			db.SetConnMaxIdleTime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	s := &Store{db: db, dialect: dialect(driver), log: log.With("component", "store")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("Store ready", "driver", driver)
	return s, nil
}

// New wraps an existing pool. Migrations are not applied.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, dialect: dialect(driver), log: slog.Default().With("component", "store")}
}

func openSQLite(cfg Config) (*sql.DB, error) {
	path := cfg.DSN
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(DriverSQLite, path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Persistence("store.ping", err)
	}
	return nil
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return string(s.dialect)
}

// Queries returns statement helpers bound to the pool, outside a transaction.
func (s *Store) Queries() *Queries {
	return &Queries{db: s.db, dialect: s.dialect}
}

// Tx runs fn inside a transaction. It commits when fn returns nil and rolls
// back otherwise; fn's error is returned unchanged.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Persistence("store.begin", err)
	}
	if err := fn(&Queries{db: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Persistence("store.commit", err)
	}
	return nil
}
