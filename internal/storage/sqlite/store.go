// Package sqlite implements storage.Store on an embedded SQLite database
// (modernc.org/sqlite, no cgo). Vectors are stored as little-endian float32
// BLOBs and similarity is computed in Go.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/persona/internal/storage"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store implements storage.Store using SQLite.
type Store struct {
	db        *sql.DB
	dimension int
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithDimension makes the store reject vectors whose length differs from n.
func WithDimension(n int) Option {
	return func(s *Store) { s.dimension = n }
}

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore opens (creating if needed) the database at dsn, configures WAL
// mode and applies pending migrations. dsn may be a file path, a file: URI
// or ":memory:".
func NewStore(dsn string, opts ...Option) (*Store, error) {
	if p := dbPathFromDSN(dsn); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises writes and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	migrator, err := storage.NewMigrator(db, migrationFS, "migrations", storage.DialectSQLite)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if err := migrator.Up(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle for tests and maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping failed: %w", err)
	}
	return nil
}

// Close flushes the WAL into the main database file and releases resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("sqlite: WAL checkpoint on close failed", "error", err)
	}
	return s.db.Close()
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		if u.Path != "" {
			return u.Path
		}
		return u.Opaque
	}
	return dsn
}

var _ storage.Store = (*Store)(nil)
