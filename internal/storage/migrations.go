package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// Dialect selects the bind-parameter style used for schema_migrations bookkeeping.
type Dialect int

const (
	// DialectSQLite uses ? placeholders.
	DialectSQLite Dialect = iota
	// DialectPostgres uses $n placeholders.
	DialectPostgres
)

func (d Dialect) bind(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Migrator applies numbered SQL migrations from an fs.FS (usually an
// embed.FS compiled into the backend package). Files are named
// NNN_name.up.sql / NNN_name.down.sql and the applied version is tracked in
// a schema_migrations table.
type Migrator struct {
	db      *sql.DB
	fsys    fs.FS
	dir     string
	dialect Dialect
	logger  *slog.Logger
}

// migration represents a single up/down migration pair.
type migration struct {
	version  uint
	name     string
	upFile   string
	downFile string
}

// NewMigrator creates a Migrator reading migration files from dir inside fsys.
func NewMigrator(db *sql.DB, fsys fs.FS, dir string, dialect Dialect) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if _, err := fs.Stat(fsys, dir); err != nil {
		return nil, fmt.Errorf("migrations: directory %s: %w", dir, err)
	}
	return &Migrator{db: db, fsys: fsys, dir: dir, dialect: dialect, logger: slog.Default()}, nil
}

func (m *Migrator) ensureSchemaTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies all pending migrations in ascending version order. Each
// migration and its bookkeeping row commit together.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureSchemaTable(ctx); err != nil {
		return fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}

	current, err := m.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return err
	}

	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}
		body, err := fs.ReadFile(m.fsys, mig.upFile)
		if err != nil {
			return fmt.Errorf("migrations: failed to read %s: %w", mig.upFile, err)
		}
		if err := m.apply(ctx, string(body),
			"INSERT INTO schema_migrations (version) VALUES ("+m.dialect.bind(1)+")", mig.version); err != nil {
			return fmt.Errorf("migrations: failed to apply version %d (%s): %w", mig.version, mig.name, err)
		}
		m.logger.Debug("migration applied", "version", mig.version, "name", mig.name)
	}
	return nil
}

// Down rolls back all applied migrations in descending version order.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := m.load()
	if err != nil {
		return err
	}

	current, err := m.Version(ctx)
	if errors.Is(err, ErrNoMigration) {
		return nil
	}
	if err != nil {
		return err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version > migrations[j].version
	})

	for _, mig := range migrations {
		if mig.version > current {
			continue
		}
		if mig.downFile == "" {
			return fmt.Errorf("migrations: version %d (%s) has no down file", mig.version, mig.name)
		}
		body, err := fs.ReadFile(m.fsys, mig.downFile)
		if err != nil {
			return fmt.Errorf("migrations: failed to read %s: %w", mig.downFile, err)
		}
		if err := m.apply(ctx, string(body),
			"DELETE FROM schema_migrations WHERE version = "+m.dialect.bind(1), mig.version); err != nil {
			return fmt.Errorf("migrations: failed to roll back version %d (%s): %w", mig.version, mig.name, err)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, body, record string, version uint) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		return err
	}
	return tx.Commit()
}

// Version returns the highest applied migration version, or ErrNoMigration
// when none has been applied.
func (m *Migrator) Version(ctx context.Context) (uint, error) {
	var version uint
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}

// load reads migration files and returns them sorted by version ascending.
func (m *Migrator) load() ([]migration, error) {
	entries, err := fs.ReadDir(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	byVersion := make(map[uint]*migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		idx := strings.Index(name, "_")
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseUint(name[:idx], 10, 64)
		if err != nil {
			continue
		}
		version := uint(v)
		rest := name[idx+1:]

		mig, ok := byVersion[version]
		if !ok {
			mig = &migration{version: version}
			byVersion[version] = mig
		}

		full := path.Join(m.dir, name)
		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			mig.name = strings.TrimSuffix(rest, ".up.sql")
			mig.upFile = full
		case strings.HasSuffix(rest, ".down.sql"):
			mig.downFile = full
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.upFile == "" {
			continue
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
