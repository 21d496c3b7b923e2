package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	backupPrefix     = "persona-"
	backupSuffix     = ".db"
	backupTimeLayout = "20060102-150405"
)

// BackupInfo describes one backup file.
type BackupInfo struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// Backup writes a consistent point-in-time copy of the database into dir
// and verifies it. VACUUM INTO handles WAL mode, so the store stays usable
// while the copy is taken.
func (s *Store) Backup(ctx context.Context, dir string, now time.Time) (BackupInfo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BackupInfo{}, fmt.Errorf("sqlite: failed to create backup directory: %w", err)
	}
	path := filepath.Join(dir, backupPrefix+now.UTC().Format(backupTimeLayout)+backupSuffix)
	if _, err := os.Stat(path); err == nil {
		return BackupInfo{}, fmt.Errorf("sqlite: backup %s already exists", path)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return BackupInfo{}, fmt.Errorf("sqlite: failed to back up database: %w", err)
	}
	if err := verifyBackup(ctx, path); err != nil {
		_ = os.Remove(path)
		return BackupInfo{}, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("sqlite: failed to stat backup: %w", err)
	}
	return BackupInfo{Path: path, Timestamp: now.UTC().Truncate(time.Second), Size: st.Size()}, nil
}

// verifyBackup runs SQLite's integrity check on a backup file.
func verifyBackup(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("sqlite: failed to open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("sqlite: failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("sqlite: backup integrity check failed: %s", result)
	}
	return nil
}

// ListBackups returns the backups in dir, newest first. Files that do not
// follow the backup naming scheme are ignored.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: failed to read backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		ts, err := time.Parse(backupTimeLayout, strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{Path: filepath.Join(dir, name), Timestamp: ts, Size: info.Size()})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// PruneBackups deletes all but the keep newest backups in dir and returns
// the removed paths. Deletion continues past individual failures.
func PruneBackups(dir string, keep int) ([]string, error) {
	if keep < 1 {
		return nil, fmt.Errorf("sqlite: keep must be at least 1, got %d", keep)
	}
	backups, err := ListBackups(dir)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	var removed []string
	var lastErr error
	for _, b := range backups[keep:] {
		if err := os.Remove(b.Path); err != nil {
			lastErr = err
			continue
		}
		removed = append(removed, b.Path)
	}
	if lastErr != nil {
		return removed, fmt.Errorf("sqlite: failed to delete some backups: %w", lastErr)
	}
	return removed, nil
}
