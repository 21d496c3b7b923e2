package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

const entryColumns = `id, user_id, text, vector, dimension, tags, usage_count, last_used, source, created_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert stores a single entry.
func (s *Store) Insert(ctx context.Context, entry *types.MemoryEntry) error {
	return s.InsertBatch(ctx, []*types.MemoryEntry{entry})
}

// InsertBatch stores all entries in one transaction.
func (s *Store) InsertBatch(ctx context.Context, entries []*types.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := storage.PrepareEntry(e, s.dimension); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit entries: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, x execer, e *types.MemoryEntry) error {
	tags, err := encodeTags(e.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: failed to encode tags: %w", err)
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO memory_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Text, encodeVector(e.Vector), len(e.Vector), tags,
		e.UsageCount, formatTime(e.LastUsed), string(e.Source), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert entry %s: %w", e.ID, err)
	}
	return nil
}

// ReplaceBySource deletes the owner's entries from the same source and
// inserts entry in their place.
func (s *Store) ReplaceBySource(ctx context.Context, entry *types.MemoryEntry) error {
	if err := storage.PrepareEntry(entry, s.dimension); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE user_id = ? AND source = ?`,
		entry.UserID, string(entry.Source)); err != nil {
		return fmt.Errorf("sqlite: failed to delete previous %s entries: %w", entry.Source, err)
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit replacement: %w", err)
	}
	return nil
}

// whereClause renders the filter as a parameterised WHERE clause.
func whereClause(f storage.Filter) (string, []any) {
	clause := "WHERE user_id = ?"
	args := []any{f.UserID}
	if f.Source != "" {
		clause += " AND source = ?"
		args = append(args, string(f.Source))
	}
	return clause, args
}

// List returns every entry matching filter, oldest first.
func (s *Store) List(ctx context.Context, filter storage.Filter) ([]types.MemoryEntry, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	where, args := whereClause(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM memory_entries `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list entries: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: failed to iterate entries: %w", err)
	}
	return out, nil
}

// Search loads the filtered entries and ranks them by cosine similarity.
func (s *Store) Search(ctx context.Context, vector []float32, filter storage.Filter, limit int) ([]storage.SearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		return nil, nil
	}

	entries, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	results := make([]storage.SearchResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, storage.SearchResult{
			Entry:      e,
			Similarity: storage.CosineSimilarity(vector, e.Vector),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of entries matching filter.
func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	where, args := whereClause(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count entries: %w", err)
	}
	return n, nil
}

// IncrementUsage bumps usage_count by one in SQL, so concurrent retrievals
// never lose an increment.
func (s *Store) IncrementUsage(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries
		SET usage_count = usage_count + 1,
		    last_used = ?
		WHERE id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: failed to increment usage: %w", err)
	}
	return nil
}

// Delete removes the entries with the given ids.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to delete entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to check rows affected: %w", err)
	}
	return int(n), nil
}

// Users returns the distinct owners of stored entries.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM memory_entries ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*types.MemoryEntry, error) {
	var (
		e                   types.MemoryEntry
		blob                []byte
		dimension           int
		tags, source        string
		lastUsed, createdAt string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Text, &blob, &dimension, &tags,
		&e.UsageCount, &lastUsed, &source, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan entry: %w", err)
	}

	if e.Vector, err = decodeVector(blob, dimension); err != nil {
		return nil, fmt.Errorf("sqlite: entry %s: %w", e.ID, err)
	}
	if e.Tags, err = decodeTags(tags); err != nil {
		return nil, fmt.Errorf("sqlite: entry %s: failed to decode tags: %w", e.ID, err)
	}
	if e.LastUsed, err = parseTime(lastUsed); err != nil {
		return nil, fmt.Errorf("sqlite: entry %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("sqlite: entry %s: %w", e.ID, err)
	}
	e.Source = types.EntrySource(source)
	return &e, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
