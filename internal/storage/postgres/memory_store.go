package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

const entryColumns = `id, user_id, text, embedding, tags, usage_count, last_used, source, created_at`

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
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit entries: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *types.MemoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.Text, pgvector.NewVector(e.Vector), pq.Array(e.Tags),
		e.UsageCount, e.LastUsed.UTC(), string(e.Source), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to insert entry %s: %w", e.ID, err)
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
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE user_id = $1 AND source = $2`,
		entry.UserID, string(entry.Source)); err != nil {
		return fmt.Errorf("postgres: failed to delete previous %s entries: %w", entry.Source, err)
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit replacement: %w", err)
	}
	return nil
}

// whereClause renders the filter with $n placeholders starting at first.
func whereClause(f storage.Filter, first int) (string, []any) {
	clause := fmt.Sprintf("WHERE user_id = $%d", first)
	args := []any{f.UserID}
	if f.Source != "" {
		clause += fmt.Sprintf(" AND source = $%d", first+1)
		args = append(args, string(f.Source))
	}
	return clause, args
}

// Search orders the filtered entries by cosine distance in the database.
func (s *Store) Search(ctx context.Context, vector []float32, filter storage.Filter, limit int) ([]storage.SearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", storage.ErrInvalidInput)
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	where, args := whereClause(filter, 3)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`, 1 - (embedding <=> $1::vector) AS similarity
		FROM memory_entries
		`+where+`
		ORDER BY embedding <=> $1::vector, created_at ASC, id ASC
		LIMIT $2
	`, append([]any{pgvector.NewVector(vector), limit}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer rows.Close()

	var results []storage.SearchResult
	for rows.Next() {
		var sim float64
		e, err := scanEntry(rows, &sim)
		if err != nil {
			return nil, err
		}
		results = append(results, storage.SearchResult{Entry: *e, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to iterate search results: %w", err)
	}
	return results, nil
}

// List returns every entry matching filter, oldest first.
func (s *Store) List(ctx context.Context, filter storage.Filter) ([]types.MemoryEntry, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	where, args := whereClause(filter, 1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM memory_entries `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list entries: %w", err)
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
		return nil, fmt.Errorf("postgres: failed to iterate entries: %w", err)
	}
	return out, nil
}

// Count returns the number of entries matching filter.
func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}
	where, args := whereClause(filter, 1)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: failed to count entries: %w", err)
	}
	return n, nil
}

// IncrementUsage bumps usage_count in a single UPDATE.
func (s *Store) IncrementUsage(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries
		SET usage_count = usage_count + 1,
		    last_used = $1
		WHERE id = ANY($2)
	`, at.UTC(), pq.Array(ids))
	if err != nil {
		return fmt.Errorf("postgres: failed to increment usage: %w", err)
	}
	return nil
}

// Delete removes the entries with the given ids.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to delete entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	return int(n), nil
}

// Users returns the distinct owners of stored entries.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM memory_entries ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// scanEntry reads entryColumns followed by any extra destinations.
func scanEntry(rows *sql.Rows, extra ...any) (*types.MemoryEntry, error) {
	var (
		e      types.MemoryEntry
		vec    pgvector.Vector
		tags   []string
		source string
	)
	dest := append([]any{&e.ID, &e.UserID, &e.Text, &vec, pq.Array(&tags),
		&e.UsageCount, &e.LastUsed, &source, &e.CreatedAt}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("postgres: failed to scan entry: %w", err)
	}
	e.Vector = vec.Slice()
	if tags == nil {
		tags = []string{}
	}
	e.Tags = tags
	e.Source = types.EntrySource(source)
	return &e, nil
}
