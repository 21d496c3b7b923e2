package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

// GetSession returns the transcript for (userID, sessionID).
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*types.SessionRecord, error) {
	var (
		rec     types.SessionRecord
		updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, session_id, history, updated_at
		FROM sessions
		WHERE user_id = ? AND session_id = ?
	`, userID, sessionID).Scan(&rec.UserID, &rec.SessionID, &rec.History, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get session: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("sqlite: session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// AppendSession creates the session or appends " "+text to its history in a
// single statement.
func (s *Store) AppendSession(ctx context.Context, userID, sessionID, text string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: user_id and session_id are required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, session_id, history, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			history = sessions.history || ' ' || excluded.history,
			updated_at = excluded.updated_at
	`, userID, sessionID, text, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert session: %w", err)
	}
	return nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]types.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, history, updated_at
		FROM sessions
		WHERE user_id = ?
		ORDER BY updated_at DESC, session_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.SessionRecord
	for rows.Next() {
		var (
			rec     types.SessionRecord
			updated string
		)
		if err := rows.Scan(&rec.UserID, &rec.SessionID, &rec.History, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan session: %w", err)
		}
		if rec.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("sqlite: session %s: %w", rec.SessionID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Compact rebuilds the database file, reclaiming pages freed by deletes.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("sqlite: vacuum failed: %w", err)
	}
	return nil
}
