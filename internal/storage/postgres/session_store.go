package postgres

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
	var rec types.SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, session_id, history, updated_at
		FROM sessions
		WHERE user_id = $1 AND session_id = $2
	`, userID, sessionID).Scan(&rec.UserID, &rec.SessionID, &rec.History, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get session: %w", err)
	}
	return &rec, nil
}

// AppendSession creates the session or appends " "+text in one statement.
func (s *Store) AppendSession(ctx context.Context, userID, sessionID, text string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: user_id and session_id are required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, session_id, history, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			history = sessions.history || ' ' || EXCLUDED.history,
			updated_at = EXCLUDED.updated_at
	`, userID, sessionID, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert session: %w", err)
	}
	return nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]types.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, history, updated_at
		FROM sessions
		WHERE user_id = $1
		ORDER BY updated_at DESC, session_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.SessionRecord
	for rows.Next() {
		var rec types.SessionRecord
		if err := rows.Scan(&rec.UserID, &rec.SessionID, &rec.History, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Compact vacuums the sessions table. VACUUM cannot run inside a
// transaction, so this goes straight through the pool.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM sessions"); err != nil {
		return fmt.Errorf("postgres: vacuum failed: %w", err)
	}
	return nil
}
