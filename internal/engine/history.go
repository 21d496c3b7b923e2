package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/storage"
)

// Prompt is an assembled generation prompt.
type Prompt struct {
	// Text is sent to the model.
	Text string

	// Fragment is the new query in transcript form with its response still
	// missing. The completed exchange is appended to the session.
	Fragment string

	// PersonalInfo is what retrieval contributed.
	PersonalInfo []string

	// HasHistory reports whether the session already existed.
	HasHistory bool
}

// TruncateHistory returns the trailing maxChars characters of history.
// Characters are runes, so multi-byte text is never split.
func TruncateHistory(history string, maxChars int) string {
	if maxChars <= 0 || len(history) <= maxChars {
		return history
	}
	runes := []rune(history)
	if len(runes) <= maxChars {
		return history
	}
	return string(runes[len(runes)-maxChars:])
}

// History assembles prompts from session transcripts and keeps them updated.
type History struct {
	sessions  storage.SessionStore
	retriever *Retriever
	maxChars  int
	logger    *slog.Logger
}

// NewHistory creates a History. A nil logger means slog.Default().
func NewHistory(sessions storage.SessionStore, retriever *Retriever, maxChars int, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{sessions: sessions, retriever: retriever, maxChars: maxChars, logger: logger}
}

// Load returns the session's truncated transcript. A missing session is not
// an error: it yields "", false.
func (h *History) Load(ctx context.Context, userID, sessionID string) (string, bool, error) {
	rec, err := h.sessions.GetSession(ctx, userID, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: load session: %w", ErrStoreUnavailable, err)
	}
	return TruncateHistory(rec.History, h.maxChars), true, nil
}

// BuildPrompt retrieves personal info for the query and wraps it, the
// session transcript and the query into the generation prompt.
func (h *History) BuildPrompt(ctx context.Context, userID, sessionID, query, condensed string, tags []string) (Prompt, error) {
	info := h.retriever.Retrieve(ctx, userID, query, condensed, tags)

	history, ok, err := h.Load(ctx, userID, sessionID)
	if err != nil {
		return Prompt{}, err
	}

	p := Prompt{
		Text:         llm.ResponsePrompt(strings.Join(info, "\n"), history, ok, query),
		Fragment:     llm.QueryFragment(query),
		PersonalInfo: info,
		HasHistory:   ok,
	}
	return p, nil
}

// UpsertSession appends " "+text to the session's transcript, creating the
// session with text when it does not exist yet.
func (h *History) UpsertSession(ctx context.Context, userID, sessionID, text string) error {
	if err := h.sessions.AppendSession(ctx, userID, sessionID, text); err != nil {
		return fmt.Errorf("%w: upsert session: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteSessionData compacts the session store, reclaiming space left by
// rewritten transcripts.
func (h *History) DeleteSessionData(ctx context.Context) error {
	if err := h.sessions.Compact(ctx); err != nil {
		return fmt.Errorf("%w: compact sessions: %w", ErrStoreUnavailable, err)
	}
	return nil
}
