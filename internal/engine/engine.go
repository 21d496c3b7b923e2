package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

// Engine is the memory core for one store. It owns the retriever, history
// manager, extractor and evictor, and runs the query flow across them.
// It is safe for concurrent use.
type Engine struct {
	cfg      Config
	store    storage.Store
	gen      llm.TextGenerator
	embedder Embedder
	logger   *slog.Logger

	retriever *Retriever
	history   *History
	extractor *Extractor
	evictor   *Evictor

	mu      sync.RWMutex
	onEvent EventHandler
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEventHandler registers a handler for engine events.
func WithEventHandler(h EventHandler) Option {
	return func(e *Engine) { e.onEvent = h }
}

// New creates an Engine.
func New(store storage.Store, gen llm.TextGenerator, embedder Embedder, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("text generator is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		gen:      gen,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.retriever = NewRetriever(store, embedder, cfg, e.logger)
	e.history = NewHistory(store, e.retriever, cfg.HistoryMaxChars, e.logger)
	e.extractor = NewExtractor(gen, embedder, store, e.history, e.logger)
	e.evictor = NewEvictor(store, cfg, e.logger)
	return e, nil
}

// SetEventHandler replaces the event handler. nil disables events.
func (e *Engine) SetEventHandler(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = h
}

func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	h := e.onEvent
	e.mu.RUnlock()
	if h != nil {
		h(ev)
	}
}

// Retriever returns the engine's retriever.
func (e *Engine) Retriever() *Retriever { return e.retriever }

// History returns the engine's history manager.
func (e *Engine) History() *History { return e.history }

// Query answers query for the user's session.
//
// Extraction runs first; if it fails the raw query is used with no tags.
// The prompt is assembled from retrieved personal info and the session
// transcript, and the exchange is appended to the session after generation.
// When the model produces nothing, Query returns "" and an error wrapping
// ErrGenerationFailure, and the session is left unchanged.
func (e *Engine) Query(ctx context.Context, userID, sessionID, query string) (string, error) {
	var condensed string
	var tags []string
	if ext, err := e.Extract(ctx, userID, sessionID, query); err != nil {
		e.logger.Warn("extraction unavailable, using raw query",
			"user_id", userID, "session_id", sessionID, "error", err)
	} else {
		condensed, tags = ext.Condensed, ext.Tags
	}

	prompt, err := e.history.BuildPrompt(ctx, userID, sessionID, query, condensed, tags)
	if err != nil {
		return "", err
	}

	response, err := e.gen.Complete(ctx, prompt.Text)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGenerationFailure, err)
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return "", fmt.Errorf("%w: empty response", ErrGenerationFailure)
	}

	exchange := prompt.Fragment + " " + response
	if err := e.history.UpsertSession(ctx, userID, sessionID, exchange); err != nil {
		e.logger.Error("failed to record exchange", "user_id", userID, "session_id", sessionID, "error", err)
	}
	return response, nil
}

// Extract runs the extraction pipeline and emits entries_created when facts
// were stored.
func (e *Engine) Extract(ctx context.Context, userID, sessionID, query string) (*Extraction, error) {
	ext, err := e.extractor.Extract(ctx, userID, sessionID, query)
	if err != nil {
		return nil, err
	}
	if n := len(ext.Entries); n > 0 {
		e.emit(newEvent(EventEntriesCreated, userID, sessionID, n))
	}
	return ext, nil
}

// SwitchSession compacts session storage when the user leaves a session.
func (e *Engine) SwitchSession(ctx context.Context, userID, sessionID string) error {
	if err := e.history.DeleteSessionData(ctx); err != nil {
		return err
	}
	e.emit(newEvent(EventSessionCompacted, userID, sessionID, 0))
	return nil
}

// MaintainBound runs one eviction pass for the user.
func (e *Engine) MaintainBound(ctx context.Context, userID string) (Report, error) {
	r, err := e.evictor.MaintainBound(ctx, userID)
	if err != nil {
		return r, err
	}
	if r.Removed > 0 {
		e.emit(newEvent(EventEntriesEvicted, userID, "", r.Removed))
	}
	return r, nil
}

// SaveProfile stores the user's profile as a single entry, replacing the
// previous one. Interests become the entry's tags.
func (e *Engine) SaveProfile(ctx context.Context, userID string, p types.Profile) (*types.MemoryEntry, error) {
	entry, err := e.newEntry(ctx, userID, p.Text(), types.SourceProfile, p.Interests)
	if err != nil {
		return nil, err
	}
	if err := e.store.ReplaceBySource(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: save profile: %w", ErrStoreUnavailable, err)
	}
	e.emit(newEvent(EventEntriesCreated, userID, "", 1))
	return entry, nil
}

// SaveAnswer stores a free-text answer as a new entry.
func (e *Engine) SaveAnswer(ctx context.Context, userID, answer string) (*types.MemoryEntry, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, fmt.Errorf("%w: answer is required", storage.ErrInvalidInput)
	}
	entry, err := e.newEntry(ctx, userID, answer, types.SourceAnswer, nil)
	if err != nil {
		return nil, err
	}
	if err := e.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: save answer: %w", ErrStoreUnavailable, err)
	}
	e.emit(newEvent(EventEntriesCreated, userID, "", 1))
	return entry, nil
}

func (e *Engine) newEntry(ctx context.Context, userID, text string, source types.EntrySource, tags []string) (*types.MemoryEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", storage.ErrInvalidInput)
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailure, err)
	}
	return &types.MemoryEntry{
		UserID: userID,
		Text:   text,
		Vector: vec,
		Tags:   types.NormalizeTags(tags),
		Source: source,
	}, nil
}

// Entries lists the user's entries of one source, oldest first. An empty
// source lists all of them. ErrNotFound means there are none.
func (e *Engine) Entries(ctx context.Context, userID string, source types.EntrySource) ([]types.MemoryEntry, error) {
	entries, err := e.store.List(ctx, storage.Filter{UserID: userID, Source: source})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: list entries: %w", ErrStoreUnavailable, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no %s entries for user", ErrNotFound, sourceLabel(source))
	}
	return entries, nil
}

func sourceLabel(s types.EntrySource) string {
	if s == "" {
		return "memory"
	}
	return string(s)
}

// Sessions lists the user's sessions, most recent first. ErrNotFound means
// there are none.
func (e *Engine) Sessions(ctx context.Context, userID string) ([]types.SessionRecord, error) {
	sessions, err := e.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %w", ErrStoreUnavailable, err)
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: no sessions for user", ErrNotFound)
	}
	return sessions, nil
}

// Sweep runs MaintainBound for every user that owns entries and returns the
// reports by user. A failure for one user is logged and does not stop the
// sweep.
func (e *Engine) Sweep(ctx context.Context) (map[string]Report, error) {
	users, err := e.Users(ctx)
	if err != nil {
		return nil, err
	}

	reports := make(map[string]Report, len(users))
	for _, u := range users {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		r, err := e.MaintainBound(ctx, u)
		if err != nil {
			e.logger.Warn("eviction failed", "user_id", u, "error", err)
			continue
		}
		reports[u] = r
	}
	e.logger.Info("eviction sweep complete", "users", len(users))
	return reports, nil
}

// Users returns every user that owns memory entries.
func (e *Engine) Users(ctx context.Context) ([]string, error) {
	users, err := e.store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", ErrStoreUnavailable, err)
	}
	return users, nil
}

// Ping checks the store and, when it supports it, the text generator.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if hc, ok := e.gen.(llm.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrGenerationFailure, err)
		}
	}
	return nil
}
