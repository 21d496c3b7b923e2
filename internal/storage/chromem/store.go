// Package chromem implements storage.Store in process, using chromem-go for
// vector similarity and a side index for the bookkeeping chromem does not
// model (usage counts, timestamps, tags). Sessions are held in a map.
// Nothing is persisted; this backend suits tests, demos and single-process
// deployments that rebuild memory on start.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

// Store implements storage.Store on top of an in-memory chromem.DB.
// Each user gets a collection so that searches never cross users.
type Store struct {
	db        *chromem.DB
	dimension int
	logger    *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection  // user id -> collection
	entries     map[string]*types.MemoryEntry   // entry id -> entry
	sessions    map[sessionKey]*types.SessionRecord
}

type sessionKey struct {
	userID, sessionID string
}

// NewStore creates an empty store. When dimension is positive, vectors of
// any other length are rejected.
func NewStore(dimension int) *Store {
	return &Store{
		db:          chromem.NewDB(),
		dimension:   dimension,
		logger:      slog.Default(),
		collections: make(map[string]*chromem.Collection),
		entries:     make(map[string]*types.MemoryEntry),
		sessions:    make(map[sessionKey]*types.SessionRecord),
	}
}

// collectionFor returns the user's collection, creating it on first use.
// Caller must hold s.mu.
func (s *Store) collectionFor(userID string) (*chromem.Collection, error) {
	if c, ok := s.collections[userID]; ok {
		return c, nil
	}
	c, err := s.db.GetOrCreateCollection("user:"+userID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: get or create collection: %w", err)
	}
	s.collections[userID] = c
	return c, nil
}

func toDocument(e *types.MemoryEntry) chromem.Document {
	return chromem.Document{
		ID:        e.ID,
		Content:   e.Text,
		Embedding: e.Vector,
		Metadata: map[string]string{
			"source": string(e.Source),
		},
	}
}

// Insert stores a single entry.
func (s *Store) Insert(ctx context.Context, entry *types.MemoryEntry) error {
	return s.InsertBatch(ctx, []*types.MemoryEntry{entry})
}

// InsertBatch validates every entry before touching the collections, and
// removes whatever it added if a later document fails.
func (s *Store) InsertBatch(ctx context.Context, entries []*types.MemoryEntry) error {
	for _, e := range entries {
		if err := storage.PrepareEntry(e, s.dimension); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := make([]*types.MemoryEntry, 0, len(entries))
	for _, e := range entries {
		if err := s.addLocked(ctx, e); err != nil {
			s.removeLocked(ctx, added)
			return err
		}
		added = append(added, e)
	}
	return nil
}

// addLocked writes e to chromem and the side index. Caller must hold s.mu.
func (s *Store) addLocked(ctx context.Context, e *types.MemoryEntry) error {
	col, err := s.collectionFor(e.UserID)
	if err != nil {
		return err
	}
	if err := col.AddDocument(ctx, toDocument(e)); err != nil {
		return fmt.Errorf("chromem: add document %s: %w", e.ID, err)
	}
	cp := *e
	cp.Tags = append([]string(nil), e.Tags...)
	s.entries[e.ID] = &cp
	return nil
}

// removeLocked deletes entries from chromem and the side index. Caller must hold s.mu.
func (s *Store) removeLocked(ctx context.Context, entries []*types.MemoryEntry) {
	byUser := make(map[string][]string)
	for _, e := range entries {
		byUser[e.UserID] = append(byUser[e.UserID], e.ID)
		delete(s.entries, e.ID)
	}
	for userID, ids := range byUser {
		col, ok := s.collections[userID]
		if !ok {
			continue
		}
		if err := col.Delete(ctx, nil, nil, ids...); err != nil {
			s.logger.Warn("chromem: delete documents failed", "user_id", userID, "error", err)
		}
	}
}

// ReplaceBySource drops the owner's entries from entry.Source and adds entry.
func (s *Store) ReplaceBySource(ctx context.Context, entry *types.MemoryEntry) error {
	if err := storage.PrepareEntry(entry, s.dimension); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var old []*types.MemoryEntry
	for _, e := range s.entries {
		if e.UserID == entry.UserID && e.Source == entry.Source {
			old = append(old, e)
		}
	}
	s.removeLocked(ctx, old)
	return s.addLocked(ctx, entry)
}

// Search queries the user's collection and joins the hits with the side index.
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[filter.UserID]
	if !ok {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem rejects nResults larger than the collection
	n := limit
	if n > count {
		n = count
	}
	var where map[string]string
	if filter.Source != "" {
		where = map[string]string{"source": string(filter.Source)}
	}

	hits, err := col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	results := make([]storage.SearchResult, 0, len(hits))
	for _, h := range hits {
		e, ok := s.entries[h.ID]
		if !ok {
			continue
		}
		results = append(results, storage.SearchResult{
			Entry:      copyEntry(e),
			Similarity: float64(h.Similarity),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	return results, nil
}

// List returns every entry matching filter, oldest first.
func (s *Store) List(ctx context.Context, filter storage.Filter) ([]types.MemoryEntry, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.MemoryEntry
	for _, e := range s.entries {
		if filter.Matches(e) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Count returns the number of entries matching filter.
func (s *Store) Count(ctx context.Context, filter storage.Filter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if filter.Matches(e) {
			n++
		}
	}
	return n, nil
}

// IncrementUsage updates the side index under the write lock.
func (s *Store) IncrementUsage(ctx context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			e.UsageCount++
			e.LastUsed = at.UTC()
		}
	}
	return nil
}

// Delete removes the entries with the given ids.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []*types.MemoryEntry
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			found = append(found, e)
		}
	}
	s.removeLocked(ctx, found)
	return len(found), nil
}

// Users returns the distinct owners of stored entries.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range s.entries {
		seen[e.UserID] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// GetSession returns the transcript for (userID, sessionID).
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*types.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[sessionKey{userID, sessionID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// AppendSession creates or extends the session under the write lock.
func (s *Store) AppendSession(ctx context.Context, userID, sessionID, text string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: user_id and session_id are required", storage.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{userID, sessionID}
	now := time.Now().UTC()
	if rec, ok := s.sessions[key]; ok {
		rec.History += " " + text
		rec.UpdatedAt = now
		return nil
	}
	s.sessions[key] = &types.SessionRecord{
		UserID:    userID,
		SessionID: sessionID,
		History:   text,
		UpdatedAt: now,
	}
	return nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]types.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.SessionRecord
	for key, rec := range s.sessions {
		if key.userID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// Compact is a no-op: deleted map entries are reclaimed by the garbage collector.
func (s *Store) Compact(ctx context.Context) error {
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close drops all state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*types.MemoryEntry)
	s.sessions = make(map[sessionKey]*types.SessionRecord)
	s.collections = make(map[string]*chromem.Collection)
	s.db = chromem.NewDB()
	return nil
}

func copyEntry(e *types.MemoryEntry) types.MemoryEntry {
	cp := *e
	cp.Tags = append([]string(nil), e.Tags...)
	cp.Vector = append([]float32(nil), e.Vector...)
	return cp
}

var _ storage.Store = (*Store)(nil)
