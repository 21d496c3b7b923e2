// Package storage defines the persistence boundary for persona.
//
// Memory entries and session records live behind two small interfaces so
// that the retrieval engine can run against any backend that implements
// them: SQLite (default), Postgres with pgvector, or the in-process
// chromem-go store.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/persona/pkg/types"
)

// MemoryStore holds per-user memory entries and their embeddings.
// Every read and write is scoped by a Filter; implementations must bind the
// filter values as query parameters and never splice them into query text.
type MemoryStore interface {
	// Insert stores a single entry. An empty ID is replaced by a new uuid.
	Insert(ctx context.Context, entry *types.MemoryEntry) error

	// InsertBatch stores all entries or none of them.
	InsertBatch(ctx context.Context, entries []*types.MemoryEntry) error

	// Search returns up to limit entries matching filter, ordered by
	// descending cosine similarity to vector.
	Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]SearchResult, error)

	// List returns every entry matching filter, oldest first.
	List(ctx context.Context, filter Filter) ([]types.MemoryEntry, error)

	// Count returns the number of entries matching filter.
	Count(ctx context.Context, filter Filter) (int, error)

	// IncrementUsage atomically adds one to usage_count and sets last_used
	// for each id. Unknown ids are ignored.
	IncrementUsage(ctx context.Context, ids []string, at time.Time) error

	// Delete removes the entries with the given ids and returns how many
	// were removed.
	Delete(ctx context.Context, ids []string) (int, error)

	// ReplaceBySource deletes the owner's entries with entry.Source and
	// inserts entry, in one transaction.
	ReplaceBySource(ctx context.Context, entry *types.MemoryEntry) error

	// Users returns the distinct user ids that own at least one entry.
	Users(ctx context.Context) ([]string, error)
}

// SessionStore holds one transcript per (user, session) pair.
type SessionStore interface {
	// GetSession returns ErrNotFound when no record exists.
	GetSession(ctx context.Context, userID, sessionID string) (*types.SessionRecord, error)

	// AppendSession creates the record with text, or appends " "+text to the
	// existing history, as a single atomic upsert.
	AppendSession(ctx context.Context, userID, sessionID, text string) error

	// ListSessions returns the user's sessions, most recently updated first.
	ListSessions(ctx context.Context, userID string) ([]types.SessionRecord, error)

	// Compact reclaims space left behind by deleted or rewritten sessions.
	Compact(ctx context.Context) error
}

// Store is a complete backend.
type Store interface {
	MemoryStore
	SessionStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}
