package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

// EvictionStatus tells what an eviction run did.
type EvictionStatus int

const (
	// NothingToRemove means the user was below the eviction threshold.
	NothingToRemove EvictionStatus = iota

	// RemovedLeastUsed means enough low-usage entries existed and the
	// least recently used of them were removed.
	RemovedLeastUsed

	// RemovedRandom means too few entries were low-usage and a seeded random
	// sample was removed instead.
	RemovedRandom
)

func (s EvictionStatus) String() string {
	switch s {
	case NothingToRemove:
		return "nothing_to_remove"
	case RemovedLeastUsed:
		return "removed_least_used"
	case RemovedRandom:
		return "removed_random"
	default:
		return fmt.Sprintf("EvictionStatus(%d)", int(s))
	}
}

// MarshalText renders the status name in JSON.
func (s EvictionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name written by MarshalText.
func (s *EvictionStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "nothing_to_remove":
		*s = NothingToRemove
	case "removed_least_used":
		*s = RemovedLeastUsed
	case "removed_random":
		*s = RemovedRandom
	default:
		return fmt.Errorf("unknown eviction status %q", text)
	}
	return nil
}

// Report describes one eviction run.
type Report struct {
	Status  EvictionStatus `json:"status"`
	Count   int            `json:"count"`   // entries before the run
	Removed int            `json:"removed"` // entries deleted
	Mean    float64        `json:"mean"`
	StdDev  float64        `json:"stddev"`
	IDs     []string       `json:"-"`
}

// String is the human-readable report returned to callers.
func (r Report) String() string {
	if r.Status == NothingToRemove {
		return "Nothing to remove"
	}
	return fmt.Sprintf("Removed %d entries from personal_info to maintain size.", r.Removed)
}

// Evictor keeps each user's memory below Config.MaxEntries.
//
// Once a user holds EvictionThreshold entries, one run removes RemoveCount of
// them. Entries whose usage count lies more than one sample standard deviation
// below the mean are removed first, oldest last_used first. If fewer than
// RemoveCount qualify, a uniform random sample drawn with Config.Seed is
// removed instead, so the same store state always loses the same entries.
type Evictor struct {
	store  storage.MemoryStore
	cfg    Config
	logger *slog.Logger
}

// NewEvictor creates an Evictor. A nil logger means slog.Default().
func NewEvictor(store storage.MemoryStore, cfg Config, logger *slog.Logger) *Evictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evictor{store: store, cfg: cfg, logger: logger}
}

// MaintainBound runs one eviction pass for userID.
func (e *Evictor) MaintainBound(ctx context.Context, userID string) (Report, error) {
	filter := storage.Filter{UserID: userID}

	count, err := e.store.Count(ctx, filter)
	if err != nil {
		return Report{}, fmt.Errorf("%w: count: %w", ErrStoreUnavailable, err)
	}
	if count < e.cfg.EvictionThreshold() {
		return Report{Status: NothingToRemove, Count: count}, nil
	}

	entries, err := e.store.List(ctx, filter)
	if err != nil {
		return Report{}, fmt.Errorf("%w: scan: %w", ErrStoreUnavailable, err)
	}

	ids, status, mean, std := selectVictims(entries, e.cfg.RemoveCount(), e.cfg.Seed)
	removed, err := e.store.Delete(ctx, ids)
	if err != nil {
		return Report{}, fmt.Errorf("%w: delete: %w", ErrStoreUnavailable, err)
	}

	r := Report{Status: status, Count: count, Removed: removed, Mean: mean, StdDev: std, IDs: ids}
	e.logger.Info("evicted memory entries",
		"user_id", userID, "status", status.String(), "count", count, "removed", removed,
		"mean", mean, "stddev", std)
	return r, nil
}

// selectVictims picks the ids to delete from entries.
func selectVictims(entries []types.MemoryEntry, n int, seed uint64) ([]string, EvictionStatus, float64, float64) {
	mean, std := usageStats(entries)
	cutoff := mean - std

	var low []types.MemoryEntry
	for _, en := range entries {
		if float64(en.UsageCount) < cutoff {
			low = append(low, en)
		}
	}

	if len(low) >= n {
		sort.Slice(low, func(i, j int) bool {
			if !low[i].LastUsed.Equal(low[j].LastUsed) {
				return low[i].LastUsed.Before(low[j].LastUsed)
			}
			return low[i].ID < low[j].ID
		})
		return entryIDs(low[:n]), RemovedLeastUsed, mean, std
	}

	// Sort first so the sample depends only on the seed, not on scan order.
	pool := make([]types.MemoryEntry, len(entries))
	copy(pool, entries)
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}
	return entryIDs(pool[:n]), RemovedRandom, mean, std
}

// usageStats returns the mean and sample standard deviation of usage counts.
func usageStats(entries []types.MemoryEntry) (mean, std float64) {
	if len(entries) == 0 {
		return 0, 0
	}
	for _, en := range entries {
		mean += float64(en.UsageCount)
	}
	mean /= float64(len(entries))
	if len(entries) < 2 {
		return mean, 0
	}
	var ss float64
	for _, en := range entries {
		d := float64(en.UsageCount) - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(entries)-1))
}

func entryIDs(entries []types.MemoryEntry) []string {
	ids := make([]string, len(entries))
	for i, en := range entries {
		ids[i] = en.ID
	}
	return ids
}
