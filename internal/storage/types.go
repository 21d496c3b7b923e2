package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/scrypster/persona/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// Filter scopes memory queries. UserID is required; Source is optional.
type Filter struct {
	UserID string
	Source types.EntrySource
}

// Validate reports ErrInvalidInput when the filter has no owner.
func (f Filter) Validate() error {
	if strings.TrimSpace(f.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if f.Source != "" && !f.Source.IsValid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidInput, f.Source)
	}
	return nil
}

// Matches reports whether entry falls inside the filter.
func (f Filter) Matches(entry *types.MemoryEntry) bool {
	if entry.UserID != f.UserID {
		return false
	}
	return f.Source == "" || entry.Source == f.Source
}

// SearchResult is one vector-search hit.
type SearchResult struct {
	Entry      types.MemoryEntry
	Similarity float64
}

// PrepareEntry validates entry for insertion and fills in defaults: a new
// uuid, the extraction source, and CreatedAt/LastUsed timestamps. When
// dimension is positive the vector length must match it.
func PrepareEntry(entry *types.MemoryEntry, dimension int) error {
	if entry == nil {
		return fmt.Errorf("%w: entry is nil", ErrInvalidInput)
	}
	if strings.TrimSpace(entry.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(entry.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	if len(entry.Vector) == 0 {
		return fmt.Errorf("%w: vector is required", ErrInvalidInput)
	}
	if dimension > 0 && len(entry.Vector) != dimension {
		return fmt.Errorf("%w: vector length %d does not match dimension %d",
			ErrInvalidInput, len(entry.Vector), dimension)
	}
	if entry.Source == "" {
		entry.Source = types.SourceExtraction
	}
	if !entry.Source.IsValid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidInput, entry.Source)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = nowUTC()
	}
	if entry.LastUsed.IsZero() {
		entry.LastUsed = entry.CreatedAt
	}
	if entry.Tags == nil {
		entry.Tags = []string{}
	}
	return nil
}
