package types

import (
	"strings"
	"time"
)

// EntrySource records how a memory entry came into the store.
type EntrySource string

const (
	// SourceExtraction marks facts distilled from a query by the extraction pipeline.
	SourceExtraction EntrySource = "extraction"

	// SourceProfile marks the single profile entry built from a submitted user profile.
	SourceProfile EntrySource = "profile"

	// SourceAnswer marks free-text answers submitted by the user.
	SourceAnswer EntrySource = "answer"
)

// IsValid reports whether s is one of the known entry sources.
func (s EntrySource) IsValid() bool {
	switch s {
	case SourceExtraction, SourceProfile, SourceAnswer:
		return true
	}
	return false
}

// MemoryEntry is one fact known about a user, together with the vector used
// to find it and the bookkeeping used to decide when to forget it.
type MemoryEntry struct {
	ID         string      `json:"id"`                // uuid, assigned on insert when empty
	UserID     string      `json:"user_id"`           // owner of the fact
	Text       string      `json:"text"`              // natural-language fact, e.g. "user is interested in planes"
	Vector     []float32   `json:"vector,omitempty"`  // unit-norm embedding of Text
	Tags       []string    `json:"tags"`              // keywords, compared as a set
	UsageCount int         `json:"usage_count"`       // retrieval hits, only ever incremented
	LastUsed   time.Time   `json:"last_used"`         // creation time or most recent retrieval
	Source     EntrySource `json:"source,omitempty"`  // extraction, profile or answer
	CreatedAt  time.Time   `json:"created_at"`
}

// HasTag reports whether the entry carries tag, ignoring case and surrounding space.
func (e *MemoryEntry) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range e.Tags {
		if strings.ToLower(t) == tag {
			return true
		}
	}
	return false
}

// SessionRecord holds the accumulated transcript for one user conversation.
// There is at most one record per (UserID, SessionID).
type SessionRecord struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	History   string    `json:"history"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile is the self-description a user submits from the profile page.
type Profile struct {
	Name       string   `json:"name"`
	Email      string   `json:"email"`
	Gender     string   `json:"gender"`
	Location   string   `json:"location"`
	Occupation string   `json:"occupation"`
	Interests  []string `json:"interests"`
}

// Text renders the profile as the single comma-separated fact stored for it.
func (p Profile) Text() string {
	return strings.Join([]string{
		p.Name,
		p.Email,
		p.Gender,
		p.Location,
		p.Occupation,
		strings.Join(p.Interests, ", "),
	}, ", ")
}

// NormalizeTags trims every tag, drops empties and duplicates, and keeps the
// first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
