package engine

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a change to a user's memory.
type EventType string

const (
	EventEntriesCreated   EventType = "entries_created"
	EventEntriesEvicted   EventType = "entries_evicted"
	EventSessionCompacted EventType = "session_compacted"
)

// Event is emitted after the engine changes stored state.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler receives engine events. It is called synchronously and must
// not block.
type EventHandler func(Event)

func newEvent(t EventType, userID, sessionID string, count int) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		UserID:    userID,
		SessionID: sessionID,
		Count:     count,
		Timestamp: time.Now().UTC(),
	}
}
