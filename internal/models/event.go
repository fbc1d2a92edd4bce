package models

import (
	"encoding/json"
	"time"
)

// EventStatus tracks a domain event through its (short) processing life.
type EventStatus string

const (
	EventQueued  EventStatus = "queued"
	EventRunning EventStatus = "running"
	EventHandled EventStatus = "handled"
	EventFailed  EventStatus = "failed"
)

// Domain event types written by mutations and job handlers.
const (
	EventTaskStatusChanged = "task.status.changed"
	EventTaskCreated       = "task.created"
	EventBoardItemUpdated  = "board.item.updated"
	EventMeetingIngested   = "meeting.ingested"
)

// DomainEvent is one entry of the per-owner outbox log.
type DomainEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	OwnerID       string          `json:"owner_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        EventStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	HandledAt     *time.Time      `json:"handled_at,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Position returns the cursor that points at this event.
func (e DomainEvent) Position() Cursor {
	return Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// Cursor is a (createdAt, id) position in the outbox. The zero ID sorts before
// every real id at the same timestamp.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Before reports whether c sorts strictly before other.
func (c Cursor) Before(other Cursor) bool {
	if c.CreatedAt.Equal(other.CreatedAt) {
		return c.ID < other.ID
	}
	return c.CreatedAt.Before(other.CreatedAt)
}

// StoreTime normalises a timestamp to the precision Postgres keeps, so cursors
// survive a round trip through the database unchanged.
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
