package models

import (
	"encoding/json"
	"time"
)

// Meeting is the business record created by ingesting a provider recording.
// (OwnerID, ExternalIDHash) is unique.
type Meeting struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Provider        string          `json:"provider"`
	ExternalID      string          `json:"external_id"`
	ExternalIDHash  string          `json:"-"`
	Title           string          `json:"title"`
	URL             string          `json:"url,omitempty"`
	ShareURL        string          `json:"share_url,omitempty"`
	RecordedAt      *time.Time      `json:"recorded_at,omitempty"`
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
