package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted for a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job types understood by the worker binary.
const (
	JobTypeDomainEventDispatch = "domain-event-dispatch"
	JobTypeFathomIngest        = "fathom-webhook-ingest"
)

// Job is a unit of deferred work with retry semantics.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	OwnerID     string          `json:"owner_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	AvailableAt time.Time       `json:"available_at"`
	LockToken   *string         `json:"-"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Token returns the lock token held by the current claimant, or "".
func (j Job) Token() string {
	if j.LockToken == nil {
		return ""
	}
	return *j.LockToken
}
