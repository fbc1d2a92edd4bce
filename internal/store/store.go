package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"dispatch-core/internal/models"
)

// Sentinel errors shared by every store implementation.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrLockLost        = errors.New("job lock no longer held")
	ErrEventNotFound   = errors.New("event not found")
	ErrMeetingNotFound = errors.New("meeting not found")
)

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Type        string
	OwnerID     string
	Payload     json.RawMessage
	MaxAttempts int
}

// Failure describes why a claimed job did not succeed.
type Failure struct {
	Reason    string
	Permanent bool
}

// JobStore persists jobs and performs their atomic state transitions.
type JobStore interface {
	Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error)
	// ClaimBatch moves up to limit claimable jobs to running under fresh lock
	// tokens. Running jobs whose lock is older than visibility are claimable.
	ClaimBatch(ctx context.Context, limit int, visibility time.Duration) ([]models.Job, error)
	// Complete returns ErrLockLost when lockToken no longer owns the job.
	Complete(ctx context.Context, id, lockToken string) error
	// Fail returns the resulting status, or ErrLockLost.
	Fail(ctx context.Context, id, lockToken string, f Failure) (models.JobStatus, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
}

// EventStore is the append-only outbox log.
type EventStore interface {
	InsertEvent(ctx context.Context, ev models.DomainEvent) error
	// EventsAfter returns handled events for owner strictly after cursor,
	// ascending by (created_at, id).
	EventsAfter(ctx context.Context, ownerID string, after models.Cursor, limit int) ([]models.DomainEvent, error)
	EventPosition(ctx context.Context, ownerID, eventID string) (models.Cursor, error)
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// MeetingStore holds ingested meetings keyed by (owner, external id hash).
type MeetingStore interface {
	// UpsertMeeting inserts m or updates the mutable fields of the existing
	// record with the same key. The bool reports whether a row was created.
	UpsertMeeting(ctx context.Context, m models.Meeting) (models.Meeting, bool, error)
	FindMeeting(ctx context.Context, ownerID, externalIDHash string) (models.Meeting, error)
	ListMeetings(ctx context.Context, ownerID string) ([]models.Meeting, error)
}

// Store is the full persistence surface used by the binaries.
type Store interface {
	JobStore
	EventStore
	MeetingStore
	Close()
}
