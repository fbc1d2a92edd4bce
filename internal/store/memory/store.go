// Package memory is an in-process implementation of the store interfaces.
// It backs the single-process dev mode and the package tests; a mutex stands
// in for the row locks Postgres provides.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
)

var _ store.Store = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithClock replaces time.Now, letting tests move time forward.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryPolicy sets the backoff used by Fail.
func WithRetryPolicy(p store.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithDefaultMaxAttempts sets maxAttempts for jobs enqueued without one.
func WithDefaultMaxAttempts(n int) Option {
	return func(s *Store) { s.defaultMaxAttempts = n }
}

// Store keeps jobs, events and meetings in maps guarded by one mutex.
type Store struct {
	mu                 sync.Mutex
	now                func() time.Time
	retry              store.RetryPolicy
	defaultMaxAttempts int

	jobs     map[string]*models.Job
	events   []models.DomainEvent
	meetings map[meetingKey]*models.Meeting
}

type meetingKey struct {
	owner string
	hash  string
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:                time.Now,
		retry:              store.DefaultRetryPolicy,
		defaultMaxAttempts: 3,
		jobs:               make(map[string]*models.Job),
		meetings:           make(map[meetingKey]*models.Meeting),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() {}

func (s *Store) clock() time.Time {
	return models.StoreTime(s.now())
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Enqueue inserts a queued job that is immediately claimable.
func (s *Store) Enqueue(_ context.Context, p store.EnqueueParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = s.defaultMaxAttempts
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	now := s.clock()
	job := &models.Job{
		ID:          newID(),
		Type:        p.Type,
		OwnerID:     p.OwnerID,
		Payload:     append(json.RawMessage(nil), payload...),
		Status:      models.JobQueued,
		MaxAttempts: p.MaxAttempts,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[job.ID] = job
	return *job, nil
}

// ClaimBatch claims due queued jobs and running jobs with stale locks.
func (s *Store) ClaimBatch(_ context.Context, limit int, visibility time.Duration) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	staleBefore := now.Add(-visibility)

	var candidates []*models.Job
	for _, j := range s.jobs {
		switch {
		case j.Status == models.JobQueued && !j.AvailableAt.After(now):
			candidates = append(candidates, j)
		case j.Status == models.JobRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore):
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].AvailableAt.Equal(candidates[b].AvailableAt) {
			return candidates[a].ID < candidates[b].ID
		}
		return candidates[a].AvailableAt.Before(candidates[b].AvailableAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.Job, 0, len(candidates))
	for _, j := range candidates {
		token := uuid.NewString()
		lockedAt := now
		j.Status = models.JobRunning
		j.LockToken = &token
		j.LockedAt = &lockedAt
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *Store) held(id, lockToken string) (*models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if j.Status != models.JobRunning || j.LockToken == nil || *j.LockToken != lockToken {
		return nil, store.ErrLockLost
	}
	return j, nil
}

// Complete marks the job succeeded if lockToken still owns it.
func (s *Store) Complete(_ context.Context, id, lockToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.held(id, lockToken)
	if err != nil {
		return err
	}
	j.Status = models.JobSucceeded
	j.LockToken = nil
	j.LockedAt = nil
	j.LastError = nil
	j.UpdatedAt = s.clock()
	return nil
}

// Fail schedules a retry or marks the job failed.
func (s *Store) Fail(_ context.Context, id, lockToken string, f store.Failure) (models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.held(id, lockToken)
	if err != nil {
		return "", err
	}
	now := s.clock()
	reason := f.Reason
	j.Attempts++
	j.LockToken = nil
	j.LockedAt = nil
	j.LastError = &reason
	j.UpdatedAt = now

	if f.Permanent || j.Attempts >= j.MaxAttempts {
		if f.Permanent && j.Attempts < j.MaxAttempts {
			j.Attempts = j.MaxAttempts
		}
		j.Status = models.JobFailed
		return j.Status, nil
	}
	j.Status = models.JobQueued
	j.AvailableAt = now.Add(s.retry.Delay(j.Attempts))
	return j.Status, nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrJobNotFound
	}
	return *j, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[models.JobStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[models.JobStatus]int64{
		models.JobQueued:    0,
		models.JobRunning:   0,
		models.JobSucceeded: 0,
		models.JobFailed:    0,
	}
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// InsertEvent appends ev keeping the log ordered by (created_at, id).
func (s *Store) InsertEvent(_ context.Context, ev models.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := ev.Position()
	i := sort.Search(len(s.events), func(i int) bool {
		return pos.Before(s.events[i].Position())
	})
	s.events = append(s.events, models.DomainEvent{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = ev
	return nil
}

func (s *Store) EventsAfter(_ context.Context, ownerID string, after models.Cursor, limit int) ([]models.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.DomainEvent
	for _, ev := range s.events {
		if len(out) >= limit {
			break
		}
		if ev.OwnerID != ownerID || ev.Status != models.EventHandled {
			continue
		}
		if after.Before(ev.Position()) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) EventPosition(_ context.Context, ownerID, eventID string) (models.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if ev.ID == eventID && ev.OwnerID == ownerID {
			return ev.Position(), nil
		}
	}
	return models.Cursor{}, store.ErrEventNotFound
}

func (s *Store) PurgeExpired(_ context.Context, now time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	kept := s.events[:0]
	for _, ev := range s.events {
		if purged < int64(limit) && !ev.ExpiresAt.After(now) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return purged, nil
}

// UpsertMeeting converges concurrent inserts for the same key onto one record.
func (s *Store) UpsertMeeting(_ context.Context, m models.Meeting) (models.Meeting, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	key := meetingKey{owner: m.OwnerID, hash: m.ExternalIDHash}
	if existing, ok := s.meetings[key]; ok {
		existing.Title = m.Title
		existing.URL = m.URL
		existing.ShareURL = m.ShareURL
		existing.RecordedAt = m.RecordedAt
		existing.DurationSeconds = m.DurationSeconds
		existing.Summary = m.Summary
		existing.Payload = m.Payload
		existing.UpdatedAt = now
		return *existing, false, nil
	}
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	s.meetings[key] = &m
	return m, true, nil
}

func (s *Store) FindMeeting(_ context.Context, ownerID, externalIDHash string) (models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meetings[meetingKey{owner: ownerID, hash: externalIDHash}]
	if !ok {
		return models.Meeting{}, store.ErrMeetingNotFound
	}
	return *m, nil
}

func (s *Store) ListMeetings(_ context.Context, ownerID string) ([]models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Meeting
	for _, m := range s.meetings {
		if m.OwnerID == ownerID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}
