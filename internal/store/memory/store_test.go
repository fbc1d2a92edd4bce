package memory

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	st := New()

	const total = 200
	for i := 0; i < total; i++ {
		_, err := st.Enqueue(ctx, store.EnqueueParams{Type: "noop", OwnerID: "owner-1"})
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		completed atomic.Int64
		seen      sync.Map
		dupes     atomic.Int64
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := st.ClaimBatch(ctx, 7, time.Minute)
				if err != nil || len(jobs) == 0 {
					return
				}
				for _, j := range jobs {
					if _, loaded := seen.LoadOrStore(j.ID, true); loaded {
						dupes.Add(1)
					}
					if err := st.Complete(ctx, j.ID, j.Token()); err == nil {
						completed.Add(1)
					}
				}
			}
		}()
	}
	wg.Wait()

	require.Zero(t, dupes.Load())
	require.EqualValues(t, total, completed.Load())
	counts, err := st.CountByStatus(ctx)
	require.NoError(t, err)
	require.EqualValues(t, total, counts[models.JobSucceeded])
}

func TestStaleLockReclaim(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := New(WithClock(clock.Now))

	job, err := st.Enqueue(ctx, store.EnqueueParams{Type: "noop", OwnerID: "owner-1"})
	require.NoError(t, err)

	first, err := st.ClaimBatch(ctx, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)
	oldToken := first[0].Token()

	t.Run("held lock is not reclaimable", func(t *testing.T) {
		clock.Advance(10 * time.Second)
		jobs, err := st.ClaimBatch(ctx, 10, 30*time.Second)
		require.NoError(t, err)
		require.Empty(t, jobs)
	})

	t.Run("expired lock is reclaimed without counting an attempt", func(t *testing.T) {
		clock.Advance(25 * time.Second)
		jobs, err := st.ClaimBatch(ctx, 10, 30*time.Second)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.Equal(t, job.ID, jobs[0].ID)
		require.Zero(t, jobs[0].Attempts)
		require.NotEqual(t, oldToken, jobs[0].Token())

		require.ErrorIs(t, st.Complete(ctx, job.ID, oldToken), store.ErrLockLost)
		_, err = st.Fail(ctx, job.ID, oldToken, store.Failure{Reason: "late"})
		require.ErrorIs(t, err, store.ErrLockLost)

		require.NoError(t, st.Complete(ctx, job.ID, jobs[0].Token()))
		got, err := st.GetJob(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobSucceeded, got.Status)
		require.Nil(t, got.LockToken)
	})
}

func TestFailRetriesThenExhausts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := New(WithClock(clock.Now), WithRetryPolicy(store.RetryPolicy{Initial: time.Second, Max: 4 * time.Second}))

	job, err := st.Enqueue(ctx, store.EnqueueParams{Type: "flaky", OwnerID: "owner-1", MaxAttempts: 3})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		clock.Advance(time.Minute)
		jobs, err := st.ClaimBatch(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1, "attempt %d", attempt)

		status, err := st.Fail(ctx, job.ID, jobs[0].Token(), store.Failure{Reason: "timeout"})
		require.NoError(t, err)
		if attempt < 3 {
			require.Equal(t, models.JobQueued, status)
			got, _ := st.GetJob(ctx, job.ID)
			require.True(t, got.AvailableAt.After(clock.Now()), "retry must be delayed")

			none, err := st.ClaimBatch(ctx, 1, time.Minute)
			require.NoError(t, err)
			require.Empty(t, none, "job claimable before backoff elapsed")
		} else {
			require.Equal(t, models.JobFailed, status)
		}
	}

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.Status)
	require.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.LastError)
	require.Equal(t, "timeout", *got.LastError)
}

func TestFailPermanentSkipsRetries(t *testing.T) {
	ctx := context.Background()
	st := New()

	job, err := st.Enqueue(ctx, store.EnqueueParams{Type: "bad", OwnerID: "owner-1", MaxAttempts: 5})
	require.NoError(t, err)
	jobs, err := st.ClaimBatch(ctx, 1, time.Minute)
	require.NoError(t, err)

	status, err := st.Fail(ctx, job.ID, jobs[0].Token(), store.Failure{Reason: "unknown job type", Permanent: true})
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, status)

	got, _ := st.GetJob(ctx, job.ID)
	require.Equal(t, 5, got.Attempts)
}

func TestEventsAfterOrderingAndPurge(t *testing.T) {
	ctx := context.Background()
	st := New()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	insert := func(id, owner string, offset time.Duration) {
		require.NoError(t, st.InsertEvent(ctx, models.DomainEvent{
			ID:        id,
			Type:      models.EventTaskCreated,
			OwnerID:   owner,
			Payload:   json.RawMessage(`{}`),
			Status:    models.EventHandled,
			CreatedAt: base.Add(offset),
			ExpiresAt: base.Add(offset + time.Hour),
		}))
	}
	insert("c", "owner-1", 2*time.Second)
	insert("a", "owner-1", 0)
	insert("b", "owner-1", 0)
	insert("x", "owner-2", time.Second)

	events, err := st.EventsAfter(ctx, "owner-1", models.Cursor{CreatedAt: base.Add(-time.Second)}, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(events))

	pos, err := st.EventPosition(ctx, "owner-1", "a")
	require.NoError(t, err)
	events, err = st.EventsAfter(ctx, "owner-1", pos, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids(events))

	_, err = st.EventPosition(ctx, "owner-1", "x")
	require.ErrorIs(t, err, store.ErrEventNotFound)

	purged, err := st.PurgeExpired(ctx, base.Add(time.Hour+time.Second), 100)
	require.NoError(t, err)
	require.EqualValues(t, 3, purged)
	events, err = st.EventsAfter(ctx, "owner-1", models.Cursor{}, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, ids(events))
}

func TestUpsertMeetingKeepsCreationFields(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := New(WithClock(clock.Now))

	first, created, err := st.UpsertMeeting(ctx, models.Meeting{OwnerID: "o", ExternalIDHash: "h", Title: "v1"})
	require.NoError(t, err)
	require.True(t, created)

	clock.Advance(time.Minute)
	second, created, err := st.UpsertMeeting(ctx, models.Meeting{ID: "ignored", OwnerID: "o", ExternalIDHash: "h", Title: "v2"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, "v2", second.Title)
	require.True(t, second.UpdatedAt.After(first.UpdatedAt))

	all, err := st.ListMeetings(ctx, "o")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func ids(events []models.DomainEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ID)
	}
	return out
}
