package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
	"dispatch-core/internal/worker"
)

func TestIngestJob(t *testing.T) {
	ctx := context.Background()
	ing, st := newIngestor(t)
	reg := worker.NewRegistry()
	RegisterJobs(reg, ing, DefaultProviders())
	require.Equal(t, models.JobTypeFathomIngest, JobType("fathom"))
	require.Contains(t, reg.Types(), models.JobTypeFathomIngest)

	enqueue := func(body string) models.Job {
		raw, err := json.Marshal(JobPayload{Provider: "fathom", WebhookID: "msg_1", Body: json.RawMessage(body)})
		require.NoError(t, err)
		job, err := st.Enqueue(ctx, store.EnqueueParams{Type: JobType("fathom"), OwnerID: "owner-1", Payload: raw})
		require.NoError(t, err)
		return job
	}
	good := enqueue(`{"recording_id":99,"title":"Retro"}`)
	bad := enqueue(`{"title":"no id"}`)

	p := worker.NewProcessor(st, reg, nil, worker.Options{}, zerolog.Nop())
	for {
		n, err := p.RunOnce(ctx)
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}

	got, err := st.GetJob(ctx, good.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobSucceeded, got.Status)

	got, err = st.GetJob(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.Status)
	require.Equal(t, got.MaxAttempts, got.Attempts)

	meetings, err := st.ListMeetings(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, meetings, 1)
	require.Equal(t, "Retro", meetings[0].Title)

	events, err := st.EventsAfter(ctx, "owner-1", models.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "msg_1", events[0].CorrelationID)
}
