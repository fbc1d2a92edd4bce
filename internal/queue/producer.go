package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"dispatch-core/internal/models"
	"dispatch-core/internal/store"
	"dispatch-core/internal/telemetry"
)

// Producer is the internal enqueue API: a durable insert followed by a
// best-effort kick.
type Producer struct {
	store  store.JobStore
	kicker Kicker
	log    zerolog.Logger
}

// NewProducer builds a Producer. kicker may be nil.
func NewProducer(st store.JobStore, kicker Kicker, log zerolog.Logger) *Producer {
	return &Producer{store: st, kicker: kicker, log: log.With().Str("component", "producer").Logger()}
}

// Enqueue persists the job. Kick failures are logged and swallowed because
// the job is already durable.
func (p *Producer) Enqueue(ctx context.Context, params store.EnqueueParams) (models.Job, error) {
	job, err := p.store.Enqueue(ctx, params)
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", params.Type, err)
	}
	telemetry.JobsEnqueued.WithLabelValues(job.Type).Inc()

	if p.kicker != nil {
		if err := p.kicker.Kick(ctx); err != nil {
			telemetry.KickErrors.Inc()
			p.log.Warn().Err(err).Str("job_id", job.ID).Msg("kick failed")
		}
	}
	p.log.Debug().Str("job_id", job.ID).Str("type", job.Type).Str("owner_id", job.OwnerID).Msg("job enqueued")
	return job, nil
}
