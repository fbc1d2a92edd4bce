package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"dispatch-core/internal/store"
	"dispatch-core/internal/telemetry"
)

// Sweeper deletes events whose retention has lapsed.
type Sweeper struct {
	store    store.EventStore
	interval time.Duration
	batch    int
	now      func() time.Time
	log      zerolog.Logger
}

func NewSweeper(st store.EventStore, interval time.Duration, batch int, log zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		store:    st,
		interval: interval,
		batch:    batch,
		now:      time.Now,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("event purge failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce purges in batches until a short batch signals nothing is left.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	var total int64
	now := s.now()
	for {
		n, err := s.store.PurgeExpired(ctx, now, s.batch)
		total += n
		telemetry.EventsPurged.Add(float64(n))
		if err != nil {
			return total, err
		}
		if n < int64(s.batch) {
			break
		}
	}
	if total > 0 {
		s.log.Info().Int64("purged", total).Msg("expired events purged")
	}
	return total, nil
}
