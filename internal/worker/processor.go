package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dispatch-core/internal/models"
	"dispatch-core/internal/queue"
	"dispatch-core/internal/store"
	"dispatch-core/internal/telemetry"
)

// transitionTimeout bounds the store write that follows a handler.
const transitionTimeout = 10 * time.Second

// Options tunes the poll loop.
type Options struct {
	WorkerID     string
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	Visibility   time.Duration
	JobTimeout   time.Duration
	// MaxClaimBackoff caps the delay between claims while the store errors.
	MaxClaimBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 20 * time.Second
	}
	if o.MaxClaimBackoff <= 0 {
		o.MaxClaimBackoff = 30 * time.Second
	}
	return o
}

// Processor drives the worker execution loop.
type Processor struct {
	store    store.JobStore
	registry *Registry
	kicker   queue.Kicker
	opts     Options
	log      zerolog.Logger
}

// NewProcessor builds a Processor. kicker may be nil, in which case the loop
// relies on polling alone.
func NewProcessor(st store.JobStore, reg *Registry, kicker queue.Kicker, opts Options, log zerolog.Logger) *Processor {
	opts = opts.withDefaults()
	l := log.With().Str("component", "worker")
	if opts.WorkerID != "" {
		l = l.Str("worker_id", opts.WorkerID)
	}
	return &Processor{store: st, registry: reg, kicker: kicker, opts: opts, log: l.Logger()}
}

// Run polls until ctx is cancelled. The batch in flight at cancellation runs
// to completion, and its transitions are written, before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	var kicks <-chan struct{}
	if p.kicker != nil {
		ch, err := p.kicker.Listen(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("kick listener unavailable, polling only")
		}
		kicks = ch
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.PollInterval
	bo.MaxInterval = p.opts.MaxClaimBackoff

	p.log.Info().
		Int("batch_size", p.opts.BatchSize).
		Int("concurrency", p.opts.Concurrency).
		Dur("visibility", p.opts.Visibility).
		Strs("job_types", p.registry.Types()).
		Msg("worker started")

	for {
		if ctx.Err() != nil {
			p.log.Info().Msg("worker stopped")
			return nil
		}

		claimed, err := p.RunOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case err != nil:
			wait = bo.NextBackOff()
			if wait < 0 {
				wait = p.opts.MaxClaimBackoff
			}
			p.log.Error().Err(err).Dur("retry_in", wait).Msg("claim failed")
		case claimed >= p.opts.BatchSize:
			bo.Reset()
			continue
		default:
			bo.Reset()
			wait = p.opts.PollInterval
			p.refreshDepth(ctx)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-kicks:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// RunOnce claims one batch and processes it with bounded concurrency. It
// returns the number of jobs claimed.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	jobs, err := p.store.ClaimBatch(ctx, p.opts.BatchSize, p.opts.Visibility)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	telemetry.JobsClaimed.Add(float64(len(jobs)))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			p.process(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (p *Processor) process(parent context.Context, job models.Job) {
	log := p.log.With().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Str("owner_id", job.OwnerID).
		Int("attempt", job.Attempts+1).
		Logger()

	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	// Shutdown must not abort a handler mid-flight; the job timeout still applies.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.opts.JobTimeout)
	started := time.Now()
	runErr := p.invoke(log.WithContext(ctx), job)
	cancel()
	telemetry.JobDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())

	tctx, tcancel := context.WithTimeout(context.WithoutCancel(parent), transitionTimeout)
	defer tcancel()

	if runErr == nil {
		err := p.store.Complete(tctx, job.ID, job.Token())
		switch {
		case errors.Is(err, store.ErrLockLost):
			telemetry.LockLost.Inc()
			log.Warn().Msg("stale completion ignored")
		case err != nil:
			log.Error().Err(err).Msg("failed to mark completed")
		default:
			telemetry.JobsSucceeded.WithLabelValues(job.Type).Inc()
			log.Debug().Dur("duration", time.Since(started)).Msg("job completed")
		}
		return
	}

	permanent := IsPermanent(runErr)
	status, err := p.store.Fail(tctx, job.ID, job.Token(), store.Failure{Reason: runErr.Error(), Permanent: permanent})
	switch {
	case errors.Is(err, store.ErrLockLost):
		telemetry.LockLost.Inc()
		log.Warn().Err(runErr).Msg("stale failure ignored")
	case err != nil:
		log.Error().Err(err).AnErr("job_error", runErr).Msg("failed to record failure")
	case status == models.JobFailed:
		telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
		log.Warn().Err(runErr).Bool("permanent", permanent).Msg("job failed")
	default:
		telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
		log.Warn().Err(runErr).Msg("job failed, will retry")
	}
}

// invoke runs the handler, converting a panic into a transient error.
func (p *Processor) invoke(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, ok := p.registry.Lookup(job.Type)
	if !ok {
		return Permanent(fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type))
	}
	return h(ctx, job)
}

func (p *Processor) refreshDepth(ctx context.Context) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		p.log.Debug().Err(err).Msg("queue depth unavailable")
		return
	}
	for status, n := range counts {
		telemetry.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
