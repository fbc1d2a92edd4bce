// Package app builds the shared runtime graph for the api and worker
// binaries from config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dispatch-core/internal/archive"
	"dispatch-core/internal/config"
	"dispatch-core/internal/ingest"
	"dispatch-core/internal/outbox"
	"dispatch-core/internal/queue"
	"dispatch-core/internal/ratelimit"
	"dispatch-core/internal/store"
	"dispatch-core/internal/store/memory"
	"dispatch-core/internal/store/postgres"
	"dispatch-core/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// OpenStore returns the store selected by STORE_DRIVER.
func OpenStore(ctx context.Context, cfg config.Config, migrate bool) (store.Store, error) {
	retry := store.RetryPolicy{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax}
	switch cfg.StoreDriver {
	case config.DriverMemory:
		return memory.New(memory.WithRetryPolicy(retry), memory.WithDefaultMaxAttempts(cfg.MaxAttempts)), nil
	case config.DriverPostgres:
		st, err := postgres.New(ctx, postgres.Config{
			Pool:        postgres.PoolConfig{ConnString: cfg.PostgresDSN, MaxConns: cfg.PostgresMaxConns},
			Retry:       retry,
			MaxAttempts: cfg.MaxAttempts,
			AutoMigrate: migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Redis returns a client when the deployment shares state across processes.
// The single-process memory driver runs without Redis.
func Redis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.StoreDriver == config.DriverMemory || cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// Kicker picks the cross-process kicker when Redis is available.
func Kicker(cfg config.Config, client *redis.Client) queue.Kicker {
	if client == nil {
		return queue.NewLocalKicker()
	}
	return queue.NewRedisKicker(client, cfg.KickChannel)
}

// Limiter throttles webhooks per owner, or not at all without Redis.
func Limiter(cfg config.Config, client *redis.Client) ratelimit.Limiter {
	if client == nil {
		return ratelimit.Unlimited{}
	}
	return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
}

// ReplayGuard remembers webhook ids for twice the signature tolerance.
func ReplayGuard(cfg config.Config, client *redis.Client) ingest.ReplayGuard {
	ttl := 2 * cfg.WebhookTolerance
	if client == nil {
		return ingest.NewMemoryReplayGuard(ttl)
	}
	return ingest.NewRedisReplayGuard(client, ttl)
}

// Archiver prefers S3, then a local directory, then nothing.
func Archiver(ctx context.Context, cfg config.Config) (archive.Archiver, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		return archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket:    cfg.ArchiveS3Bucket,
			Region:    cfg.ArchiveS3Region,
			Endpoint:  cfg.ArchiveS3Endpoint,
			PathStyle: cfg.ArchiveS3PathStyle,
			AccessKey: cfg.ArchiveS3AccessKey,
			SecretKey: cfg.ArchiveS3SecretKey,
		})
	case cfg.ArchiveDir != "":
		return archive.NewDirArchiver(cfg.ArchiveDir), nil
	default:
		return archive.Nop{}, nil
	}
}

// Services are the domain components both binaries share.
type Services struct {
	Publisher *outbox.Publisher
	Ingestor  *ingest.Ingestor
	Providers ingest.Providers
	Registry  *worker.Registry
}

// NewServices builds the publisher, ingestor and the job handler registry.
func NewServices(cfg config.Config, st store.Store, log zerolog.Logger) (*Services, error) {
	hasher, err := ingest.NewKeyHasher(cfg.IngestHashSecret)
	if err != nil {
		return nil, err
	}
	pub := outbox.NewPublisher(st, cfg.EventRetention, log)
	ing := ingest.NewIngestor(st, hasher, pub, log)
	providers := ingest.DefaultProviders()

	reg := worker.NewRegistry()
	outbox.RegisterDispatch(reg, pub)
	ingest.RegisterJobs(reg, ing, providers)

	return &Services{Publisher: pub, Ingestor: ing, Providers: providers, Registry: reg}, nil
}

// WorkerOptions maps config onto processor options.
func WorkerOptions(cfg config.Config, workerID string) worker.Options {
	return worker.Options{
		WorkerID:     workerID,
		BatchSize:    cfg.WorkerBatchSize,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Visibility:   cfg.VisibilityTimeout,
		JobTimeout:   cfg.JobTimeout,
	}
}

// RunWorkers runs the job processor and the outbox sweeper until ctx ends.
func RunWorkers(ctx context.Context, cfg config.Config, st store.Store, svc *Services, kicker queue.Kicker, workerID string, log zerolog.Logger) error {
	proc := worker.NewProcessor(st, svc.Registry, kicker, WorkerOptions(cfg, workerID), log)
	sweeper := outbox.NewSweeper(st, cfg.EventPurgeInterval, 500, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	return g.Wait()
}

// HTTPServer applies the timeouts every listener uses. There is no write
// timeout: realtime streams bound themselves with STREAM_MAX_LIFETIME.
func HTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    8 * 1024,
	}
}

// Serve runs srv until ctx ends, then drains it.
func Serve(ctx context.Context, srv *http.Server, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return serve(ctx, srv, ln, log)
}

// serve derives every request context from ctx, so long-lived realtime
// streams observe cancellation and return before Shutdown's deadline.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, log zerolog.Logger) error {
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown %s: %w", srv.Addr, err)
	}
	return nil
}
