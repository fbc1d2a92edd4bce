package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"dispatch-core/internal/app"
	"dispatch-core/internal/config"
	"dispatch-core/internal/logger"
	"dispatch-core/internal/telemetry"
)

var (
	version = "dev"
	cli     struct {
		Dev      bool             `help:"Console logging at debug level."`
		Migrate  bool             `help:"Apply database migrations on startup."`
		WorkerID string           `help:"Identifier used in logs." env:"WORKER_ID"`
		Version  kong.VersionFlag `help:"Print version and exit."`
	}
)

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("dispatch-worker"),
		kong.Description("Claims and executes queued jobs and purges expired events."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.Setup(cli.Dev || cfg.IsDev())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.StoreDriver == config.DriverMemory {
		return fmt.Errorf("the worker binary needs a shared store; run the api with --embedded-worker for the memory driver")
	}

	workerID := cli.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	log = log.With().Str("worker_id", workerID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStore(ctx, cfg, cli.Migrate)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb, err := app.Redis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	svc, err := app.NewServices(cfg, st, log)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_initial", cfg.BackoffInitial).
		Strs("job_types", svc.Registry.Types()).
		Msg("worker started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(ctx, app.HTTPServer(cfg.MetricsAddr, telemetry.Handler()), log)
	})
	g.Go(func() error {
		return app.RunWorkers(ctx, cfg, st, svc, app.Kicker(cfg, rdb), workerID, log)
	})
	return g.Wait()
}
