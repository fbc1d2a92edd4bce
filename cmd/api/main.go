package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"dispatch-core/internal/api"
	"dispatch-core/internal/app"
	"dispatch-core/internal/config"
	"dispatch-core/internal/ingest"
	"dispatch-core/internal/logger"
	"dispatch-core/internal/models"
	"dispatch-core/internal/queue"
	"dispatch-core/internal/realtime"
)

var (
	version = "dev"
	cli     struct {
		Dev            bool             `help:"Console logging at debug level."`
		Migrate        bool             `help:"Apply database migrations on startup." default:"true" negatable:""`
		EmbeddedWorker bool             `help:"Run the job worker and outbox sweeper in this process."`
		Version        kong.VersionFlag `help:"Print version and exit."`
	}
)

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("dispatch-api"),
		kong.Description("Webhook ingestion, realtime stream and job API."),
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
	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

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
	kicker := app.Kicker(cfg, rdb)

	svc, err := app.NewServices(cfg, st, log)
	if err != nil {
		return err
	}
	verifier, err := ingest.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	if err != nil {
		return err
	}
	archiver, err := app.Archiver(ctx, cfg)
	if err != nil {
		return err
	}

	server := api.New(api.Deps{
		Store:     st,
		Producer:  queue.NewProducer(st, kicker, log),
		Ingestor:  svc.Ingestor,
		Providers: svc.Providers,
		Verifier:  verifier,
		Replay:    app.ReplayGuard(cfg, rdb),
		Limiter:   app.Limiter(cfg, rdb),
		Archiver:  archiver,
		Gateway: realtime.NewGateway(st, realtime.Options{
			PollInterval: cfg.StreamPollInterval,
			Heartbeat:    cfg.StreamHeartbeatInterval,
			MaxLifetime:  cfg.StreamMaxLifetime,
			BatchSize:    cfg.StreamBatchSize,
		}, log),
		WebhookMode: cfg.WebhookMode,
		JobTypes:    []string{models.JobTypeDomainEventDispatch},
	}, log)

	log.Info().
		Str("version", version).
		Str("store", cfg.StoreDriver).
		Str("webhook_mode", cfg.WebhookMode).
		Bool("embedded_worker", cli.EmbeddedWorker).
		Msg("starting api")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Serve(ctx, app.HTTPServer(":"+cfg.HTTPPort, server.Router()), log)
	})
	if cli.EmbeddedWorker {
		g.Go(func() error {
			return app.RunWorkers(ctx, cfg, st, svc, kicker, "api-embedded", log)
		})
	}
	return g.Wait()
}
