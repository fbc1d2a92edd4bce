package app

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"dispatch-core/internal/archive"
	"dispatch-core/internal/config"
	"dispatch-core/internal/ingest"
	"dispatch-core/internal/models"
	"dispatch-core/internal/queue"
	"dispatch-core/internal/ratelimit"
	"dispatch-core/internal/realtime"
	"dispatch-core/internal/store/memory"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("STORE_DRIVER", config.DriverMemory)
	t.Setenv("INGEST_HASH_SECRET", "hash-secret")
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestMemoryModeWiring(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)

	st, err := OpenStore(ctx, cfg, true)
	require.NoError(t, err)
	require.IsType(t, &memory.Store{}, st)

	rdb, err := Redis(ctx, cfg)
	require.NoError(t, err)
	require.Nil(t, rdb)
	require.IsType(t, &queue.LocalKicker{}, Kicker(cfg, rdb))
	require.IsType(t, ratelimit.Unlimited{}, Limiter(cfg, rdb))
	require.IsType(t, &ingest.MemoryReplayGuard{}, ReplayGuard(cfg, rdb))

	arch, err := Archiver(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, archive.Nop{}, arch)

	cfg.ArchiveDir = t.TempDir()
	arch, err = Archiver(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &archive.DirArchiver{}, arch)

	svc, err := NewServices(cfg, st, zerolog.Nop())
	require.NoError(t, err)
	require.ElementsMatch(t, []string{models.JobTypeDomainEventDispatch, ingest.JobType("fathom")}, svc.Registry.Types())
}

func TestNewServicesRequiresHashSecret(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.IngestHashSecret = ""
	_, err := NewServices(cfg, memory.New(), zerolog.Nop())
	require.Error(t, err)
}

func TestUnknownDriver(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.StoreDriver = "sqlite"
	_, err := OpenStore(context.Background(), cfg, false)
	require.Error(t, err)
}

func TestServeClosesOpenStreamsOnShutdown(t *testing.T) {
	st := memory.New()
	gw := realtime.NewGateway(st, realtime.Options{PollInterval: 10 * time.Millisecond, Heartbeat: time.Hour, MaxLifetime: 5 * time.Minute}, zerolog.Nop())

	streamEnded := make(chan error, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, resumed := gw.Subscribe(r.Context(), "owner-1", nil, "")
		sink, err := realtime.NewSSEWriter(w, 1000)
		if err != nil {
			streamEnded <- err
			return
		}
		streamEnded <- gw.Stream(r.Context(), sink, sub, resumed)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := HTTPServer(ln.Addr().String(), handler)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- serve(ctx, srv, ln, zerolog.Nop()) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "retry: 1000\n", line)

	started := time.Now()
	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown blocked on the open stream")
	}
	require.Less(t, time.Since(started), shutdownTimeout/2)
	require.NoError(t, <-streamEnded)
}
