package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/logiwatch/incident-orchestrator/internal/bus"
	"github.com/logiwatch/incident-orchestrator/internal/config"
	"github.com/logiwatch/incident-orchestrator/internal/discovery"
	"github.com/logiwatch/incident-orchestrator/internal/guard"
	"github.com/logiwatch/incident-orchestrator/internal/handoff"
	"github.com/logiwatch/incident-orchestrator/internal/ipc"
	"github.com/logiwatch/incident-orchestrator/internal/observability"
	"github.com/logiwatch/incident-orchestrator/internal/store"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP API",
		Long: `Run the orchestrator: HTTP API, event streams, discovery sequencer,
stale-run sweeper and automation handoff.

Example:
  incidentctl serve --config config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			setupLogging(cfg, opts.Verbose)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve wires every component and blocks until ctx is cancelled or the
// HTTP server fails.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With("component", "serve")

	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	tel, err := observability.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	hub := bus.NewHub(bus.DefaultBuffer)
	var relay *bus.NATSRelay
	if cfg.Bus.NATSURL != "" {
		relay, err = bus.DialNATS(bus.NATSConfig{
			URL:     cfg.Bus.NATSURL,
			Channel: cfg.Bus.Channel,
			Name:    cfg.Telemetry.ServiceName,
		}, hub)
		if err != nil {
			return err
		}
		logger.Info("nats relay attached", "subject", bus.Subject(cfg.Bus.Channel))
	}

	var runStore handoff.RunStore = handoff.NewMemoryRunStore()
	var redisStore *handoff.RedisRunStore
	if cfg.RunCache.RedisAddr != "" {
		redisStore = handoff.NewRedisRunStore(cfg.RunCache.RedisAddr, cfg.RunCache.TTL())
		runStore = redisStore
	}

	// Wire discovery.
	eng := discovery.NewEngine(db, hub, cfg.Sequencer, tel)
	sweeper := discovery.NewSweeper(eng, cfg.Sweeper)

	// Wire the automation handoff. A nil *Client must not become a non-nil Sender.
	var sender handoff.Sender
	if c := handoff.NewClient(cfg.Automation); c != nil {
		sender = c
	} else {
		logger.Warn("automation endpoint not configured; handoff triggers will be refused")
	}
	svc := handoff.NewService(db, hub, sender, handoff.NewRunInfoCache(runStore), eng, cfg.PublicURL)
	svc.Telemetry = tel

	srv := ipc.NewServer(ipc.NewHandler(eng, svc, guard.NewGuard(cfg.RateLimit), hub), cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("orchestrator listening", "url", ipc.FormatListenURL(cfg.ListenAddr),
			"db_driver", cfg.DBDriver, "telemetry", tel.Exporting())
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.StartMonitoring(gctx)
		<-gctx.Done()
		sweeper.StopMonitoring()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
		// In-flight reveals finish so no incident is left RUNNING.
		eng.Wait()
		if relay != nil {
			relay.Close()
		}
		if redisStore != nil {
			redisStore.Close()
		}
		if err := tel.Shutdown(sctx); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
		return nil
	})
	return g.Wait()
}
