package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/nft-auction-engine/internal/api"
	"github.com/jensholdgaard/nft-auction-engine/internal/auction"
	"github.com/jensholdgaard/nft-auction-engine/internal/cache"
	"github.com/jensholdgaard/nft-auction-engine/internal/clock"
	"github.com/jensholdgaard/nft-auction-engine/internal/config"
	"github.com/jensholdgaard/nft-auction-engine/internal/health"
	"github.com/jensholdgaard/nft-auction-engine/internal/leader"
	"github.com/jensholdgaard/nft-auction-engine/internal/ledger"
	"github.com/jensholdgaard/nft-auction-engine/internal/notify"
	"github.com/jensholdgaard/nft-auction-engine/internal/realtime"
	"github.com/jensholdgaard/nft-auction-engine/internal/scheduler"
	"github.com/jensholdgaard/nft-auction-engine/internal/store"
	"github.com/jensholdgaard/nft-auction-engine/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/nft-auction-engine/internal/store/memory"
	_ "github.com/jensholdgaard/nft-auction-engine/internal/store/postgres"
)

var version = "dev"

// feedRetryDelay is the pause before re-reading the ledger feed after a
// retriable failure.
const feedRetryDelay = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()
	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	checkers := []health.Checker{{Name: "database", Check: repos.Ping}}

	var (
		responses cache.Store = cache.NewMemoryStore(clk)
		rdb       *redis.Client
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		responses = cache.NewRedisStore(rdb)
		checkers = append(checkers, health.Checker{
			Name:     "redis",
			Check:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			Optional: true,
		})
	}

	hub := realtime.NewHub(logger)
	defer hub.Close()

	notifiers := notify.Multi{notify.NewStoreNotifier(repos.Notifications)}
	if cfg.Notifications.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notifications.WebhookURL, cfg.Notifications.Timeout))
	}

	metrics, err := telemetry.NewEngineMetrics(tp.MeterProvider)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	mgr := auction.NewManager(repos, auction.Options{
		Notifier:         notifiers,
		Broadcaster:      hub,
		Cache:            responses,
		Metrics:          metrics,
		MaxAttempts:      cfg.Bidding.MaxAttempts,
		DefaultIncrement: cfg.Bidding.DefaultIncrement,
	}, logger, tp.TracerProvider, clk)

	sweeper := scheduler.NewSweeper(repos.Auctions, mgr, metrics, logger, tp.TracerProvider, clk)
	reconciler := ledger.NewReconciler(mgr, metrics, logger, tp.TracerProvider)

	healthHandler := health.NewHandler(clk, checkers...)
	srv := api.NewServer(api.Deps{
		Engine:        mgr,
		Reconciler:    reconciler,
		Sweeper:       sweeper,
		Notifications: repos.Notifications,
		Auth:          api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, clk),
		Cache:         responses,
		AuctionTTL:    cfg.Cache.AuctionTTL,
		ActiveTTL:     cfg.Cache.ActiveTTL,
		Hub:           hub,
		Health:        healthHandler,
	}, logger)

	// The API serves on every replica; only the leader sweeps and consumes.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()
	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

	var tasks []leader.Work
	if cfg.Scheduler.Enabled {
		runner := scheduler.NewRunner(sweeper, cfg.Scheduler.Spec, logger)
		tasks = append(tasks, func(ctx context.Context) {
			if runErr := runner.Run(ctx); runErr != nil {
				logger.ErrorContext(ctx, "scheduler stopped", slog.Any("error", runErr))
			}
		})
	}
	if rdb != nil {
		feed := ledger.NewRedisStreamFeed(rdb, cfg.Redis.FactsStream)
		tasks = append(tasks, func(ctx context.Context) {
			if consumeErr := ledger.Consume(ctx, feed, reconciler, logger, feedRetryDelay); consumeErr != nil && !errors.Is(consumeErr, context.Canceled) {
				logger.ErrorContext(ctx, "ledger consumer stopped", slog.Any("error", consumeErr))
			}
		})
	}

	leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, leader.All(tasks...), func() {
		logger.Info("lost leadership, shutting down...")
		cancel()
	})
	if leaderErr != nil {
		cancel()
	}
	<-ctx.Done()
	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	if leaderErr != nil {
		return fmt.Errorf("leader election: %w", leaderErr)
	}
	return nil
}
