package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"escrowflow/arbitration"
	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/resolution"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(pool, ledgerRepo)

	disputeRepo := dispute.NewRepository(pool)
	disputeService := dispute.NewService(pool, disputeRepo, ledgerRepo)

	correlator := resolution.NewCorrelator(resolution.NewRepository(pool), disputeRepo)

	gateway := arbitration.NewGateway(pool, disputeService, correlator, cfg.OracleKey, logger)

	var guard arbitration.Guard
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		guard = arbitration.NewRedisGuard(redis.NewClient(opt), 0)
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.ArbiterURL != "" {
		client := arbitration.NewClient(cfg.ArbiterURL, cfg.ArbiterTimeout)
		dispatcher := arbitration.NewDispatcher(client, gateway, guard, cfg.OracleKey, cfg.DispatchWorkers, logger)
		gateway.SetDispatcher(dispatcher)
		g.Go(func() error { return dispatcher.Run(ctx) })
	} else {
		logger.Warn("no arbiter configured, verdicts must arrive via the callback endpoint")
	}

	server := NewServer(authService, ledgerService, disputeService, gateway, logger)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Routes(),
	}

	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
