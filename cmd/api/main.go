package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/punchamoorthee/payoutops/internal/api"
	"github.com/punchamoorthee/payoutops/internal/balance"
	"github.com/punchamoorthee/payoutops/internal/config"
	"github.com/punchamoorthee/payoutops/internal/ledger"
	"github.com/punchamoorthee/payoutops/internal/logging"
	"github.com/punchamoorthee/payoutops/internal/recovery"
	"github.com/punchamoorthee/payoutops/internal/routing"
	"github.com/punchamoorthee/payoutops/internal/service"
	"github.com/punchamoorthee/payoutops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("load policy", "path", cfg.PolicyFile, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(ctx, cfg.DBSource)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize Layers
	registry := cfg.Registry(policy, nil, logger)
	l := ledger.New(db, logger)
	guard := balance.NewGuard(registry, policy.BalancePolicies(), policy.BalanceFreshness, logger, balance.WithStore(db))
	payouts := service.NewPayoutService(routing.NewRouter(policy.Routes), guard, registry, l, logger)
	engine := recovery.NewEngine(l, registry, db, policy.RecoveryConfig(), logger)
	scheduler := recovery.NewScheduler(engine, l, cfg.RecoveryInterval, logger)

	handler := api.NewHandler(payouts, l, engine, db, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(api.Options{RateLimit: cfg.APIRateLimit, Burst: cfg.APIBurst}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "providers", registry.Providers())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
