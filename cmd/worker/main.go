package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"batchgen/internal/bootstrap"
	"batchgen/internal/infra"
)

// The worker claims pending jobs, dispatches their rows and reconciles
// provider outcomes. Run as many replicas as needed; job leases keep them
// from dispatching the same job twice.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to build runtime")
	}
	defer rt.Close()

	if cfg.StoreDriver == "memory" {
		logger.Warn().Msg("worker: memory store is private to this process, jobs submitted through the api are not visible")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Worker.Run(gctx) })
	g.Go(func() error { return rt.Reconciler.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
		return
	}
	logger.Info().Msg("worker: stopped")
}
