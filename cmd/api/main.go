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
	"batchgen/internal/http/handlers"
	httpapi "batchgen/internal/http/httpapi"
	"batchgen/internal/infra"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to build runtime")
	}
	defer rt.Close()

	app := &handlers.App{
		Config:    cfg,
		Logger:    logger,
		Jobs:      rt.Service,
		Credits:   rt.Ledger,
		Callbacks: rt.Reconciler,
		Metrics:   rt.Metrics,
		Country:   rt.Country,
		Ready:     rt.Ready,
	}
	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		return server.Run(gctx, cfg.HTTPIdleTimeout)
	})
	if cfg.EmbedWorker {
		logger.Info().Msg("api: running embedded worker and reconciler")
		g.Go(func() error { return rt.Worker.Run(gctx) })
		g.Go(func() error { return rt.Reconciler.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("api: stopped with error")
		return
	}
	logger.Info().Msg("server stopped")
}
