// Package bootstrap assembles the batch pipeline from configuration. The API
// and worker binaries share it so both processes see identical wiring.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"batchgen/internal/adapter/memstore"
	"batchgen/internal/adapter/repo"
	"batchgen/internal/batch"
	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/infra/credentials"
	"batchgen/internal/infra/geoip"
	"batchgen/internal/ledger"
	"batchgen/internal/metrics"
	"batchgen/internal/middleware"
	"batchgen/internal/plan"
	"batchgen/internal/providers/generation"
	"batchgen/internal/providers/prompt"
	"batchgen/internal/storage"
)

// Runtime holds every long-lived component of one process.
type Runtime struct {
	Store      domain.BatchStore
	Plans      domain.PlanRepository
	Ledger     ledger.Admin
	Catalog    *plan.Catalog
	Objects    storage.ObjectStore
	Provider   generation.Provider
	Enhancer   prompt.Enhancer
	Metrics    *metrics.Collector
	Service    *batch.Service
	Dispatcher *batch.Dispatcher
	Reconciler *batch.Reconciler
	Worker     *batch.Worker
	Country    middleware.CountryLookup

	pool   *pgxpool.Pool
	geo    *geoip.Resolver
	logger infra.Logger
}

// Build connects the configured backends. Call Close when done.
func Build(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Runtime, error) {
	rt := &Runtime{Metrics: metrics.New(), logger: logger}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	var creds *credentials.Store
	switch cfg.StoreDriver {
	case "memory":
		mem := memstore.New()
		rt.Store, rt.Plans, rt.Ledger = mem, mem, ledger.NewMemory()
		logger.Warn().Msg("bootstrap: using in-memory store, state is lost on restart")
	default:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.pool = pool
		runner := infra.NewSQLRunner(pool, logger)
		rt.Store = repo.NewBatchStore(runner)
		rt.Plans = repo.NewPlanRepository(runner)
		rt.Ledger = ledger.NewPostgres(runner, logger)
		creds = credentials.NewStore(runner)
	}

	catalog := plan.Default()
	if cfg.PlanCatalogPath != "" {
		loaded, err := plan.LoadCatalog(cfg.PlanCatalogPath)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}
	rt.Catalog = catalog

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Objects = objects

	provider, err := newProvider(ctx, cfg, creds, logger)
	if err != nil {
		return nil, err
	}
	rt.Provider = provider

	enhancer, err := newEnhancer(ctx, cfg, creds, logger)
	if err != nil {
		return nil, err
	}
	rt.Enhancer = enhancer

	geo, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("bootstrap: geoip disabled")
	}
	if geo != nil {
		rt.geo = geo
		rt.Country = geo.CountryCode
	}

	rt.Service = batch.NewService(rt.Store, rt.Plans, catalog, logger)
	rt.Dispatcher = batch.NewDispatcher(batch.DispatcherOptions{
		Store:    rt.Store,
		Ledger:   rt.Ledger,
		Provider: provider,
		Enhancer: enhancer,
		Catalog:  catalog,
		Metrics:  rt.Metrics,
		Logger:   logger,
	})
	rt.Reconciler = batch.NewReconciler(batch.ReconcilerOptions{
		Store:         rt.Store,
		Ledger:        rt.Ledger,
		Provider:      provider,
		Objects:       objects,
		Fetcher:       storage.NewFetcher(nil, 2*time.Minute),
		Archiver:      batch.NewArchiver(rt.Store, objects, logger),
		Timeout:       cfg.ProviderTimeout,
		Interval:      cfg.PollInterval,
		BatchSize:     cfg.PollBatchSize,
		RetainCredits: cfg.RefundRetainCredits,
		Metrics:       rt.Metrics,
		Logger:        logger,
	})
	rt.Worker = batch.NewWorker(batch.WorkerOptions{
		Store:      rt.Store,
		Dispatcher: rt.Dispatcher,
		MaxJobs:    cfg.WorkerMaxJobs,
		Lease:      cfg.JobLease,
		Metrics:    rt.Metrics,
		Logger:     logger,
	})

	ok = true
	return rt, nil
}

// Ready pings the database. The in-memory store is always ready.
func (rt *Runtime) Ready(ctx context.Context) error {
	if rt.pool == nil {
		return nil
	}
	return rt.pool.Ping(ctx)
}

func (rt *Runtime) Close() {
	if rt.geo != nil {
		if err := rt.geo.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("bootstrap: close geoip")
		}
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
}

func newObjectStore(ctx context.Context, cfg *infra.Config) (storage.ObjectStore, error) {
	if cfg.StorageDriver == "s3" {
		return storage.NewS3Store(ctx, storage.S3Options{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			PublicURL: cfg.S3.PublicURL,
		})
	}
	path := cfg.StoragePath
	if path == "" {
		path = "./storage"
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return storage.NewFileStore(path, cfg.StorageBaseURL)
}

func newProvider(ctx context.Context, cfg *infra.Config, creds *credentials.Store, logger infra.Logger) (generation.Provider, error) {
	var inner generation.Provider
	switch cfg.Provider {
	case "synthetic":
		inner = generation.NewSynthetic(3 * time.Second)
	default:
		key, err := creds.Resolve(ctx, credentials.ProviderDashScope, cfg.DashScopeAPIKey)
		if err != nil {
			logger.Warn().Err(err).Msg("bootstrap: failed to load dashscope key from store")
		}
		if key == "" {
			logger.Warn().Msg("bootstrap: dashscope api key missing, using synthetic generation")
			inner = generation.NewSynthetic(3 * time.Second)
			break
		}
		inner = generation.NewDashScope(generation.DashScopeOptions{
			APIKey:     key,
			BaseURL:    cfg.DashScopeBaseURL,
			HTTPClient: &http.Client{Timeout: 60 * time.Second},
			Logger:     &logger,
		})
	}
	return generation.NewRetrying(inner, generation.RetryConfig{
		MaxRetries:       cfg.ProviderMaxRetries,
		BreakerThreshold: 5,
		BreakerDelay:     30 * time.Second,
		Logger:           logger,
	}), nil
}

func newEnhancer(ctx context.Context, cfg *infra.Config, creds *credentials.Store, logger infra.Logger) (prompt.Enhancer, error) {
	switch cfg.PromptProvider {
	case "none":
		return nil, nil
	case "openai":
		key, err := creds.Resolve(ctx, credentials.ProviderOpenAI, cfg.OpenAIAPIKey)
		if err != nil {
			logger.Warn().Err(err).Msg("bootstrap: failed to load openai key from store")
		}
		if key == "" {
			logger.Warn().Msg("bootstrap: openai api key missing, using static prompt enhancer")
			return prompt.NewStaticEnhancer(), nil
		}
		enhancer, err := prompt.NewOpenAIEnhancer(prompt.OpenAIOptions{
			APIKey:   key,
			Model:    cfg.OpenAIModel,
			BaseURL:  cfg.OpenAIBaseURL,
			Fallback: prompt.NewStaticEnhancer(),
			OnFallback: func(reason string, err error) {
				logger.Warn().Err(err).Str("reason", reason).Msg("prompt: openai fallback")
			},
		})
		if err != nil {
			return nil, fmt.Errorf("configure openai enhancer: %w", err)
		}
		return enhancer, nil
	default:
		return prompt.NewStaticEnhancer(), nil
	}
}
