// Package main is the entrypoint for the meilisync server: the HTTP API and
// the background workers that move rows from data sources into indexes.
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

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/meilisync/internal/api"
	"github.com/kiranshivaraju/meilisync/internal/api/handler"
	mw "github.com/kiranshivaraju/meilisync/internal/api/middleware"
	"github.com/kiranshivaraju/meilisync/internal/api/response"
	"github.com/kiranshivaraju/meilisync/internal/cache"
	"github.com/kiranshivaraju/meilisync/internal/config"
	"github.com/kiranshivaraju/meilisync/internal/ingest"
	"github.com/kiranshivaraju/meilisync/internal/meili"
	"github.com/kiranshivaraju/meilisync/internal/queue"
	"github.com/kiranshivaraju/meilisync/internal/sqlexec"
	"github.com/kiranshivaraju/meilisync/internal/store"
	"github.com/kiranshivaraju/meilisync/internal/worker"
	"github.com/kiranshivaraju/meilisync/pkg/models"
)

const shutdownTimeout = 30 * time.Second

// ingestQueues are the queues whose jobs run the ingestion pipeline.
var ingestQueues = []models.QueueName{
	models.QueueIndexDocuments,
	models.QueueUpdateIndexes,
	models.QueueReindexAll,
}

func main() {
	rollback := flag.Int("migrate-down", 0, "roll back this many migrations and exit")
	noWorkers := flag.Bool("api-only", false, "serve the API without starting workers")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var err error
	if *rollback > 0 {
		err = rollbackMigrations(*rollback)
	} else {
		err = run(logger, !*noWorkers)
	}
	if err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func rollbackMigrations(steps int) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := store.RollbackMigrations(cfg.Database.URL, cfg.Database.MigrationsDir, steps); err != nil {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	slog.Info("migrations rolled back", "steps", steps)
	return nil
}

func run(logger *slog.Logger, withWorkers bool) error {
	if logger == nil {
		logger = slog.Default()
	}

	// 1. Load config. Fail fast on invalid config.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "queues", cfg.Worker.Queues)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to the job store
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Core services
	pgStore := store.NewPostgresStore(pool, store.WithReservationLease(cfg.Worker.ReservationLease))
	jobs := queue.NewJobService(pgStore, pgStore, redisCache, logger.With("component", "queue"),
		queue.WithRetryBackoff(cfg.Retry.BackoffBase, cfg.Retry.BackoffMax),
	)

	executor := sqlexec.NewExecutor(cfg.Sources, logger.With("component", "sqlexec"))
	defer func() {
		if err := executor.Close(); err != nil {
			slog.Warn("close data source pools", "error", err)
		}
	}()

	indexer := meili.NewHTTPClient(cfg.Meili.BaseURL, cfg.Meili.APIKey, cfg.Meili.Timeout)
	if err := indexer.Health(ctx); err != nil {
		// Not fatal: jobs fail and retry until the indexing service is back.
		slog.Warn("indexing service unhealthy at startup", "error", err)
	}

	ingestion := ingest.NewUseCase(pgStore, executor, indexer, jobs, ingest.Config{
		BatchLimit:       cfg.Ingest.BatchLimit,
		PrimaryKey:       cfg.Ingest.PrimaryKey,
		TaskPollInterval: cfg.Meili.TaskPollInterval,
		TaskTimeout:      cfg.Meili.TaskTimeout,
	}, logger.With("component", "ingest"))

	// 6. Build router with dependencies
	jobHandler := handler.NewJobHandler(jobs, logger)
	sourceHandler := handler.NewDataSourceHandler(pgStore, executor, jobs, redisCache, logger)
	indexHandler := handler.NewIndexHandler(indexer, logger)
	keyHandler := handler.NewKeyHandler(pgStore, logger)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore, logger),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute),
		Logger:    logger,

		HealthHandler: healthHandler(map[string]pinger{
			"database": pgStore,
			"cache":    redisCache,
			"indexer":  pingFunc(indexer.Health),
		}),

		EnqueueJob:     jobHandler.Enqueue(),
		GetJob:         jobHandler.GetJob(),
		GetJobStatus:   jobHandler.JobStatus(),
		QueueStats:     jobHandler.QueueStats(),
		ListQueueJobs:  jobHandler.ListQueueJobs(),
		ListFailedJobs: jobHandler.ListFailedJobs(),
		RetryFailedJob: jobHandler.RetryFailedJob(),
		ClearQueue:     jobHandler.ClearQueue(),
		Cleanup:        jobHandler.Cleanup(),

		ListDataSources:  sourceHandler.List(),
		CreateDataSource: sourceHandler.Create(),
		TestDataSource:   sourceHandler.Test(),
		PreviewQuery:     sourceHandler.Preview(),
		CreateQuery:      sourceHandler.CreateQuery(),
		IngestQuery:      sourceHandler.IngestQuery(),

		ListIndexes: indexHandler.List(),
		GetIndex:    indexHandler.Get(),

		CreateKeyHandler: keyHandler.Create(),
		ListKeysHandler:  keyHandler.List(),
		RevokeKeyHandler: keyHandler.Revoke(),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 7. Run the server and the worker pool until a signal arrives.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if withWorkers {
		workers := newWorkerPool(cfg, jobs, ingestion, logger.With("component", "worker"))
		g.Go(func() error {
			slog.Info("workers started", "concurrency", cfg.Worker.Concurrency, "queues", workers.Queues())
			return workers.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

func newWorkerPool(cfg *config.Config, jobs worker.Jobs, ingestion worker.Handler, logger *slog.Logger) *worker.Pool {
	p := worker.NewPool(jobs, logger,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithQueues(cfg.Worker.Queues),
		worker.WithRetryInterval(cfg.Retry.ScanInterval),
		worker.WithStaleAfter(staleAfter(cfg)),
		worker.WithCleanup(cfg.Cleanup.Interval, cfg.Cleanup.CompletedAfter, cfg.Cleanup.FailedAfter),
	)
	for _, q := range ingestQueues {
		p.Register(q, ingestion)
	}
	return p
}

// staleAfter is how long a job may stay running before the retry pass treats its
// worker as dead: a reservation lease plus the longest wait on an indexing task.
func staleAfter(cfg *config.Config) time.Duration {
	return cfg.Worker.ReservationLease + cfg.Meili.TaskTimeout
}

type pinger interface {
	Ping(ctx context.Context) error
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// healthHandler reports each dependency as ok or degraded.
func healthHandler(deps map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := make(map[string]string, len(deps))
		degraded := false
		for name, dep := range deps {
			checks[name] = "ok"
			if err := dep.Ping(ctx); err != nil {
				checks[name] = "degraded"
				degraded = true
				slog.Warn("health check failed", "dependency", name, "error", err)
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
