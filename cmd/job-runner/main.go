package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/decisionbot/project/internal/app/decisionengine"
	"github.com/decisionbot/project/internal/app/jobs"
	"github.com/decisionbot/project/internal/config"
	"github.com/decisionbot/project/internal/platform/dbpool"
	"github.com/decisionbot/project/internal/platform/env"
	"github.com/decisionbot/project/internal/platform/githubapi"
	"github.com/decisionbot/project/internal/platform/logging"
	"github.com/decisionbot/project/internal/platform/metrics"
	"github.com/decisionbot/project/internal/platform/telemetry"
)

func main() {
	logger := logging.New("job-runner")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(runCtx, "job-runner"); err != nil {
		logger.Fatal("telemetry init failed", "err", err)
	}
	defer telemetry.Shutdown(context.Background())

	cfg, err := config.Load(env.String("DECISION_CONFIG", env.DefaultDecisionConfig), config.Default())
	if err != nil {
		logger.Fatal("load decision config", "err", err)
	}

	pool, err := dbpool.New(runCtx, env.String("DATABASE_URL", env.DefaultDatabaseURL))
	if err != nil {
		logger.Fatal("connect postgres", "err", err)
	}
	defer pool.Close()

	repo := jobs.NewPostgresRepository(pool)
	if err := repo.EnsureSchema(runCtx); err != nil {
		logger.Fatal("ensure job schema", "err", err)
	}
	states := decisionengine.NewPostgresRepository(pool)
	if err := states.EnsureSchema(runCtx); err != nil {
		logger.Fatal("ensure decision schema", "err", err)
	}

	gh := githubapi.New(env.String("GITHUB_TOKEN", ""), cfg.GitHub.Org, logger)
	dispatcher := jobs.NewDispatcher(logger)
	decisionengine.NewFinalizer(states, gh, logger).Register(dispatcher)

	runner := jobs.NewRunner(repo, dispatcher, logger)
	runner.Interval = env.Duration("JOB_POLL_INTERVAL", jobs.DefaultPollInterval)
	runner.BatchSize = env.Int("JOB_BATCH_SIZE", jobs.DefaultBatchSize)
	runner.JobTimeout = env.Duration("JOB_TIMEOUT", jobs.DefaultJobTimeout)

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", metrics.DefaultHandler())
	addr := env.String("JOB_METRICS_ADDR", env.DefaultJobMetricsAddr)
	server := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		logger.Info("job handlers registered", "jobs", dispatcher.Names())
		return runner.Run(ctx)
	})
	g.Go(func() error {
		logger.Info("metrics listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("job runner failed", "err", err)
	}
	logger.Info("job runner stopped")
}
