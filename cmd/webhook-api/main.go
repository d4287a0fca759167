package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/decisionbot/project/internal/app/decisionengine"
	"github.com/decisionbot/project/internal/app/webhookapi"
	"github.com/decisionbot/project/internal/config"
	"github.com/decisionbot/project/internal/platform/auth"
	"github.com/decisionbot/project/internal/platform/dbpool"
	"github.com/decisionbot/project/internal/platform/env"
	"github.com/decisionbot/project/internal/platform/githubapi"
	"github.com/decisionbot/project/internal/platform/logging"
	"github.com/decisionbot/project/internal/platform/natsutil"
	"github.com/decisionbot/project/internal/platform/telemetry"
)

func main() {
	logger := logging.New("webhook-api")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("WEBHOOK_API_ADDR", env.DefaultWebhookAddr)
	webhookSecret := env.String("GITHUB_WEBHOOK_SECRET", "")
	statusSecret := env.String("STATUS_API_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if webhookSecret == "" {
		logger.Warn("GITHUB_WEBHOOK_SECRET is empty, webhook signatures are not checked")
	}

	if err := telemetry.Init(runCtx, "webhook-api"); err != nil {
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
	states := decisionengine.NewPostgresRepository(pool)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		logger.Fatal("connect nats", "err", err)
	}
	defer client.Close()

	gh := githubapi.New(env.String("GITHUB_TOKEN", ""), cfg.GitHub.Org, logger)
	service := webhookapi.NewService(natsutil.JetStreamPublisher{JS: client.JS}, gh, cfg.ForRepository, cfg.GitHub.Bot, logger)
	handler := webhookapi.NewHandler(service, states, auth.NewManager(statusSecret, time.Hour), webhookSecret, logger)
	handler.Ready = func(ctx context.Context) error {
		return checkReadiness(ctx, pool, client.Conn)
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("webhook api listening", "addr", addr, "bot", cfg.GitHub.Bot)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Fatal("server failed", "err", err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
