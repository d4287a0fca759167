package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/decisionbot/project/internal/app/decisionengine"
	"github.com/decisionbot/project/internal/app/jobs"
	"github.com/decisionbot/project/internal/config"
	"github.com/decisionbot/project/internal/messaging"
	"github.com/decisionbot/project/internal/platform/dbpool"
	"github.com/decisionbot/project/internal/platform/env"
	"github.com/decisionbot/project/internal/platform/githubapi"
	"github.com/decisionbot/project/internal/platform/logging"
	"github.com/decisionbot/project/internal/platform/natsutil"
	"github.com/decisionbot/project/internal/platform/telemetry"
)

func main() {
	logger := logging.New("decision-engine")

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(runCtx, "decision-engine"); err != nil {
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

	if err := jobs.NewPostgresRepository(pool).EnsureSchema(runCtx); err != nil {
		logger.Fatal("ensure job schema", "err", err)
	}
	states := decisionengine.NewPostgresRepository(pool)
	if err := states.EnsureSchema(runCtx); err != nil {
		logger.Fatal("ensure decision schema", "err", err)
	}

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		logger.Fatal("connect nats", "err", err)
	}
	defer client.Close()

	gh := githubapi.New(env.String("GITHUB_TOKEN", ""), cfg.GitHub.Org, logger)
	service := decisionengine.NewService(states, gh, cfg.ForRepository, logger)
	timeout := env.Duration("COMMAND_TIMEOUT", 10*time.Second)

	sub, err := client.JS.QueueSubscribe(messaging.CommandSubjects, messaging.DecisionConsumer, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()

		if err := service.Handle(ctx, msg.Subject, msg.Data); err != nil {
			if errors.Is(err, decisionengine.ErrInvalidCommandPayload) || errors.Is(err, decisionengine.ErrRepositoryNotConfigured) {
				logger.Warn("discarding decision command", "subject", msg.Subject, "err", err)
				_ = msg.Term()
				return
			}
			logger.Error("decision command failed", "subject", msg.Subject, "err", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.ManualAck(), nats.Durable(messaging.DecisionConsumer), nats.AckWait(2*timeout))
	if err != nil {
		logger.Fatal("subscribe", "subject", messaging.CommandSubjects, "err", err)
	}
	defer func() { _ = sub.Drain() }()

	logger.Info("decision engine listening", "subject", sub.Subject, "queue", messaging.DecisionConsumer)
	<-runCtx.Done()
	logger.Info("decision engine stopping")
}
