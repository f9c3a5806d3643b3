// Command worker drains a single job from the queue and exits. The controller starts one of these
// whenever there is backlog; exit code 0 means the queue was empty or the job reached an outcome.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"job-orchestrator/internal/config"
	"job-orchestrator/internal/lifecycle"
	"job-orchestrator/internal/logger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelProviders, err := telemetry.SetupOTel(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("setup otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProviders.Shutdown(shutdownCtx)
	}()
	log := logger.Setup(cfg)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%d-%s", os.Getpid(), uuid.NewString()[:8])
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	var notifier notify.Notifier
	if cfg.SlackToken != "" {
		notifier = notify.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel, cfg.SlackAPIURL)
	}
	bridge := notify.NewBridge(notifier, log)
	lc := lifecycle.New(st, log, bridge)

	runner := worker.NewCommandRunner(cfg.RunnerCommand, cfg.RunnerTimeout, cfg.RunnerWorkspace, log)
	drainer := worker.NewDrainer(q, st, lc, bridge, workerID, log)
	drainer.RegisterHandler(models.TypeIssueFix, worker.IssueFixHandler(runner))
	drainer.RegisterHandler(models.TypeTaskExecute, worker.TaskExecuteHandler(runner))

	log.Info("worker started", "worker_id", workerID, "visibility", cfg.VisibilityTimeout)
	processed, err := drainer.Drain(ctx)
	if err != nil {
		return err
	}
	if !processed {
		log.Info("no work available", "worker_id", workerID)
	}
	return nil
}
