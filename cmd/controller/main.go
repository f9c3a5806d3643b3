// Command controller watches the queue and starts a worker process whenever work is waiting and
// none is running.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"job-orchestrator/internal/config"
	"job-orchestrator/internal/controller"
	"job-orchestrator/internal/lifecycle"
	"job-orchestrator/internal/logger"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("controller stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
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

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// closed by the controller on shutdown
	q := queue.NewRedisQueue(cfg)

	var notifier notify.Notifier
	if cfg.SlackToken != "" {
		notifier = notify.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel, cfg.SlackAPIURL)
	}
	lc := lifecycle.New(st, log, notify.NewBridge(notifier, log))

	sink := &controller.FileLogSink{Dir: cfg.WorkerLogDir}
	if cfg.WorkerLogBucket != "" {
		archiver, err := controller.NewS3Archiver(ctx, cfg)
		if err != nil {
			return err
		}
		sink.Archiver = archiver
	}

	ctrl := controller.New(q, &controller.ExecSpawner{Command: cfg.WorkerCommand}, controller.Options{
		Interval: cfg.ControllerPollInterval,
		Sink:     sink,
		Failer:   lc,
		Auditor:  st,
		Logger:   log,
	})

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	defer metricsServer.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("stopping controller", "signal", sig.String())
		ctrl.Stop()
	}()

	log.Info("controller started",
		"interval", cfg.ControllerPollInterval,
		"worker_command", cfg.WorkerCommand,
		"log_dir", cfg.WorkerLogDir)
	return ctrl.Run(ctx)
}
