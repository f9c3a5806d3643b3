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

	"job-orchestrator/internal/api"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/dispatch"
	"job-orchestrator/internal/lifecycle"
	"job-orchestrator/internal/logger"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	var notifier notify.Notifier
	if cfg.SlackToken != "" {
		notifier = notify.NewSlackNotifier(cfg.SlackToken, cfg.SlackChannel, cfg.SlackAPIURL)
	}
	bridge := notify.NewBridge(notifier, log)
	lc := lifecycle.New(st, log, bridge)
	dispatcher := dispatch.New(st, q, lc, log)

	deps := api.Deps{
		Jobs:    st,
		Queue:   q,
		Submit:  dispatcher,
		Limiter: ratelimit.NewTokenBucket(q.Client(), "ratelimit:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Logger:  log,
	}
	if cfg.GitHubWebhookSecret != "" {
		in, err := webhook.New(cfg.GitHubWebhookSecret, dispatcher, st, bridge, log)
		if err != nil {
			return err
		}
		deps.Webhooks = in
	} else {
		log.Warn("GH_WEBHOOK_SECRET not set, github webhooks disabled")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	log.Info("shutting down api")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return httpServer.Shutdown(shutdownCtx)
}
