package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"job-orchestrator/internal/config"
	"job-orchestrator/internal/dispatch"
	"job-orchestrator/internal/lifecycle"
	"job-orchestrator/internal/logger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/store"
)

var (
	outputJSON bool
	verbose    bool
)

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	dimColor   = color.New(color.FgHiBlack)
	errorColor = color.New(color.FgRed)
)

var rootCmd = &cobra.Command{
	Use:           "jobctl",
	Short:         "jobctl inspects and feeds the job orchestrator.",
	Long:          `An operator CLI that talks directly to the job store and the work queue: submit jobs, look them up and check queue depth and dead letters.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() { //nolint:gochecknoinits // cobra command registration
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print JSON instead of tables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

// app holds the collaborators a command needs.
type app struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.RedisQueue
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func newApp(ctx context.Context) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	log := logger.New(cfg, os.Stderr)

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open job store: %w", err)
	}
	q := queue.NewRedisQueue(cfg)
	lc := lifecycle.New(st, log)

	cleanup := func() {
		_ = q.Close()
		st.Close()
	}
	return &app{
		cfg:        cfg,
		store:      st,
		queue:      q,
		dispatcher: dispatch.New(st, q, lc, log),
		logger:     log,
	}, cleanup, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusText(s models.Status) string {
	switch s {
	case models.StatusCompleted:
		return color.GreenString(string(s))
	case models.StatusFailed:
		return color.RedString(string(s))
	case models.StatusProcessing:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
