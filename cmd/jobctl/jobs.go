package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/store"
)

var (
	submitType    string
	submitPayload string
	listLimit     int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Creates a job and puts it on the queue",
	Example: `  jobctl submit --type task.execute --payload '{"prompt":"summarise the README"}'
  jobctl submit --type github.issue.fix --payload @issue.json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !models.KnownType(models.JobType(submitType)) {
			return fmt.Errorf("unknown job type %q", submitType)
		}
		raw, err := readPayload(submitPayload)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, cleanup, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		job, err := a.dispatcher.Submit(ctx, models.JobType(submitType), raw)
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			for _, f := range verr.Fields {
				errorColor.Fprintf(os.Stderr, "  %s: %s\n", f.Field, f.Message)
			}
			return errors.New("payload failed validation")
		}
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(os.Stdout, job)
		}
		fmt.Printf("%s %s (%s)\n", titleColor.Sprint("submitted"), job.ID, statusText(job.Status))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Shows one job and its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, cleanup, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		job, err := a.store.GetJob(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no job with id %s", args[0])
		}
		if err != nil {
			return err
		}
		trail, err := a.store.AuditTrail(ctx, job.ID)
		if err != nil {
			a.logger.Warn("audit trail unavailable", "job_id", job.ID, "error", err)
		}
		if outputJSON {
			return printJSON(os.Stdout, map[string]any{"job": job, "audit": trail})
		}
		return printJob(job, trail)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists the most recent jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, cleanup, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		jobs, err := a.store.ListJobs(ctx, listLimit)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		if outputJSON {
			return printJSON(os.Stdout, jobs)
		}
		if len(jobs) == 0 {
			dimColor.Println("no jobs yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Type, statusText(j.Status), j.CreatedAt.Format(time.RFC822))
		}
		return w.Flush()
	},
}

func init() { //nolint:gochecknoinits // cobra command registration
	submitCmd.Flags().StringVar(&submitType, "type", "", "Job type, e.g. task.execute")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "JSON payload, or @file to read it from a file")
	_ = submitCmd.MarkFlagRequired("type")
	_ = submitCmd.MarkFlagRequired("payload")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Number of jobs to show")

	rootCmd.AddCommand(submitCmd, getCmd, listCmd)
}

func readPayload(arg string) (json.RawMessage, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return b, nil
	}
	if !json.Valid([]byte(arg)) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(arg), nil
}

func printJob(job models.Job, trail []models.AuditLog) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", titleColor.Sprint("id"), job.ID)
	fmt.Fprintf(w, "type\t%s\n", job.Type)
	fmt.Fprintf(w, "status\t%s\n", statusText(job.Status))
	fmt.Fprintf(w, "created\t%s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Fprintf(w, "started\t%s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(w, "finished\t%s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.HasCorrelation() {
		fmt.Fprintf(w, "thread\t%s\n", *job.CorrelationToken)
	}
	fmt.Fprintf(w, "payload\t%s\n", job.Payload)
	if len(job.Result) > 0 {
		fmt.Fprintf(w, "result\t%s\n", job.Result)
	}
	if job.Error != nil {
		fmt.Fprintf(w, "error\t%s\n", errorColor.Sprint(*job.Error))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(trail) == 0 {
		return nil
	}
	fmt.Println()
	titleColor.Println("audit")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	for _, e := range trail {
		fmt.Fprintf(w, "%s\t%s\t%s\n", dimColor.Sprint(e.Recorded.Format(time.RFC3339)), e.Event, e.Detail)
	}
	return w.Flush()
}
