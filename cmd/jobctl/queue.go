package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var dlqLimit int64

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Shows waiting, active, delayed and dead entry counts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, cleanup, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		counts, err := a.queue.Counts(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue counts: %w", err)
		}
		if outputJSON {
			return printJSON(os.Stdout, counts)
		}

		titleColor.Printf("queue %s\n", a.cfg.QueueName)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintf(w, "waiting\t%d\n", counts.Waiting)
		fmt.Fprintf(w, "active\t%d\n", counts.Active)
		fmt.Fprintf(w, "delayed\t%d\n", counts.Delayed)
		dead := fmt.Sprint(counts.Dead)
		if counts.Dead > 0 {
			dead = color.RedString(dead)
		}
		fmt.Fprintf(w, "dead\t%s\n", dead)
		return w.Flush()
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Lists the newest dead-lettered entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, cleanup, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		entries, err := a.queue.DeadLetters(ctx, dlqLimit)
		if err != nil {
			return fmt.Errorf("failed to read dead letters: %w", err)
		}
		if outputJSON {
			return printJSON(os.Stdout, entries)
		}
		if len(entries) == 0 {
			dimColor.Println("dead letter queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "DEDUP KEY\tJOB\tATTEMPTS\tENQUEUED\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				e.DedupKey, e.JobID, e.Attempts, e.EnqueuedAt.Format(time.RFC822), errorColor.Sprint(e.LastError))
		}
		return w.Flush()
	},
}

func init() { //nolint:gochecknoinits // cobra command registration
	dlqCmd.Flags().Int64Var(&dlqLimit, "limit", 50, "Number of entries to show")
	rootCmd.AddCommand(queueCmd, dlqCmd)
}
