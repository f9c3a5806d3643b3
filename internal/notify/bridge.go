// Package notify mirrors job progress into a chat channel. Every call is best-effort: failures are
// logged and counted, never returned.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

// Bridge formats lifecycle events for a Notifier. A nil Bridge or a Bridge without a Notifier is a no-op.
type Bridge struct {
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewBridge(n Notifier, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{notifier: n, logger: logger, now: time.Now}
}

func (b *Bridge) enabled() bool {
	return b != nil && b.notifier != nil
}

// TaskStarted announces a job and returns the thread token later updates reply to, or "" when
// nothing was posted.
func (b *Bridge) TaskStarted(ctx context.Context, job models.Job, p models.Payload) string {
	if !b.enabled() {
		return ""
	}
	text := startText(job, p)
	ts, err := b.notifier.Post(ctx, text, "")
	if err != nil {
		b.failed(ctx, job.ID, "task started", err)
		return ""
	}
	return ts
}

// JobTransitioned posts completed and failed updates into the job's thread.
func (b *Bridge) JobTransitioned(ctx context.Context, job models.Job) {
	if !b.enabled() || !job.Status.Terminal() || !job.HasCorrelation() {
		return
	}
	var text string
	switch job.Status {
	case models.StatusCompleted:
		text = fmt.Sprintf(":white_check_mark: *Completed* task %s in %s", job.ID, duration(job, b.now()))
	case models.StatusFailed:
		msg := "unknown error"
		if job.Error != nil {
			msg = *job.Error
		}
		text = fmt.Sprintf(":x: *Failed* task %s after %s\n%s", job.ID, duration(job, b.now()), msg)
	}
	if _, err := b.notifier.Post(ctx, text, *job.CorrelationToken); err != nil {
		b.failed(ctx, job.ID, "task finished", err)
	}
}

// PullRequest is the part of a pull request event worth announcing.
type PullRequest struct {
	Number int
	Title  string
	URL    string
}

// PullRequestOpened tells the thread of job that a pull request for it exists.
func (b *Bridge) PullRequestOpened(ctx context.Context, job models.Job, pr PullRequest) {
	if !b.enabled() || !job.HasCorrelation() {
		return
	}
	text := fmt.Sprintf(":tada: Pull request created: <%s|PR #%d>\n*%s*", pr.URL, pr.Number, pr.Title)
	if _, err := b.notifier.Post(ctx, text, *job.CorrelationToken); err != nil {
		b.failed(ctx, job.ID, "pull request opened", err)
	}
}

func (b *Bridge) failed(ctx context.Context, jobID, what string, err error) {
	telemetry.NotificationErrors.Inc()
	b.logger.WarnContext(ctx, "notification failed", "job_id", jobID, "notification", what, "error", err)
}

func startText(job models.Job, p models.Payload) string {
	switch v := p.(type) {
	case *models.IssueFixPayload:
		return fmt.Sprintf(":rocket: *Task Started*\nCreating a pull request for <https://github.com/%s/issues/%d|%s#%d>\n_type: %s, job: %s_",
			v.Repo, v.Issue, v.Repo, v.Issue, job.Type, job.ID)
	default:
		return fmt.Sprintf(":rocket: *Task Started*\n_type: %s, job: %s_", job.Type, job.ID)
	}
}

func duration(job models.Job, now time.Time) string {
	if job.StartedAt == nil {
		return "0s"
	}
	end := now
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	return end.Sub(*job.StartedAt).Round(time.Second).String()
}
