// Package dispatch turns a validated submission into a stored job and a queue entry.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, t models.JobType, jobID string, payload json.RawMessage) (queue.Entry, error)
}

// Failer resolves a job that could not be queued.
type Failer interface {
	Fail(ctx context.Context, jobID string, cause error) (models.Job, error)
}

type Dispatcher struct {
	store  JobStore
	queue  Enqueuer
	failer Failer
	logger *slog.Logger
}

func New(st JobStore, q Enqueuer, f Failer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, queue: q, failer: f, logger: logger}
}

// Submit decodes raw against the schema of t, then creates and enqueues the job.
// Validation and unknown kind errors come back untouched and nothing is stored.
func (d *Dispatcher) Submit(ctx context.Context, t models.JobType, raw json.RawMessage) (models.Job, error) {
	p, err := models.DecodePayload(t, raw)
	if err != nil {
		return models.Job{}, err
	}
	return d.submit(ctx, p)
}

// SubmitPayload is Submit for a payload built in-process.
func (d *Dispatcher) SubmitPayload(ctx context.Context, p models.Payload) (models.Job, error) {
	if err := models.ValidatePayload(p); err != nil {
		return models.Job{}, err
	}
	return d.submit(ctx, p)
}

func (d *Dispatcher) submit(ctx context.Context, p models.Payload) (models.Job, error) {
	canonical, err := models.EncodePayload(p)
	if err != nil {
		return models.Job{}, err
	}
	job, err := d.store.CreateJob(ctx, store.CreateJobParams{Type: p.Kind(), Payload: canonical})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	telemetry.JobsCreated.WithLabelValues(string(job.Type)).Inc()

	entry, err := d.queue.Enqueue(ctx, job.Type, job.ID, job.Payload)
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		telemetry.EnqueueCounter.WithLabelValues("coalesced").Inc()
		d.logger.WarnContext(ctx, "enqueue coalesced", "job_id", job.ID, "dedup_key", entry.DedupKey)
		return job, nil
	case err != nil:
		cause := fmt.Errorf("enqueue job: %w", err)
		if failed, ferr := d.failer.Fail(ctx, job.ID, cause); ferr == nil {
			job = failed
		} else {
			d.logger.ErrorContext(ctx, "could not resolve unqueued job", "job_id", job.ID, "error", ferr)
		}
		return job, cause
	}
	telemetry.EnqueueCounter.WithLabelValues("created").Inc()

	if err := d.store.AppendAudit(ctx, job.ID, "enqueued", entry.DedupKey); err != nil {
		d.logger.WarnContext(ctx, "audit write failed", "job_id", job.ID, "error", err)
	}
	d.logger.InfoContext(ctx, "job submitted", "job_id", job.ID, "type", job.Type, "dedup_key", entry.DedupKey)
	return job, nil
}
