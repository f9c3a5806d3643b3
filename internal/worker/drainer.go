// Package worker drains exactly one job per process: lease it, run it, record the outcome, exit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"job-orchestrator/internal/logger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

type Queue interface {
	Dequeue(ctx context.Context, leaseToken string) (*queue.Delivery, error)
	ExtendLease(ctx context.Context, d *queue.Delivery) error
	Complete(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, cause error) (queue.FailOutcome, error)
	Policy() queue.RetryPolicy
	VisibilityTimeout() time.Duration
}

type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

type Lifecycle interface {
	Start(ctx context.Context, jobID, correlationToken string) (models.Job, error)
	Complete(ctx context.Context, jobID string, result any) (models.Job, error)
	Fail(ctx context.Context, jobID string, cause error) (models.Job, error)
}

// Announcer posts the start of a job and returns its correlation token.
type Announcer interface {
	TaskStarted(ctx context.Context, job models.Job, p models.Payload) string
}

// Drainer processes at most one queued job per Drain call.
type Drainer struct {
	queue     Queue
	store     JobStore
	lifecycle Lifecycle
	announcer Announcer
	handlers  map[models.JobType]Handler
	workerID  string
	heartbeat time.Duration
	logger    *slog.Logger
}

func NewDrainer(q Queue, st JobStore, lc Lifecycle, a Announcer, workerID string, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	return &Drainer{
		queue:     q,
		store:     st,
		lifecycle: lc,
		announcer: a,
		handlers:  make(map[models.JobType]Handler),
		workerID:  workerID,
		heartbeat: q.VisibilityTimeout() / 3,
		logger:    logger,
	}
}

// RegisterHandler binds a handler to a job type.
func (d *Drainer) RegisterHandler(t models.JobType, h Handler) {
	if t == "" || h == nil {
		return
	}
	d.handlers[t] = h
}

// Drain leases one job and runs it to an outcome. It reports false with a nil error when the
// queue had nothing waiting. Task failures are recorded, not returned; the error is reserved
// for infrastructure problems that leave the entry to be redelivered.
func (d *Drainer) Drain(ctx context.Context) (bool, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "worker", WorkerID: d.workerID})
	lease := d.workerID + ":" + uuid.NewString()

	delivery, err := d.queue.Dequeue(ctx, lease)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if delivery == nil {
		d.logger.InfoContext(ctx, "no work available")
		return false, nil
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{JobID: delivery.JobID})
	ctx, span := telemetry.Tracer("worker").Start(ctx, "worker.drain")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", delivery.JobID),
		attribute.String("job.type", string(delivery.JobType)),
		attribute.Int("queue.attempt", delivery.Attempts),
	)

	if err := d.process(ctx, delivery); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true, err
	}
	return true, nil
}

func (d *Drainer) process(ctx context.Context, delivery *queue.Delivery) error {
	job, err := d.store.GetJob(ctx, delivery.JobID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.ErrorContext(ctx, "queue entry without job, dropping", "dedup_key", delivery.DedupKey)
		return d.ack(ctx, delivery)
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		d.logger.WarnContext(ctx, "redelivered job already finished", "status", job.Status)
		return d.ack(ctx, delivery)
	}

	p, err := models.DecodePayload(job.Type, job.Payload)
	if err != nil {
		// stored payloads were validated at creation, so this never gets better on retry
		if _, ferr := d.lifecycle.Fail(ctx, job.ID, err); ferr != nil {
			return ferr
		}
		return d.ack(ctx, delivery)
	}
	handler, ok := d.handlers[job.Type]
	if !ok {
		if _, ferr := d.lifecycle.Fail(ctx, job.ID, fmt.Errorf("no handler registered for type %q", job.Type)); ferr != nil {
			return ferr
		}
		return d.ack(ctx, delivery)
	}

	firstStart := job.Status == models.StatusPending
	job, err = d.lifecycle.Start(ctx, job.ID, "")
	if err != nil {
		return err
	}
	// announced only once Start has stuck; the token then lands in a set-once update
	if firstStart && !job.HasCorrelation() && d.announcer != nil {
		if token := d.announcer.TaskStarted(ctx, job, p); token != "" {
			if job, err = d.lifecycle.Start(ctx, job.ID, token); err != nil {
				return err
			}
		}
	}

	stop := d.keepLease(ctx, delivery)
	result, runErr := d.run(ctx, handler, job, p)
	stop()

	if runErr == nil {
		if _, err := d.lifecycle.Complete(ctx, job.ID, result); err != nil {
			return err
		}
		return d.ack(ctx, delivery)
	}
	return d.fail(ctx, job, delivery, runErr)
}

// fail resolves the job before touching the queue when this was the last attempt, so a crash in
// between leaves a terminal job whose redelivery is simply acknowledged.
func (d *Drainer) fail(ctx context.Context, job models.Job, delivery *queue.Delivery, runErr error) error {
	d.logger.WarnContext(ctx, "task failed", "attempt", delivery.Attempts, "error", runErr)
	final := d.queue.Policy().Exhausted(delivery.Attempts)
	if final {
		if _, err := d.lifecycle.Fail(ctx, job.ID, runErr); err != nil {
			return err
		}
	}

	out, err := d.queue.Fail(ctx, delivery, runErr)
	if errors.Is(err, queue.ErrLeaseLost) {
		d.logger.WarnContext(ctx, "lease lost before failure was recorded", "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	if out.DeadLettered {
		telemetry.QueueDeadLetter.Inc()
		d.audit(ctx, job.ID, "dead_lettered", runErr.Error())
		if !final {
			if _, err := d.lifecycle.Fail(ctx, job.ID, runErr); err != nil {
				return err
			}
		}
		return nil
	}
	telemetry.QueueRetries.Inc()
	d.audit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("attempt=%d next_run=%s error=%s",
		delivery.Attempts, out.NextRunAt.UTC().Format(time.RFC3339), runErr))
	return nil
}

func (d *Drainer) run(ctx context.Context, h Handler, job models.Job, p models.Payload) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job, p)
}

// keepLease extends the lease until the returned stop func is called.
func (d *Drainer) keepLease(ctx context.Context, delivery *queue.Delivery) func() {
	if d.heartbeat <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(d.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.queue.ExtendLease(ctx, delivery); err != nil {
					if errors.Is(err, queue.ErrLeaseLost) {
						d.logger.WarnContext(ctx, "lease lost while running", "error", err)
						return
					}
					d.logger.WarnContext(ctx, "lease extension failed", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (d *Drainer) ack(ctx context.Context, delivery *queue.Delivery) error {
	err := d.queue.Complete(ctx, delivery)
	if errors.Is(err, queue.ErrLeaseLost) {
		d.logger.WarnContext(ctx, "lease lost before ack", "error", err)
		return nil
	}
	return err
}

func (d *Drainer) audit(ctx context.Context, jobID, event, detail string) {
	if err := d.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		d.logger.WarnContext(ctx, "audit write failed", "event", event, "error", err)
	}
}
