// Package lifecycle is the only place job status changes happen.
//
// States are pending, processing, completed and failed. A job enters processing from pending,
// or again from processing when the queue redelivers it after a retry or an expired lease.
// Only processing leaves for completed; failed is reachable from processing and, when the queue
// gives up on a job no worker ever started, from pending. Every transition is one conditional
// row update keyed by job id.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

// Store is the persistence contract the state machine needs.
type Store interface {
	UpdateStatus(ctx context.Context, id string, from []models.Status, u store.StatusUpdate) (models.Job, error)
}

// Observer is told about every applied transition.
type Observer interface {
	JobTransitioned(ctx context.Context, job models.Job)
}

// sources maps a target status to the statuses it may be entered from.
var sources = map[models.Status][]models.Status{
	models.StatusProcessing: {models.StatusPending, models.StatusProcessing},
	models.StatusCompleted:  {models.StatusProcessing},
	models.StatusFailed:     {models.StatusPending, models.StatusProcessing},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to models.Status) bool {
	for _, s := range sources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// IllegalTransitionError signals a transition the state machine forbids.
// It always points at a delivery bug and must not be swallowed.
type IllegalTransitionError struct {
	JobID string
	From  models.Status
	To    models.Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

// Lifecycle applies status transitions against the job store.
type Lifecycle struct {
	store     Store
	logger    *slog.Logger
	observers []Observer
	now       func() time.Time
}

func New(st Store, logger *slog.Logger, observers ...Observer) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:     st,
		logger:    logger,
		observers: observers,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Options carry the side data of a transition.
type Options struct {
	Result           any
	Cause            error
	CorrelationToken string
}

// Start moves a job into processing. A non-empty token is stored if the job has none yet.
func (l *Lifecycle) Start(ctx context.Context, jobID, correlationToken string) (models.Job, error) {
	return l.Transition(ctx, jobID, models.StatusProcessing, Options{CorrelationToken: correlationToken})
}

// Complete records a successful result.
func (l *Lifecycle) Complete(ctx context.Context, jobID string, result any) (models.Job, error) {
	return l.Transition(ctx, jobID, models.StatusCompleted, Options{Result: result})
}

// Fail records the stringified cause.
func (l *Lifecycle) Fail(ctx context.Context, jobID string, cause error) (models.Job, error) {
	return l.Transition(ctx, jobID, models.StatusFailed, Options{Cause: cause})
}

// Transition applies one legal status change as a single conditional update.
func (l *Lifecycle) Transition(ctx context.Context, jobID string, to models.Status, opts Options) (models.Job, error) {
	from, ok := sources[to]
	if !ok {
		return models.Job{}, fmt.Errorf("transition job %s: %q is not a transition target", jobID, to)
	}

	update := store.StatusUpdate{
		To:               to,
		CorrelationToken: opts.CorrelationToken,
		At:               l.now(),
	}
	if to == models.StatusCompleted && opts.Result != nil {
		raw, err := json.Marshal(opts.Result)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal result for job %s: %w", jobID, err)
		}
		update.Result = raw
	}
	if to == models.StatusFailed {
		update.Error = "unknown error"
		if opts.Cause != nil {
			update.Error = opts.Cause.Error()
		}
	}

	job, err := l.store.UpdateStatus(ctx, jobID, from, update)
	if errors.Is(err, store.ErrStatusConflict) {
		illegal := &IllegalTransitionError{JobID: jobID, From: job.Status, To: to}
		l.logger.ErrorContext(ctx, "illegal job transition", "job_id", jobID, "from", job.Status, "to", to)
		return job, illegal
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("transition job %s to %s: %w", jobID, to, err)
	}

	telemetry.JobTransitions.WithLabelValues(string(to)).Inc()
	l.logger.InfoContext(ctx, "job transitioned", "job_id", jobID, "type", job.Type, "status", to)
	for _, o := range l.observers {
		o.JobTransitioned(ctx, job)
	}
	return job, nil
}
