// Package controller keeps worker process capacity matched to the queue backlog.
//
// One poll at a time: maintain the queue, read its counts, and spawn at most one worker when
// there is waiting work, nothing in flight and no worker this controller knows about. Handles
// are removed only by the exit observer of their process, or right away when the spawn fails.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-orchestrator/internal/logger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/telemetry"
)

const maintenanceBatch = 100

var ErrAlreadyRunning = errors.New("controller already running")

type Queue interface {
	Counts(ctx context.Context) (queue.Counts, error)
	PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error)
	ReclaimExpired(ctx context.Context, now time.Time, limit int64) (queue.ReclaimResult, error)
	Close() error
}

// Failer resolves jobs whose entries were dead-lettered by lease expiry.
type Failer interface {
	Fail(ctx context.Context, jobID string, cause error) (models.Job, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// WorkerHandle is the controller's record of one spawned worker process.
type WorkerHandle struct {
	ID        string
	Pid       int
	SpawnedAt time.Time
}

// ShouldSpawn is the spawn rule: waiting work, nothing active in the queue, no tracked worker.
func ShouldSpawn(c queue.Counts, tracked int) bool {
	return c.Waiting > 0 && c.Active == 0 && tracked == 0
}

type Controller struct {
	queue    Queue
	spawner  Spawner
	sink     LogSink
	failer   Failer
	auditor  Auditor
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	pollMu sync.Mutex

	mu        sync.Mutex
	running   bool
	workers   map[string]*WorkerHandle
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

type Options struct {
	Interval time.Duration
	Sink     LogSink
	Failer   Failer
	Auditor  Auditor
	Logger   *slog.Logger
}

func New(q Queue, spawner Spawner, opts Options) *Controller {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = DiscardSink{}
	}
	return &Controller{
		queue:    q,
		spawner:  spawner,
		sink:     opts.Sink,
		failer:   opts.Failer,
		auditor:  opts.Auditor,
		interval: opts.Interval,
		logger:   opts.Logger,
		now:      time.Now,
		workers:  make(map[string]*WorkerHandle),
	}
}

// Run polls immediately and then every interval until ctx is done or Stop is called.
// On the way out it closes the queue; spawned workers are left to finish their job.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	stopCh, stoppedCh := c.stopCh, c.stoppedCh
	c.mu.Unlock()
	defer close(stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "controller"})
	c.logger.InfoContext(ctx, "controller started", "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.pollLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return c.shutdown(ctx)
		case <-stopCh:
			return c.shutdown(ctx)
		case <-ticker.C:
			c.pollLogged(ctx)
		}
	}
}

// Stop ends Run and waits for it to return. It is a no-op when the controller is not running.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	stopCh, stoppedCh := c.stopCh, c.stoppedCh
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	c.mu.Unlock()
	<-stoppedCh
}

func (c *Controller) shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.running = false
	left := len(c.workers)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "controller stopping", "workers_left_running", left)
	if err := c.queue.Close(); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	return nil
}

// Active returns the tracked worker handles, oldest first.
func (c *Controller) Active() []WorkerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WorkerHandle, 0, len(c.workers))
	for _, h := range c.workers {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpawnedAt.Before(out[j].SpawnedAt) })
	return out
}

func (c *Controller) pollLogged(ctx context.Context) {
	if err := c.Poll(ctx); err != nil {
		c.logger.ErrorContext(ctx, "poll cycle failed", "error", err)
	}
}

// Poll runs one cycle. Concurrent calls are serialised.
func (c *Controller) Poll(ctx context.Context) error {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	c.maintain(ctx)

	counts, err := c.queue.Counts(ctx)
	if err != nil {
		telemetry.PollErrors.Inc()
		return fmt.Errorf("read queue counts: %w", err)
	}
	telemetry.QueueWaitingGauge.Set(float64(counts.Waiting))
	telemetry.QueueActiveGauge.Set(float64(counts.Active))

	c.mu.Lock()
	tracked := len(c.workers)
	c.logger.DebugContext(ctx, "queue status", "waiting", counts.Waiting, "active", counts.Active, "tracked_workers", tracked)
	if !ShouldSpawn(counts, tracked) {
		c.mu.Unlock()
		return nil
	}
	handle := &WorkerHandle{ID: newWorkerID(c.now()), SpawnedAt: c.now()}
	c.workers[handle.ID] = handle
	telemetry.ActiveWorkersGauge.Set(float64(len(c.workers)))
	c.mu.Unlock()

	if err := c.spawn(ctx, handle.ID); err != nil {
		c.remove(handle.ID)
		telemetry.WorkerSpawnErrors.Inc()
		return fmt.Errorf("spawn worker %s: %w", handle.ID, err)
	}
	return nil
}

func (c *Controller) spawn(ctx context.Context, workerID string) error {
	out, err := c.sink.Open(workerID)
	if err != nil {
		return fmt.Errorf("open worker log: %w", err)
	}
	proc, err := c.spawner.Spawn(ctx, SpawnSpec{WorkerID: workerID, Output: out})
	if err != nil {
		_ = out.Close()
		return err
	}

	c.mu.Lock()
	if h, ok := c.workers[workerID]; ok {
		h.Pid = proc.Pid()
	}
	c.mu.Unlock()
	telemetry.WorkersSpawned.Inc()
	c.logger.InfoContext(ctx, "worker spawned", "worker_id", workerID, "pid", proc.Pid())

	proc.OnExit(func(st ExitStatus) {
		c.remove(workerID)
		c.finishLog(workerID, out)
		if st.Err != nil || st.Code != 0 {
			c.logger.Warn("worker exited", "worker_id", workerID, "code", st.Code, "error", st.Err)
			return
		}
		c.logger.Info("worker exited", "worker_id", workerID, "code", st.Code)
	})
	return nil
}

func (c *Controller) finishLog(workerID string, out io.Closer) {
	if err := out.Close(); err != nil {
		c.logger.Warn("close worker log", "worker_id", workerID, "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.sink.Finish(ctx, workerID); err != nil {
		c.logger.Warn("archive worker log", "worker_id", workerID, "error", err)
	}
}

func (c *Controller) remove(workerID string) {
	c.mu.Lock()
	delete(c.workers, workerID)
	telemetry.ActiveWorkersGauge.Set(float64(len(c.workers)))
	c.mu.Unlock()
}

// maintain promotes due retries and reclaims expired leases. Failures are logged; the
// poll still goes on to read counts.
func (c *Controller) maintain(ctx context.Context) {
	now := c.now()
	if n, err := c.queue.PromoteDue(ctx, now, maintenanceBatch); err != nil {
		c.logger.WarnContext(ctx, "promote delayed entries", "error", err)
	} else if n > 0 {
		c.logger.InfoContext(ctx, "promoted delayed entries", "count", n)
	}

	res, err := c.queue.ReclaimExpired(ctx, now, maintenanceBatch)
	if err != nil {
		c.logger.WarnContext(ctx, "reclaim expired leases", "error", err)
		return
	}
	if len(res.Requeued) > 0 {
		telemetry.LeasesReclaimed.Add(float64(len(res.Requeued)))
		c.logger.InfoContext(ctx, "reclaimed expired leases", "count", len(res.Requeued))
	}
	for _, key := range res.Requeued {
		if _, jobID, ok := models.SplitDedupKey(key); ok {
			c.audit(ctx, jobID, "lease_reclaimed", key)
		}
	}
	for _, entry := range res.DeadLettered {
		telemetry.QueueDeadLetter.Inc()
		c.audit(ctx, entry.JobID, "dead_lettered", entry.LastError)
		if c.failer == nil {
			continue
		}
		cause := fmt.Errorf("worker lease expired after %d attempts", entry.Attempts)
		if _, err := c.failer.Fail(ctx, entry.JobID, cause); err != nil {
			c.logger.ErrorContext(ctx, "resolve dead-lettered job", "job_id", entry.JobID, "error", err)
		}
	}
}

func (c *Controller) audit(ctx context.Context, jobID, event, detail string) {
	if c.auditor == nil {
		return
	}
	if err := c.auditor.AppendAudit(ctx, jobID, event, detail); err != nil {
		c.logger.WarnContext(ctx, "audit write failed", "job_id", jobID, "event", event, "error", err)
	}
}

func newWorkerID(now time.Time) string {
	return fmt.Sprintf("worker-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
