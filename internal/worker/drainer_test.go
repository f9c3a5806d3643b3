package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/config"
	"job-orchestrator/internal/dispatch"
	"job-orchestrator/internal/lifecycle"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/store/storetest"
)

type stubRunner struct {
	out   string
	err   error
	panic bool
	tasks []Task
}

func (s *stubRunner) Run(_ context.Context, task Task) (string, error) {
	s.tasks = append(s.tasks, task)
	if s.panic {
		panic("runner exploded")
	}
	return s.out, s.err
}

type stubAnnouncer struct {
	calls int
	seen  []models.Status
}

func (s *stubAnnouncer) TaskStarted(_ context.Context, job models.Job, _ models.Payload) string {
	s.calls++
	s.seen = append(s.seen, job.Status)
	return "1700000000.000100"
}

// flakyLifecycle fails the next startFailures Start calls before delegating.
type flakyLifecycle struct {
	*lifecycle.Lifecycle
	startFailures int
}

func (f *flakyLifecycle) Start(ctx context.Context, jobID, token string) (models.Job, error) {
	if f.startFailures > 0 {
		f.startFailures--
		return models.Job{}, errors.New("connection reset by peer")
	}
	return f.Lifecycle.Start(ctx, jobID, token)
}

type harness struct {
	store    *storetest.Memory
	queue    *queue.RedisQueue
	dispatch *dispatch.Dispatcher
	drainer  *Drainer
	runner   *stubRunner
	announce *stubAnnouncer
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q := queue.NewRedisQueue(config.Config{
		RedisAddr:         mr.Addr(),
		QueueName:         "test",
		VisibilityTimeout: time.Minute,
		MaxAttempts:       maxAttempts,
		BackoffInitial:    2 * time.Second,
		BackoffMultiplier: 2,
		BackoffMax:        time.Minute,
	})
	t.Cleanup(func() { _ = q.Close() })

	st := storetest.NewMemory()
	lc := lifecycle.New(st, nil)
	h := &harness{
		store:    st,
		queue:    q,
		dispatch: dispatch.New(st, q, lc, nil),
		runner:   &stubRunner{out: "opened https://github.com/a/b/pull/1"},
		announce: &stubAnnouncer{},
	}
	h.drainer = NewDrainer(q, st, lc, h.announce, "worker-test", nil)
	h.drainer.RegisterHandler(models.TypeIssueFix, IssueFixHandler(h.runner))
	h.drainer.RegisterHandler(models.TypeTaskExecute, TaskExecuteHandler(h.runner))
	return h
}

func (h *harness) submitIssue(t *testing.T) models.Job {
	t.Helper()
	job, err := h.dispatch.Submit(context.Background(), models.TypeIssueFix,
		json.RawMessage(`{"repo":"a/b","issue":7,"title":"t","body":"d"}`))
	require.NoError(t, err)
	return job
}

func TestDrainWithoutWorkMutatesNothing(t *testing.T) {
	h := newHarness(t, 3)

	processed, err := h.drainer.Drain(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 0, h.store.Updates())
	assert.Empty(t, h.runner.tasks)
}

func TestDrainCompletesJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	job := h.submitIssue(t)
	assert.Equal(t, models.StatusPending, job.Status)

	processed, err := h.drainer.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	done, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.Error)
	assert.JSONEq(t, `{"repo":"a/b","issue":7,"output":"opened https://github.com/a/b/pull/1"}`, string(done.Result))
	require.NotNil(t, done.CorrelationToken)
	assert.Equal(t, "1700000000.000100", *done.CorrelationToken)
	assert.Equal(t, 1, h.announce.calls)
	assert.Equal(t, []models.Status{models.StatusProcessing}, h.announce.seen, "announced after the job started")

	require.Len(t, h.runner.tasks, 1)
	assert.Contains(t, h.runner.tasks[0].Prompt, "Issue #7: t")

	counts, err := h.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{}, counts)

	// one job per drain: the next call finds nothing
	processed, err = h.drainer.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestDrainFinalFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.runner.err = errors.New("agent crashed")
	job := h.submitIssue(t)

	processed, err := h.drainer.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	failed, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "agent crashed", *failed.Error)
	assert.Nil(t, failed.Result)
	assert.NotNil(t, failed.CompletedAt)

	counts, err := h.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{Dead: 1}, counts)

	trail, err := h.store.AuditTrail(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "dead_lettered", trail[len(trail)-1].Event)
}

func TestDrainRetryableFailureKeepsJobProcessing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	h.runner.err = errors.New("network blip")
	job := h.submitIssue(t)

	_, err := h.drainer.Drain(ctx)
	require.NoError(t, err)

	stored, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, stored.Status)
	assert.Nil(t, stored.Error)
	assert.Nil(t, stored.CompletedAt)

	counts, err := h.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{Delayed: 1}, counts)

	trail, err := h.store.AuditTrail(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "retry_scheduled", trail[len(trail)-1].Event)
	assert.Contains(t, trail[len(trail)-1].Detail, "error=network blip")

	// until attempts run out the error is only visible on the queue entry
	lastErr, err := h.queue.Client().HGet(ctx, "test:entry:"+models.DedupKey(job.Type, job.ID), "last_error").Result()
	require.NoError(t, err)
	assert.Equal(t, "network blip", lastErr)

	// the retry succeeds without a second start announcement
	_, err = h.queue.PromoteDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	h.runner.err = nil
	_, err = h.drainer.Drain(ctx)
	require.NoError(t, err)

	done, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, *stored.StartedAt, *done.StartedAt)
	assert.Equal(t, 1, h.announce.calls)
}

func TestDrainStartFailureDoesNotAnnounce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	flaky := &flakyLifecycle{Lifecycle: lifecycle.New(h.store, nil), startFailures: 1}
	h.drainer = NewDrainer(h.queue, h.store, flaky, h.announce, "worker-test", nil)
	h.drainer.RegisterHandler(models.TypeIssueFix, IssueFixHandler(h.runner))
	job := h.submitIssue(t)

	processed, err := h.drainer.Drain(ctx)
	require.Error(t, err)
	assert.True(t, processed)
	assert.Zero(t, h.announce.calls)
	assert.Empty(t, h.runner.tasks)

	pending, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, pending.Status)
	assert.Nil(t, pending.CorrelationToken)

	// the expired lease brings the entry back and the second delivery announces exactly once
	reclaimed, err := h.queue.ReclaimExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed.Requeued, 1)
	_, err = h.drainer.Drain(ctx)
	require.NoError(t, err)

	done, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.CorrelationToken)
	assert.Equal(t, "1700000000.000100", *done.CorrelationToken)
	assert.Equal(t, 1, h.announce.calls)
}

func TestDrainAcksRedeliveredTerminalJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	now := time.Now().UTC()
	msg := "earlier failure"
	h.store.Put(models.Job{
		ID: "job-done", Type: models.TypeTaskExecute, Status: models.StatusFailed,
		Payload: json.RawMessage(`{"prompt":"p"}`), Error: &msg, CreatedAt: now, CompletedAt: &now,
	})
	_, err := h.queue.Enqueue(ctx, models.TypeTaskExecute, "job-done", json.RawMessage(`{"prompt":"p"}`))
	require.NoError(t, err)

	processed, err := h.drainer.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 0, h.store.Updates())
	assert.Empty(t, h.runner.tasks)

	counts, err := h.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{}, counts)
}

func TestDrainRecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.runner.panic = true
	job, err := h.dispatch.SubmitPayload(ctx, &models.TaskExecutePayload{Text: "p", Workspace: "/tmp/ws"})
	require.NoError(t, err)

	_, err = h.drainer.Drain(ctx)
	require.NoError(t, err)

	failed, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Contains(t, *failed.Error, "runner exploded")
	require.Len(t, h.runner.tasks, 1)
	assert.Equal(t, "/tmp/ws", h.runner.tasks[0].Workspace)
}

func TestDrainUnknownHandlerFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	delete(h.drainer.handlers, models.TypeTaskExecute)
	job, err := h.dispatch.SubmitPayload(ctx, &models.TaskExecutePayload{Text: "p"})
	require.NoError(t, err)

	_, err = h.drainer.Drain(ctx)
	require.NoError(t, err)

	failed, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Contains(t, *failed.Error, "no handler registered")
}
