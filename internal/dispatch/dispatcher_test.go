package dispatch

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
	"job-orchestrator/internal/lifecycle"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/store/storetest"
)

type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, models.JobType, string, json.RawMessage) (queue.Entry, error) {
	return queue.Entry{}, errors.New("redis: connection refused")
}

func newQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q := queue.NewRedisQueue(config.Config{RedisAddr: mr.Addr(), QueueName: "test", MaxAttempts: 3, VisibilityTimeout: time.Minute})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestSubmitCreatesAndEnqueues(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	q := newQueue(t)
	d := New(st, q, lifecycle.New(st, nil), nil)

	job, err := d.Submit(ctx, models.TypeIssueFix, json.RawMessage(`{"repo":"a/b","issue":7,"title":"t","body":"d"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, models.TypeIssueFix, job.Type)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	delivery, err := q.Dequeue(ctx, "lease")
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, job.ID, delivery.JobID)
	assert.Equal(t, job.DedupKey(), delivery.DedupKey)

	trail, err := st.AuditTrail(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "created", trail[0].Event)
	assert.Equal(t, "enqueued", trail[1].Event)
}

func TestSubmitValidationErrorStoresNothing(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	q := newQueue(t)
	d := New(st, q, lifecycle.New(st, nil), nil)

	_, err := d.Submit(ctx, models.TypeIssueFix, json.RawMessage(`{"repo":"a/b"}`))
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Fields)

	_, err = d.Submit(ctx, "image.resize", json.RawMessage(`{}`))
	var kerr *models.UnknownKindError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "image.resize", kerr.Kind)

	jobs, err := st.ListJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{}, counts)
}

func TestSubmitEnqueueFailureResolvesJobFailed(t *testing.T) {
	ctx := context.Background()
	st := storetest.NewMemory()
	d := New(st, brokenQueue{}, lifecycle.New(st, nil), nil)

	job, err := d.SubmitPayload(ctx, &models.TaskExecutePayload{Text: "summarise the repo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, models.StatusFailed, job.Status)

	stored, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "enqueue job")
}

func TestSubmitPayloadValidates(t *testing.T) {
	st := storetest.NewMemory()
	d := New(st, brokenQueue{}, lifecycle.New(st, nil), nil)

	_, err := d.SubmitPayload(context.Background(), &models.IssueFixPayload{Repo: "a/b"})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
}
