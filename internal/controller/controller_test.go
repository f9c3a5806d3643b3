package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
)

type fakeQueue struct {
	mu       sync.Mutex
	counts   queue.Counts
	countErr error
	reclaim  queue.ReclaimResult
	promoted int
	closed   bool
}

func (q *fakeQueue) set(c queue.Counts, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.counts, q.countErr = c, err
}

func (q *fakeQueue) Counts(context.Context) (queue.Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts, q.countErr
}

func (q *fakeQueue) PromoteDue(context.Context, time.Time, int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoted++
	return 0, nil
}

func (q *fakeQueue) ReclaimExpired(context.Context, time.Time, int64) (queue.ReclaimResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res := q.reclaim
	q.reclaim = queue.ReclaimResult{}
	return res, nil
}

func (q *fakeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

type fakeProcess struct {
	pid int
	mu  sync.Mutex
	fns []func(ExitStatus)
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) OnExit(fn func(ExitStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fns = append(p.fns, fn)
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	fns := p.fns
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ExitStatus{Code: code})
	}
}

type fakeSpawner struct {
	mu    sync.Mutex
	specs []SpawnSpec
	procs []*fakeProcess
	err   error
	delay time.Duration
}

func (s *fakeSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := &fakeProcess{pid: 1000 + len(s.procs)}
	s.specs = append(s.specs, spec)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

type fakeAuditor struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAuditor) AppendAudit(_ context.Context, jobID, event, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event+":"+jobID)
	return nil
}

type fakeFailer struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeFailer) Fail(_ context.Context, jobID string, _ error) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobID)
	return models.Job{ID: jobID, Status: models.StatusFailed}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShouldSpawn(t *testing.T) {
	assert.True(t, ShouldSpawn(queue.Counts{Waiting: 1}, 0))
	assert.False(t, ShouldSpawn(queue.Counts{}, 0), "no backlog")
	assert.False(t, ShouldSpawn(queue.Counts{Waiting: 3, Active: 1}, 0), "queue reports in-flight work")
	assert.False(t, ShouldSpawn(queue.Counts{Waiting: 3}, 1), "tracked worker alive")
	assert.True(t, ShouldSpawn(queue.Counts{Waiting: 1, Delayed: 4, Dead: 2}, 0))
}

func TestPollSpawnsOneWorkerForBacklog(t *testing.T) {
	q := &fakeQueue{counts: queue.Counts{Waiting: 5}}
	sp := &fakeSpawner{}
	c := New(q, sp, Options{Logger: quietLogger()})

	require.NoError(t, c.Poll(context.Background()))
	require.Equal(t, 1, sp.spawned())
	active := c.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 1000, active[0].Pid)
	assert.Equal(t, active[0].ID, sp.specs[0].WorkerID)

	// the worker is still tracked, so further polls do nothing
	require.NoError(t, c.Poll(context.Background()))
	require.NoError(t, c.Poll(context.Background()))
	assert.Equal(t, 1, sp.spawned())

	sp.procs[0].exit(0)
	assert.Empty(t, c.Active())

	require.NoError(t, c.Poll(context.Background()))
	assert.Equal(t, 2, sp.spawned())
}

func TestPollDoesNotSpawnWhileQueueReportsActive(t *testing.T) {
	q := &fakeQueue{counts: queue.Counts{Waiting: 2, Active: 1}}
	sp := &fakeSpawner{}
	c := New(q, sp, Options{Logger: quietLogger()})

	require.NoError(t, c.Poll(context.Background()))
	assert.Equal(t, 0, sp.spawned())

	q.set(queue.Counts{}, nil)
	require.NoError(t, c.Poll(context.Background()))
	assert.Equal(t, 0, sp.spawned())
}

func TestConcurrentPollsSpawnOnce(t *testing.T) {
	q := &fakeQueue{counts: queue.Counts{Waiting: 10}}
	sp := &fakeSpawner{delay: 5 * time.Millisecond}
	c := New(q, sp, Options{Logger: quietLogger()})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Poll(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sp.spawned())
	assert.Len(t, c.Active(), 1)
}

func TestSpawnFailureRemovesHandle(t *testing.T) {
	q := &fakeQueue{counts: queue.Counts{Waiting: 1}}
	sp := &fakeSpawner{err: errors.New("fork: resource temporarily unavailable")}
	c := New(q, sp, Options{Logger: quietLogger()})

	err := c.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource temporarily unavailable")
	assert.Empty(t, c.Active())

	sp.mu.Lock()
	sp.err = nil
	sp.mu.Unlock()
	require.NoError(t, c.Poll(context.Background()))
	assert.Equal(t, 1, sp.spawned())
}

func TestPollCountsErrorIsReturned(t *testing.T) {
	q := &fakeQueue{countErr: errors.New("dial tcp: connection refused")}
	sp := &fakeSpawner{}
	c := New(q, sp, Options{Logger: quietLogger()})

	require.Error(t, c.Poll(context.Background()))
	assert.Equal(t, 0, sp.spawned())
}

func TestPollResolvesDeadLetteredLeases(t *testing.T) {
	q := &fakeQueue{reclaim: queue.ReclaimResult{
		Requeued:     []string{"github.issue.fix-a"},
		DeadLettered: []queue.Entry{{JobID: "b", Attempts: 3, LastError: "lease expired"}},
	}}
	f := &fakeFailer{}
	a := &fakeAuditor{}
	c := New(q, &fakeSpawner{}, Options{Logger: quietLogger(), Failer: f, Auditor: a})

	require.NoError(t, c.Poll(context.Background()))
	assert.Equal(t, []string{"b"}, f.jobs)
	assert.Equal(t, 1, q.promoted)
	assert.Equal(t, []string{"lease_reclaimed:a", "dead_lettered:b"}, a.events)
}

func TestRunSurvivesPollErrorsAndStops(t *testing.T) {
	q := &fakeQueue{countErr: errors.New("redis down")}
	sp := &fakeSpawner{}
	c := New(q, sp, Options{Logger: quietLogger(), Interval: 10 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	q.set(queue.Counts{Waiting: 1}, nil)
	require.Eventually(t, func() bool { return sp.spawned() == 1 }, time.Second, 5*time.Millisecond)

	c.Stop()
	require.NoError(t, <-done)
	q.mu.Lock()
	assert.True(t, q.closed)
	q.mu.Unlock()

	// the spawned worker is left alone and still tracked until it exits
	assert.Len(t, c.Active(), 1)
	sp.procs[0].exit(0)
	assert.Empty(t, c.Active())
}

func TestRunTwice(t *testing.T) {
	q := &fakeQueue{}
	c := New(q, &fakeSpawner{}, Options{Logger: quietLogger(), Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.running
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.Run(ctx), ErrAlreadyRunning)
	cancel()
	require.NoError(t, <-done)
	c.Stop()
}
