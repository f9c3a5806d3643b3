package controller

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
)

// SpawnSpec describes one worker process.
type SpawnSpec struct {
	WorkerID string
	Env      []string
	Output   io.Writer
}

// ExitStatus is what a worker process ended with.
type ExitStatus struct {
	Code int
	Err  error
}

// Process is a started worker. OnExit callbacks run once the process has terminated, including
// callbacks registered after that point.
type Process interface {
	Pid() int
	OnExit(fn func(ExitStatus))
}

// Spawner starts detached worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// ExecSpawner runs Command through sh -c in its own process group, so signals aimed at the
// controller do not reach the workers.
type ExecSpawner struct {
	Command string
	Env     []string
}

func (s *ExecSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	if s.Command == "" {
		return nil, errors.New("no worker command configured")
	}
	cmd := exec.Command("sh", "-c", s.Command)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env, spec.Env...)
	cmd.Env = append(cmd.Env, "WORKER_ID="+spec.WorkerID)
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		st := ExitStatus{Code: cmd.ProcessState.ExitCode()}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			st.Err = err
		}
		p.mu.Lock()
		p.status = st
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	pid    int
	done   chan struct{}
	mu     sync.Mutex
	status ExitStatus
}

func (p *execProcess) Pid() int { return p.pid }

func (p *execProcess) OnExit(fn func(ExitStatus)) {
	go func() {
		<-p.done
		p.mu.Lock()
		st := p.status
		p.mu.Unlock()
		fn(st)
	}()
}
