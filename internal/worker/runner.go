package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Task is what the task-runner gets to work on.
type Task struct {
	Prompt    string
	Workspace string
	Settings  map[string]any
}

// TaskRunner performs the long-running automation and returns its output.
type TaskRunner interface {
	Run(ctx context.Context, task Task) (string, error)
}

// TaskExecutionError is a task-runner failure. Output holds the tail of what the runner printed.
type TaskExecutionError struct {
	Err    error
	Output string
}

func (e *TaskExecutionError) Error() string {
	if e.Output == "" {
		return "task failed: " + e.Err.Error()
	}
	return fmt.Sprintf("task failed: %v: %s", e.Err, e.Output)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

const outputTail = 2000

// CommandRunner executes an agent CLI with the prompt on stdin.
type CommandRunner struct {
	Command   []string
	Timeout   time.Duration
	Workspace string
	logger    *slog.Logger
}

// NewCommandRunner splits command on whitespace. An empty workspace means the worker's cwd.
func NewCommandRunner(command string, timeout time.Duration, workspace string, logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{
		Command:   strings.Fields(command),
		Timeout:   timeout,
		Workspace: workspace,
		logger:    logger,
	}
}

func (r *CommandRunner) Run(ctx context.Context, task Task) (string, error) {
	if len(r.Command) == 0 {
		return "", errors.New("no runner command configured")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.Workspace
	if task.Workspace != "" {
		cmd.Dir = task.Workspace
	}
	cmd.Env = os.Environ()
	if len(task.Settings) > 0 {
		raw, err := json.Marshal(task.Settings)
		if err != nil {
			return "", fmt.Errorf("encode task settings: %w", err)
		}
		cmd.Env = append(cmd.Env, "TASK_SETTINGS="+string(raw))
	}
	cmd.Stdin = strings.NewReader(task.Prompt)

	// a timeout takes the whole process tree down, not only the direct child
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	r.logger.InfoContext(ctx, "task runner started", "command", r.Command[0], "dir", cmd.Dir)
	err := cmd.Run()
	elapsed := time.Since(started).Round(time.Millisecond)

	if ctx.Err() == context.DeadlineExceeded {
		r.logger.WarnContext(ctx, "task runner timed out", "timeout", r.Timeout)
		return "", &TaskExecutionError{Err: fmt.Errorf("timed out after %s", r.Timeout), Output: tail(stderr.String())}
	}
	if err != nil {
		return "", &TaskExecutionError{Err: err, Output: tail(stderr.String())}
	}
	r.logger.InfoContext(ctx, "task runner finished", "elapsed", elapsed)
	return strings.TrimSpace(stdout.String()), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > outputTail {
		return "..." + s[len(s)-outputTail:]
	}
	return s
}
