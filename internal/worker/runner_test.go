//go:build !windows

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRunnerReadsPromptFromStdin(t *testing.T) {
	r := NewCommandRunner("cat", time.Minute, "", nil)
	out, err := r.Run(context.Background(), Task{Prompt: "fix the bug\n"})
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", out)
}

func TestCommandRunnerPassesWorkspaceAndSettings(t *testing.T) {
	dir := t.TempDir()
	r := NewCommandRunner("sh", time.Minute, "", nil)
	r.Command = []string{"sh", "-c", `pwd; printf %s "$TASK_SETTINGS"`}

	out, err := r.Run(context.Background(), Task{Prompt: "p", Workspace: dir, Settings: map[string]any{"model": "x"}})
	require.NoError(t, err)
	assert.Contains(t, out, dir)
	assert.Contains(t, out, `{"model":"x"}`)
}

func TestCommandRunnerFailure(t *testing.T) {
	r := NewCommandRunner("sh", time.Minute, "", nil)
	r.Command = []string{"sh", "-c", "echo broken >&2; exit 3"}

	_, err := r.Run(context.Background(), Task{Prompt: "p"})
	var execErr *TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "broken", execErr.Output)
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestCommandRunnerTimeoutKillsGroup(t *testing.T) {
	r := NewCommandRunner("sh", 200*time.Millisecond, "", nil)
	r.Command = []string{"sh", "-c", "sleep 30 & sleep 30"}

	started := time.Now()
	_, err := r.Run(context.Background(), Task{Prompt: "p"})
	var execErr *TaskExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestCommandRunnerWithoutCommand(t *testing.T) {
	_, err := NewCommandRunner("", 0, "", nil).Run(context.Background(), Task{})
	require.Error(t, err)
}
