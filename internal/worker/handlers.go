package worker

import (
	"context"
	"fmt"

	"job-orchestrator/internal/models"
)

// Handler executes one job of a given type and returns its result.
type Handler func(ctx context.Context, job models.Job, p models.Payload) (any, error)

// IssueFixResult is stored on completed github.issue.fix jobs.
type IssueFixResult struct {
	Repo   string `json:"repo"`
	Issue  int    `json:"issue"`
	Output string `json:"output"`
}

// TaskResult is stored on completed task.execute jobs.
type TaskResult struct {
	Output string `json:"output"`
}

// IssueFixHandler asks the runner to fix the issue and open a pull request for it.
func IssueFixHandler(r TaskRunner) Handler {
	return func(ctx context.Context, job models.Job, p models.Payload) (any, error) {
		issue, ok := p.(*models.IssueFixPayload)
		if !ok {
			return nil, fmt.Errorf("job %s: unexpected payload %T", job.ID, p)
		}
		out, err := r.Run(ctx, Task{Prompt: issue.Prompt()})
		if err != nil {
			return nil, err
		}
		return IssueFixResult{Repo: issue.Repo, Issue: issue.Issue, Output: out}, nil
	}
}

// TaskExecuteHandler runs a free-form prompt with the job's workspace and settings.
func TaskExecuteHandler(r TaskRunner) Handler {
	return func(ctx context.Context, job models.Job, p models.Payload) (any, error) {
		task, ok := p.(*models.TaskExecutePayload)
		if !ok {
			return nil, fmt.Errorf("job %s: unexpected payload %T", job.ID, p)
		}
		out, err := r.Run(ctx, Task{Prompt: task.Prompt(), Workspace: task.Workspace, Settings: task.Settings})
		if err != nil {
			return nil, err
		}
		return TaskResult{Output: out}, nil
	}
}
