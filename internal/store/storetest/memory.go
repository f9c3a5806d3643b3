// Package storetest provides an in-memory job store with the same update contract as the Postgres store.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/store"
)

type Memory struct {
	mu      sync.Mutex
	jobs    map[string]models.Job
	audit   []models.AuditLog
	updates int
	PingErr error
	// CreateErr, when set, fails the next CreateJob call.
	CreateErr error
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]models.Job)}
}

func (m *Memory) Ping(context.Context) error { return m.PingErr }

func (m *Memory) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		err := m.CreateErr
		m.CreateErr = nil
		return models.Job{}, err
	}
	job := models.Job{
		ID:        uuid.New().String(),
		Type:      p.Type,
		Status:    models.StatusPending,
		Payload:   append(json.RawMessage(nil), p.Payload...),
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	m.audit = append(m.audit, models.AuditLog{JobID: job.ID, Event: "created", Detail: string(p.Type), Recorded: job.CreatedAt})
	return copyJob(job), nil
}

// Put stores job as-is, for seeding tests.
func (m *Memory) Put(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = copyJob(job)
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return copyJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, from []models.Status, u store.StatusUpdate) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if !slices.Contains(from, job.Status) {
		return copyJob(job), store.ErrStatusConflict
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	job.Status = u.To
	switch u.To {
	case models.StatusProcessing:
		if job.StartedAt == nil {
			job.StartedAt = &at
		}
	case models.StatusCompleted:
		if job.CompletedAt == nil {
			job.CompletedAt = &at
		}
		if len(u.Result) > 0 {
			job.Result = append(json.RawMessage(nil), u.Result...)
		}
	case models.StatusFailed:
		if job.CompletedAt == nil {
			job.CompletedAt = &at
		}
		msg := u.Error
		job.Error = &msg
	}
	if job.CorrelationToken == nil && u.CorrelationToken != "" {
		token := u.CorrelationToken
		job.CorrelationToken = &token
	}
	m.jobs[id] = job
	m.updates++
	return copyJob(job), nil
}

func (m *Memory) FindCorrelated(_ context.Context, t models.JobType, repo string, issue int) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		found models.Job
		ok    bool
	)
	for _, j := range m.jobs {
		if j.Type != t || !j.HasCorrelation() {
			continue
		}
		var p struct {
			Repo  string `json:"repo"`
			Issue int    `json:"issue"`
		}
		if err := json.Unmarshal(j.Payload, &p); err != nil || p.Repo != repo || p.Issue != issue {
			continue
		}
		if !ok || j.CreatedAt.After(found.CreatedAt) {
			found, ok = j, true
		}
	}
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return copyJob(found), nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

func (m *Memory) AuditTrail(_ context.Context, jobID string) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out, nil
}

// Updates counts successful status updates.
func (m *Memory) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

func copyJob(j models.Job) models.Job {
	out := j
	out.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.Result != nil {
		out.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.CorrelationToken != nil {
		tok := *j.CorrelationToken
		out.CorrelationToken = &tok
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
