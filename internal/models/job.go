package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status enumerates lifecycle states persisted in Postgres.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the durable record of one requested unit of work.
type Job struct {
	ID               string          `json:"id"`
	Type             JobType         `json:"type"`
	Status           Status          `json:"status"`
	Payload          json.RawMessage `json:"payload"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *string         `json:"error,omitempty"`
	CorrelationToken *string         `json:"correlation_token,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// DedupKey is the queue identity of the job. Two enqueues of the same job share it.
func (j Job) DedupKey() string {
	return DedupKey(j.Type, j.ID)
}

func DedupKey(t JobType, id string) string {
	return fmt.Sprintf("%s-%s", t, id)
}

// SplitDedupKey reverses DedupKey. Job types never contain a dash, so the first one separates the parts.
func SplitDedupKey(key string) (JobType, string, bool) {
	t, id, ok := strings.Cut(key, "-")
	if !ok || t == "" || id == "" {
		return "", "", false
	}
	return JobType(t), id, true
}

// HasCorrelation reports whether a notification thread is linked to the job.
func (j Job) HasCorrelation() bool {
	return j.CorrelationToken != nil && *j.CorrelationToken != ""
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
