package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-orchestrator/internal/models"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrStatusConflict means the row exists but its status is not one the update may leave.
	ErrStatusConflict = errors.New("job status conflict")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	dsn  string
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, dsn: dsn}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether Postgres is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type    models.JobType
	Payload json.RawMessage
}

// StatusUpdate is applied atomically by UpdateStatus.
// StartedAt and CompletedAt are only ever filled once; Result and Error are only written
// for the matching terminal status.
type StatusUpdate struct {
	To               models.Status
	Result           json.RawMessage
	Error            string
	CorrelationToken string
	At               time.Time
}

const jobColumns = `id, type, status, payload, result, error, correlation_token, created_at, started_at, completed_at`

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	row := tx.QueryRow(ctx, `
		INSERT INTO jobs (id, type, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+jobColumns,
		id, string(p.Type), string(models.StatusPending), []byte(p.Payload), time.Now().UTC())
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, 'created', $2, NOW())
	`, id, string(p.Type)); err != nil {
		return models.Job{}, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns the most recently created jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateStatus moves a job to u.To in a single statement, provided its current status is one of from.
// On a status mismatch it returns the current row together with ErrStatusConflict.
func (s *Store) UpdateStatus(ctx context.Context, id string, from []models.Status, u StatusUpdate) (models.Job, error) {
	fromStates := make([]string, 0, len(from))
	for _, st := range from {
		fromStates = append(fromStates, string(st))
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var result []byte
	if u.To == models.StatusCompleted && len(u.Result) > 0 {
		result = u.Result
	}
	var errMsg *string
	if u.To == models.StatusFailed {
		errMsg = &u.Error
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status            = $2::text,
			started_at        = CASE WHEN $2::text = 'processing' THEN COALESCE(started_at, $3) ELSE started_at END,
			completed_at      = CASE WHEN $2::text IN ('completed', 'failed') THEN COALESCE(completed_at, $3) ELSE completed_at END,
			result            = CASE WHEN $2::text = 'completed' THEN $4::jsonb ELSE result END,
			error             = CASE WHEN $2::text = 'failed' THEN $5::text ELSE error END,
			correlation_token = COALESCE(correlation_token, NULLIF($6::text, ''))
		WHERE id = $1 AND status = ANY($7::text[])
		RETURNING `+jobColumns,
		id, string(u.To), at, result, errMsg, u.CorrelationToken, fromStates)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update job status: %w", err)
	}

	current, getErr := s.GetJob(ctx, id)
	if getErr != nil {
		return models.Job{}, getErr
	}
	return current, ErrStatusConflict
}

// FindCorrelated returns the newest job of type t created for repo/issue that carries a correlation token.
func (s *Store) FindCorrelated(ctx context.Context, t models.JobType, repo string, issue int) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE type = $1 AND payload->>'repo' = $2 AND payload->>'issue' = $3 AND correlation_token IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, string(t), repo, strconv.Itoa(issue))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("find correlated job: %w", err)
	}
	return job, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail lists audit rows for a job, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		jobType   string
		status    string
		payload   []byte
		result    []byte
		lastErr   pgtype.Text
		token     pgtype.Text
		started   *time.Time
		completed *time.Time
	)
	if err := row.Scan(&job.ID, &jobType, &status, &payload, &result, &lastErr, &token, &job.CreatedAt, &started, &completed); err != nil {
		return models.Job{}, err
	}
	job.Type = models.JobType(jobType)
	job.Status = models.Status(status)
	job.Payload = payload
	if len(result) > 0 {
		job.Result = result
	}
	job.Error = textPtr(lastErr)
	job.CorrelationToken = textPtr(token)
	job.StartedAt = started
	job.CompletedAt = completed
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
