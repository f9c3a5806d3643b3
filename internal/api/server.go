package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/queue"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/webhook"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxWebhookBody   = 5 << 20
)

type Submitter interface {
	Submit(ctx context.Context, t models.JobType, raw json.RawMessage) (models.Job, error)
}

type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]models.Job, error)
	Ping(ctx context.Context) error
}

type QueueReader interface {
	DeadLetters(ctx context.Context, count int64) ([]queue.Entry, error)
	Ping(ctx context.Context) error
}

type Ingestor interface {
	Ingest(ctx context.Context, body []byte, signature, event string) (webhook.Outcome, error)
}

// Deps are the collaborators behind the HTTP surface. Limiter and Webhooks are optional.
type Deps struct {
	Jobs     JobReader
	Queue    QueueReader
	Submit   Submitter
	Webhooks Ingestor
	Limiter  *ratelimit.TokenBucket
	Logger   *slog.Logger
}

// Server wires HTTP handlers for the submission, query and webhook API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger.With("component", "api")}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)

	r.Group(func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Use(ratelimit.Middleware(s.deps.Limiter, ratelimit.ClientIP, s.logger))
		}
		r.Post("/jobs", s.handleSubmit)
		if s.deps.Webhooks != nil {
			r.Post("/webhooks/github", s.handleGitHubWebhook)
		}
	})
	return r
}

type submitRequest struct {
	Type    models.JobType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type submitResponse struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

type errorResponse struct {
	Error   string              `json:"error"`
	Details []models.FieldError `json:"details,omitempty"`
	Kind    string              `json:"kind,omitempty"`
	JobID   string              `json:"job_id,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_json"})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:   "validation_failed",
			Details: []models.FieldError{{Field: "type", Message: "is required"}},
		})
		return
	}
	if !models.KnownType(req.Type) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown_job_type", Kind: string(req.Type)})
		return
	}

	job, err := s.deps.Submit.Submit(r.Context(), req.Type, req.Payload)
	var (
		verr *models.ValidationError
		kerr *models.UnknownKindError
	)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, submitResponse{ID: job.ID, Status: job.Status})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_failed", Details: verr.Fields})
	case errors.As(err, &kerr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown_job_type", Kind: kerr.Kind})
	case errors.Is(err, models.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input"})
	default:
		s.logger.ErrorContext(r.Context(), "submit job failed", "type", req.Type, "job_id", job.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_server_error", JobID: job.ID})
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found"})
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "get job failed", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_server_error"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:   "validation_failed",
				Details: []models.FieldError{{Field: "limit", Message: "must be a positive integer"}},
			})
			return
		}
		limit = min(n, maxListLimit)
	}
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list jobs failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_server_error"})
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleDLQ lists the newest dead-lettered entries.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Queue.DeadLetters(r.Context(), 100)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "read dlq failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_server_error"})
		return
	}
	if items == nil {
		items = []queue.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type healthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Redis    bool   `json:"redis"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Database: s.deps.Jobs.Ping(r.Context()) == nil,
		Redis:    s.deps.Queue.Ping(r.Context()) == nil,
	}
	code := http.StatusOK
	res.Status = "ok"
	if !res.Database || !res.Redis {
		code = http.StatusInternalServerError
		res.Status = "unhealthy"
	}
	writeJSON(w, code, res)
}

func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request"})
		return
	}
	out, _ := s.deps.Webhooks.Ingest(r.Context(), body,
		r.Header.Get("X-Hub-Signature-256"),
		r.Header.Get("X-GitHub-Event"))
	writeJSON(w, out.Status, out)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
