// Package webhook verifies GitHub deliveries and turns them into jobs or job notifications.
package webhook

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v73/github"
	"go.opentelemetry.io/otel/attribute"

	"job-orchestrator/internal/logger"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/notify"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

// Event kinds handled by the ingestor.
const (
	EventIssues      = "issues"
	EventPullRequest = "pull_request"
)

// Outcome codes returned in the response body.
const (
	CodeJobEnqueued        = "job_enqueued"
	CodeActionIgnored      = "action_ignored"
	CodeEventIgnored       = "event_ignored"
	CodeNoReferenceFound   = "no_reference_found"
	CodeNoMatchFound       = "no_match_found"
	CodeNotificationSent   = "notification_sent"
	CodeMissingSignature   = "missing_signature"
	CodeMalformedSignature = "malformed_signature"
	CodeInvalidSignature   = "invalid_signature"
	CodeBadRequest         = "bad_request"
	CodeInternal           = "internal_server_error"
)

var closingRef = regexp.MustCompile(`(?i)(?:fixes|closes|resolves)\s+#(\d+)`)

// AuthenticationError rejects a delivery whose signature is missing or wrong.
type AuthenticationError struct {
	Code string
	Err  error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return "webhook authentication failed: " + e.Code
	}
	return fmt.Sprintf("webhook authentication failed: %s: %v", e.Code, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Outcome is the terse machine-readable result of one delivery.
type Outcome struct {
	Status   int                 `json:"-"`
	Message  string              `json:"message,omitempty"`
	Error    string              `json:"error,omitempty"`
	Details  []models.FieldError `json:"details,omitempty"`
	JobID    string              `json:"job_id,omitempty"`
	DedupKey string              `json:"dedup_key,omitempty"`
	Issue    int                 `json:"issue,omitempty"`
}

func message(code string) Outcome {
	return Outcome{Status: http.StatusOK, Message: code}
}

func failure(status int, code string) Outcome {
	return Outcome{Status: status, Error: code}
}

type Submitter interface {
	SubmitPayload(ctx context.Context, p models.Payload) (models.Job, error)
}

type Correlator interface {
	FindCorrelated(ctx context.Context, t models.JobType, repo string, issue int) (models.Job, error)
}

type PullRequestNotifier interface {
	PullRequestOpened(ctx context.Context, job models.Job, pr notify.PullRequest)
}

type Ingestor struct {
	secret     []byte
	submitter  Submitter
	correlator Correlator
	notifier   PullRequestNotifier
	logger     *slog.Logger
}

func New(secret string, s Submitter, c Correlator, n PullRequestNotifier, logger *slog.Logger) (*Ingestor, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{secret: []byte(secret), submitter: s, correlator: c, notifier: n, logger: logger}, nil
}

// Ingest verifies and handles one delivery. The returned error is non-nil whenever the outcome is
// a rejection or failure; the outcome is always usable as a response.
func (in *Ingestor) Ingest(ctx context.Context, body []byte, signature, event string) (Outcome, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "webhook", Event: event})
	ctx, span := telemetry.Tracer("webhook").Start(ctx, "webhook.ingest")
	defer span.End()
	span.SetAttributes(attribute.String("github.event", event))

	out, err := in.ingest(ctx, body, signature, event)
	code := out.Message
	if code == "" {
		code = out.Error
	}
	span.SetAttributes(attribute.String("webhook.outcome", code))
	telemetry.WebhookEvents.WithLabelValues(eventLabel(event), code).Inc()
	if err != nil {
		span.RecordError(err)
		level := slog.LevelWarn
		if out.Status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		in.logger.Log(ctx, level, "webhook rejected", "outcome", code, "error", err)
	}
	return out, err
}

func (in *Ingestor) ingest(ctx context.Context, body []byte, signature, event string) (Outcome, error) {
	if signature == "" {
		return failure(http.StatusBadRequest, CodeMissingSignature), &AuthenticationError{Code: CodeMissingSignature}
	}
	if !wellFormed(signature) {
		return failure(http.StatusBadRequest, CodeMalformedSignature), &AuthenticationError{Code: CodeMalformedSignature}
	}
	if err := github.ValidateSignature(signature, body, in.secret); err != nil {
		return failure(http.StatusUnauthorized, CodeInvalidSignature), &AuthenticationError{Code: CodeInvalidSignature, Err: err}
	}

	switch event {
	case EventIssues:
		return in.handleIssue(ctx, body)
	case EventPullRequest:
		return in.handlePullRequest(ctx, body)
	default:
		in.logger.DebugContext(ctx, "ignoring unhandled webhook event")
		return message(CodeEventIgnored), nil
	}
}

func (in *Ingestor) handleIssue(ctx context.Context, body []byte) (Outcome, error) {
	parsed, err := github.ParseWebHook(EventIssues, body)
	if err != nil {
		return badRequest(malformed(err))
	}
	ev, ok := parsed.(*github.IssuesEvent)
	if !ok || ev.Issue == nil || ev.Repo == nil {
		return badRequest(&models.ValidationError{Fields: []models.FieldError{{Field: "issue", Message: "is required"}}})
	}

	p := &models.IssueFixPayload{
		Repo:  ev.GetRepo().GetFullName(),
		Issue: ev.GetIssue().GetNumber(),
		Title: ev.GetIssue().GetTitle(),
		Body:  ev.GetIssue().GetBody(),
	}
	for _, l := range ev.GetIssue().Labels {
		p.Labels = append(p.Labels, l.GetName())
	}
	if err := models.ValidatePayload(p); err != nil {
		return badRequest(err)
	}
	if ev.GetAction() != "opened" {
		return message(CodeActionIgnored), nil
	}

	job, err := in.submitter.SubmitPayload(ctx, p)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			return badRequest(err)
		}
		return failure(http.StatusInternalServerError, CodeInternal), fmt.Errorf("submit issue job: %w", err)
	}
	in.logger.InfoContext(ctx, "issue job enqueued", "job_id", job.ID, "repo", p.Repo, "issue", p.Issue)
	out := message(CodeJobEnqueued)
	out.JobID = job.ID
	out.DedupKey = job.DedupKey()
	out.Issue = p.Issue
	return out, nil
}

func (in *Ingestor) handlePullRequest(ctx context.Context, body []byte) (Outcome, error) {
	parsed, err := github.ParseWebHook(EventPullRequest, body)
	if err != nil {
		return badRequest(malformed(err))
	}
	ev, ok := parsed.(*github.PullRequestEvent)
	if !ok || ev.PullRequest == nil {
		return badRequest(&models.ValidationError{Fields: []models.FieldError{{Field: "pull_request", Message: "is required"}}})
	}
	if ev.GetAction() != "opened" {
		return message(CodeActionIgnored), nil
	}

	pr := ev.GetPullRequest()
	issue, ok := ClosingIssue(pr.GetTitle(), pr.GetBody())
	if !ok {
		return message(CodeNoReferenceFound), nil
	}
	repo := ev.GetRepo().GetFullName()

	job, err := in.correlator.FindCorrelated(ctx, models.TypeIssueFix, repo, issue)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !job.HasCorrelation()) {
		in.logger.InfoContext(ctx, "no correlated job for pull request", "repo", repo, "issue", issue)
		out := message(CodeNoMatchFound)
		out.Issue = issue
		return out, nil
	}
	if err != nil {
		return failure(http.StatusInternalServerError, CodeInternal), fmt.Errorf("find job for %s#%d: %w", repo, issue, err)
	}

	in.notifier.PullRequestOpened(ctx, job, notify.PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		URL:    pr.GetHTMLURL(),
	})
	out := message(CodeNotificationSent)
	out.JobID = job.ID
	out.Issue = issue
	return out, nil
}

// ClosingIssue finds the first "fixes|closes|resolves #N" reference, title first, then body.
func ClosingIssue(title, body string) (int, bool) {
	for _, s := range []string{title, body} {
		m := closingRef.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

func wellFormed(signature string) bool {
	digest, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	raw, err := hex.DecodeString(digest)
	return err == nil && len(raw) == 32
}

func malformed(err error) error {
	return &models.ValidationError{Fields: []models.FieldError{{Field: "payload", Message: "malformed JSON: " + err.Error()}}}
}

func badRequest(err error) (Outcome, error) {
	out := failure(http.StatusBadRequest, CodeBadRequest)
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		out.Details = verr.Fields
	}
	return out, err
}

// eventLabel keeps metric cardinality bounded.
func eventLabel(event string) string {
	switch event {
	case EventIssues, EventPullRequest:
		return event
	default:
		return "other"
	}
}
