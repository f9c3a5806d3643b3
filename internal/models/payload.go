package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// JobType discriminates job kinds. Each kind owns one payload schema.
type JobType string

const (
	TypeIssueFix    JobType = "github.issue.fix"
	TypeTaskExecute JobType = "task.execute"
)

// Payload is the closed set of kind-specific job inputs.
type Payload interface {
	Kind() JobType
	Prompt() string
}

// IssueFixPayload asks the task-runner to fix a GitHub issue and open a pull request.
type IssueFixPayload struct {
	Repo   string   `json:"repo" validate:"required"`
	Issue  int      `json:"issue" validate:"gt=0"`
	Title  string   `json:"title" validate:"required"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty" validate:"omitempty,dive,required"`
}

func (p *IssueFixPayload) Kind() JobType { return TypeIssueFix }

func (p *IssueFixPayload) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix the following GitHub issue:\n\nRepository: %s\nIssue #%d: %s\n\nDescription:\n%s\n", p.Repo, p.Issue, p.Title, p.Body)
	if len(p.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels: %s\n", strings.Join(p.Labels, ", "))
	}
	b.WriteString("\nAnalyze the issue, work out what needs to change and implement a fix.\n\n")
	fmt.Fprintf(&b, "When you are done, push your work to a new git branch and open a pull request with the \"gh\" CLI whose title starts with \"Fixes #%d\".\n", p.Issue)
	b.WriteString("The job is not finished until the pull request exists. Resolve any git problems you hit on the way.")
	return b.String()
}

// TaskExecutePayload runs a free-form prompt, optionally inside a workspace with runner settings.
type TaskExecutePayload struct {
	Text      string         `json:"prompt" validate:"required"`
	Workspace string         `json:"workspace,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

func (p *TaskExecutePayload) Kind() JobType { return TypeTaskExecute }

func (p *TaskExecutePayload) Prompt() string { return p.Text }

var kinds = map[JobType]func() Payload{
	TypeIssueFix:    func() Payload { return &IssueFixPayload{} },
	TypeTaskExecute: func() Payload { return &TaskExecutePayload{} },
}

// KnownType reports whether t names a registered job kind.
func KnownType(t JobType) bool {
	_, ok := kinds[t]
	return ok
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodePayload parses raw into the schema of kind t and validates it.
func DecodePayload(t JobType, raw json.RawMessage) (Payload, error) {
	newPayload, ok := kinds[t]
	if !ok {
		return nil, &UnknownKindError{Kind: string(t)}
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, &ValidationError{Fields: []FieldError{{Field: "payload", Message: "is required"}}}
	}

	p := newPayload()
	if err := json.Unmarshal(trimmed, p); err != nil {
		return nil, decodeError(err)
	}
	if err := ValidatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidatePayload checks p against its kind's schema tags.
func ValidatePayload(p Payload) error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fieldPath(fe.Namespace()),
			Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
		})
	}
	return out
}

// EncodePayload renders p in its canonical stored form.
func EncodePayload(p Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "payload"
		}
		return &ValidationError{Fields: []FieldError{{
			Field:   field,
			Message: fmt.Sprintf("expected %s, got %s", typeErr.Type.Kind(), typeErr.Value),
		}}}
	}
	return &ValidationError{Fields: []FieldError{{Field: "payload", Message: "malformed JSON"}}}
}

// fieldPath drops the struct name from a validator namespace: "IssueFixPayload.labels[0]" -> "labels[0]".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
