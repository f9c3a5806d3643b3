package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with the context.
type LogFields struct {
	JobID     string
	WorkerID  string
	Event     string // webhook event kind
	Component string
}

// WithLogFields merges fields into ctx; non-empty values win over what is already there.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := GetLogFields(ctx)
	if fields.JobID != "" {
		merged.JobID = fields.JobID
	}
	if fields.WorkerID != "" {
		merged.WorkerID = fields.WorkerID
	}
	if fields.Event != "" {
		merged.Event = fields.Event
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}
