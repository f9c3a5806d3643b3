package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/trace"

	"job-orchestrator/internal/config"
)

// New builds a trace-aware text or json logger writing to w (stdout when nil).
func New(cfg config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level := new(slog.Level)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = new(slog.Level)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewTraceHandler(handler))
}

// Setup installs the process-wide default logger. Production deployments with an OTLP
// endpoint send records through the otelslog bridge instead of stdout.
func Setup(cfg config.Config) *slog.Logger {
	var l *slog.Logger
	if cfg.IsProduction() && cfg.OTel.Enabled() {
		l = slog.New(NewTraceHandler(otelslog.NewHandler(
			cfg.OTel.ServiceName,
			otelslog.WithLoggerProvider(global.GetLoggerProvider()),
		)))
	} else {
		l = New(cfg, os.Stdout)
	}
	slog.SetDefault(l)
	return l
}

type TraceHandler struct {
	slog.Handler
}

func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	fields := GetLogFields(ctx)
	if fields.JobID != "" {
		r.AddAttrs(slog.String("job_id", fields.JobID))
	}
	if fields.WorkerID != "" {
		r.AddAttrs(slog.String("worker_id", fields.WorkerID))
	}
	if fields.Event != "" {
		r.AddAttrs(slog.String("event", fields.Event))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}

	return h.Handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}
