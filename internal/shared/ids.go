package shared

import (
	"context"

	"github.com/google/uuid"
)

// NewRunID mints an opaque run identifier.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// NewTaskID mints a scheduled-task identifier.
func NewTaskID() string {
	return "task_" + uuid.NewString()
}

// NewTaskRunID mints a task-run identifier.
func NewTaskRunID() string {
	return "taskrun_" + uuid.NewString()
}

// NewSessionID mints an agent session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

type traceKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// TruncateForChat bounds user-visible error text for chat transports.
func TruncateForChat(s string, max int) string {
	if max <= 0 {
		max = 180
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
