package shared

import (
	"context"

	"github.com/google/uuid"
)

// Request-scoped values carried from the gateway, the MCP server and the
// worker down into the board and the logs.
type ctxKey int

const (
	traceIDKey ctxKey = iota
	actorKey
	taskIDKey
)

func lookup(ctx context.Context, key ctxKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok && v != ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// LookupTraceID reports the trace id and whether one was set.
func LookupTraceID(ctx context.Context) (string, bool) {
	return lookup(ctx, traceIDKey)
}

// TraceID returns the trace id, or "-" so log lines always carry the field.
func TraceID(ctx context.Context) string {
	if id, ok := lookup(ctx, traceIDKey); ok {
		return id
	}
	return "-"
}

// EnsureTraceID keeps an existing trace id or attaches a fresh one.
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if id, ok := lookup(ctx, traceIDKey); ok {
		return ctx, id
	}
	id := NewTraceID()
	return WithTraceID(ctx, id), id
}

func NewTraceID() string {
	return uuid.NewString()
}

// WithActor records who is driving a mutation: an agent id or session key,
// "api", "mcp" or "cli".
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// Actor returns the recorded actor, or "system".
func Actor(ctx context.Context) string {
	if v, ok := lookup(ctx, actorKey); ok {
		return v
	}
	return "system"
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

func TaskID(ctx context.Context) string {
	v, _ := lookup(ctx, taskIDKey)
	return v
}
