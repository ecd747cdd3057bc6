package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/opsboard/internal/shared"
)

// NewLogger writes JSON lines to <home>/logs/system.jsonl, and to stdout
// unless quiet. The returned LevelVar lets config reloads change verbosity.
func NewLogger(homeDir, level, component string, quiet bool) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	logger, lv := NewWriterLogger(w, level, component)
	return logger, lv, file, nil
}

// NewWriterLogger builds the same redacting JSON logger over an arbitrary
// writer. CLI commands that must not touch the home directory use it.
func NewWriterLogger(w io.Writer, level, component string) (*slog.Logger, *slog.LevelVar) {
	if component == "" {
		component = "runtime"
	}
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))
	json := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv, ReplaceAttr: redactAttr})
	return slog.New(&contextHandler{Handler: json, component: component}), lv
}

// contextHandler stamps every record with component and trace_id, plus
// actor and task_id when the context carries them. Keys already bound
// through With are left alone so a line never repeats a key, and a later
// With("component", ...) replaces the component instead of adding another.
type contextHandler struct {
	slog.Handler
	component string
	bound     map[string]bool
}

var contextKeys = []string{"trace_id", "actor", "task_id"}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("component", h.component))
	for _, key := range contextKeys {
		if h.bound[key] {
			continue
		}
		if v, ok := contextValue(ctx, key); ok {
			r.AddAttrs(slog.String(key, v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &contextHandler{component: h.component, bound: make(map[string]bool, len(h.bound)+len(attrs))}
	for k := range h.bound {
		next.bound[k] = true
	}
	kept := attrs[:0:0]
	for _, a := range attrs {
		if a.Key == "component" {
			next.component = a.Value.String()
			continue
		}
		next.bound[a.Key] = true
		kept = append(kept, a)
	}
	next.Handler = h.Handler.WithAttrs(kept)
	return next
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name), component: h.component, bound: h.bound}
}

// contextValue resolves one context key. trace_id always resolves, to "-"
// outside a request.
func contextValue(ctx context.Context, key string) (string, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch key {
	case "trace_id":
		return shared.TraceID(ctx), true
	case "actor":
		actor := shared.Actor(ctx)
		return actor, actor != "system"
	case "task_id":
		task := shared.TaskID(ctx)
		return task, task != ""
	}
	return "", false
}

// ForContext binds the request fields carried by ctx onto logger, for code
// that logs without passing ctx along.
func ForContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	var attrs []any
	for _, key := range contextKeys {
		if v, ok := contextValue(ctx, key); ok && (key != "trace_id" || v != "-") {
			attrs = append(attrs, key, v)
		}
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

var sensitiveKeys = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	key := strings.ToLower(a.Key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return slog.String(a.Key, "[REDACTED]")
	}
	if redacted := shared.Redact(v); redacted != v {
		return slog.String(a.Key, redacted)
	}
	return a
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
