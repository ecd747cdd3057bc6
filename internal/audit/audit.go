// Package audit keeps an append-only record of allow/deny decisions: rejected
// credentials, refused delegations and invalid board mutations.
//
// Entries go to <home>/logs/audit.jsonl and, once a database is attached,
// to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/opsboard/internal/shared"
)

const (
	Allow = "allow"
	Deny  = "deny"
)

// trail is the process-wide audit sink.
type trail struct {
	mu     sync.Mutex
	out    io.WriteCloser
	log    *slog.Logger
	db     *sql.DB
	denies atomic.Int64
}

var std trail

// Init opens <home>/logs/audit.jsonl for appending. Calling it again before
// Close is a no-op.
func Init(homeDir string) error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.out != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	std.out = f
	std.log = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{ReplaceAttr: auditAttr}))
	return nil
}

// auditAttr renames the slog builtins to the audit schema: the time becomes
// a UTC "timestamp", the message becomes "action" and the level is dropped.
func auditAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
	case slog.MessageKey:
		a.Key = "action"
	case slog.LevelKey:
		return slog.Attr{}
	}
	return a
}

// SetDB mirrors entries into the audit_log table. Record must not be called
// from inside a store transaction: the store runs on one connection.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = d
}

func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = nil
	std.log = nil
	if std.out == nil {
		return nil
	}
	err := std.out.Close()
	std.out = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return std.denies.Load()
}

// Record appends one decision. Reason and subject are redacted first.
func Record(ctx context.Context, decision, action, reason, subject string) {
	if decision == Deny {
		std.denies.Add(1)
	}
	reason, subject = shared.Redact(reason), shared.Redact(subject)
	traceID := shared.TraceID(ctx)
	attrs := []slog.Attr{
		slog.String("trace_id", traceID),
		slog.String("decision", decision),
		slog.String("reason", reason),
		slog.String("actor", shared.Actor(ctx)),
	}
	if subject != "" {
		attrs = append(attrs, slog.String("subject", subject))
	}

	std.mu.Lock()
	defer std.mu.Unlock()
	if std.log != nil {
		std.log.LogAttrs(ctx, slog.LevelInfo, action, attrs...)
	}
	if std.db != nil {
		_, _ = std.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason)
	}
}
