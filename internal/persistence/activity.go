package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActivityEvent is an append-only feed entry written by board mutations.
type ActivityEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Summary   string          `json:"summary"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

const defaultActivityLimit = 100

// RecordActivity appends a feed entry. details is marshalled to JSON; nil
// stores an empty object.
func (s *Store) RecordActivity(ctx context.Context, eventType, summary string, details any) (int64, error) {
	raw := []byte("{}")
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return 0, fmt.Errorf("record activity: marshal details: %w", err)
		}
		raw = b
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO activity_events (type, summary, details, created_at)
		VALUES (?, ?, ?, ?);
	`, eventType, summary, string(raw), toMillis(s.Now()))
	if err != nil {
		return 0, fmt.Errorf("record activity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record activity: last insert id: %w", err)
	}
	return id, nil
}

// ListActivity returns the newest feed entries first. limit <= 0 uses 100.
func (s *Store) ListActivity(ctx context.Context, limit int) ([]ActivityEvent, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, type, summary, details, created_at
		FROM activity_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	var out []ActivityEvent
	for rows.Next() {
		var ev ActivityEvent
		var details string
		var created int64
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Summary, &details, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		ev.Details = json.RawMessage(details)
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list activity: iterate: %w", err)
	}
	return out, nil
}
