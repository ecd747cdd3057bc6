package persistence

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is an immutable comment on a task. Mentions holds the agent IDs
// resolved from Content at write time.
type Message struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	FromAgentID string    `json:"from_agent_id,omitempty"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	Mentions    []string  `json:"mentions"`
	CreatedAt   time.Time `json:"created_at"`
}

const messageColumns = `id, task_id, COALESCE(from_agent_id, ''), content, attachments, mentions, created_at`

func scanMessage(scanFn func(dest ...any) error, m *Message) error {
	var attachments, mentions string
	var created int64
	if err := scanFn(&m.ID, &m.TaskID, &m.FromAgentID, &m.Content, &attachments, &mentions, &created); err != nil {
		return err
	}
	m.Attachments = decodeIDs(attachments)
	m.Mentions = decodeIDs(mentions)
	m.CreatedAt = fromMillis(created)
	return nil
}

// CreateMessage inserts m and returns its ID.
func (s *Store) CreateMessage(ctx context.Context, m Message) (string, error) {
	if strings.TrimSpace(m.TaskID) == "" {
		return "", fmt.Errorf("create message: task id is required")
	}
	id := uuid.NewString()
	now := toMillis(s.Now())
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO messages (id, task_id, from_agent_id, content, attachments, mentions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, id, m.TaskID, nullString(m.FromAgentID), m.Content, encodeIDs(m.Attachments), encodeIDs(m.Mentions), now, now)
	if err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	return id, nil
}

// ListMessages returns a task's messages newest first. limit <= 0 means all.
func (s *Store) ListMessages(ctx context.Context, taskID string, limit int) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE task_id = ? ORDER BY created_at DESC, id ASC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows.Scan, &m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: iterate: %w", err)
	}
	return out, nil
}

// CountMentionsSince counts messages created at or after since that mention agentID.
func (s *Store) CountMentionsSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT mentions FROM messages WHERE created_at >= ? AND mentions <> '[]';
	`, toMillis(since))
	if err != nil {
		return 0, fmt.Errorf("count mentions: %w", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, fmt.Errorf("scan mentions: %w", err)
		}
		if slices.Contains(decodeIDs(raw), agentID) {
			count++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("count mentions: iterate: %w", err)
	}
	return count, nil
}
