package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusActive  AgentStatus = "active"
	AgentStatusBlocked AgentStatus = "blocked"
)

type AgentLevel string

const (
	AgentLevelIntern     AgentLevel = "intern"
	AgentLevelSpecialist AgentLevel = "specialist"
	AgentLevelLead       AgentLevel = "lead"
)

// Agent is a row in the agents table. SessionKey is unique and has the form
// <namespace>:<tail>.
type Agent struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Role       string      `json:"role"`
	Status     AgentStatus `json:"status"`
	SessionKey string      `json:"session_key"`
	Level      AgentLevel  `json:"level"`
	Enabled    bool        `json:"enabled"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

const agentColumns = `id, name, role, status, session_key, level, enabled, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, a *Agent) error {
	var enabled int
	var created, updated int64
	if err := scanFn(&a.ID, &a.Name, &a.Role, &a.Status, &a.SessionKey, &a.Level, &enabled, &created, &updated); err != nil {
		return err
	}
	a.Enabled = enabled != 0
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return nil
}

// UpsertAgent inserts an agent or updates the existing row with the same
// session key, returning the row ID.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) (string, error) {
	a.SessionKey = strings.TrimSpace(a.SessionKey)
	a.Name = strings.TrimSpace(a.Name)
	if a.SessionKey == "" {
		return "", fmt.Errorf("upsert agent: session key is required")
	}
	if a.Name == "" {
		return "", fmt.Errorf("upsert agent: name is required")
	}
	if a.Status == "" {
		a.Status = AgentStatusIdle
	}
	if a.Level == "" {
		a.Level = AgentLevelSpecialist
	}
	now := toMillis(s.Now())

	var id string
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO agents (id, name, role, status, session_key, level, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			status = excluded.status,
			level = excluded.level,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
		RETURNING id;
	`, uuid.NewString(), a.Name, a.Role, a.Status, a.SessionKey, a.Level, boolToInt(a.Enabled), now, now).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert agent: %w", err)
	}
	return id, nil
}

// GetAgent returns the agent with the given ID, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := scanAgent(s.q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id).Scan, &a)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// GetAgentBySessionKey returns the agent owning sessionKey, or nil if not found.
func (s *Store) GetAgentBySessionKey(ctx context.Context, sessionKey string) (*Agent, error) {
	var a Agent
	err := scanAgent(s.q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE session_key = ?;`, sessionKey).Scan, &a)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent by session key: %w", err)
	}
	return &a, nil
}

// ListAgents returns agents ordered by name. enabledOnly drops disabled agents.
func (s *Store) ListAgents(ctx context.Context, enabledOnly bool) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name COLLATE NOCASE ASC, id ASC;`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		var a Agent
		if err := scanAgent(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// UpdateAgentStatus sets the status field for the given agent.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ? WHERE id = ?;
	`, status, toMillis(s.Now()), id)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update agent status: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q not found", id)
	}
	return nil
}
