package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionReason records why an agent listens to a task thread.
type SubscriptionReason string

const (
	ReasonCommented SubscriptionReason = "commented"
	ReasonMentioned SubscriptionReason = "mentioned"
	ReasonAssigned  SubscriptionReason = "assigned"
	ReasonManual    SubscriptionReason = "manual"
)

func (r SubscriptionReason) Valid() bool {
	switch r {
	case ReasonCommented, ReasonMentioned, ReasonAssigned, ReasonManual:
		return true
	}
	return false
}

// Subscription is the single (task, agent) listener row.
type Subscription struct {
	ID        string             `json:"id"`
	TaskID    string             `json:"task_id"`
	AgentID   string             `json:"agent_id"`
	Reason    SubscriptionReason `json:"reason"`
	Active    bool               `json:"active"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

const subscriptionColumns = `id, task_id, agent_id, reason, active, created_at, updated_at`

func scanSubscription(scanFn func(dest ...any) error, sub *Subscription) error {
	var active int
	var created, updated int64
	if err := scanFn(&sub.ID, &sub.TaskID, &sub.AgentID, &sub.Reason, &active, &created, &updated); err != nil {
		return err
	}
	sub.Active = active != 0
	sub.CreatedAt = fromMillis(created)
	sub.UpdatedAt = fromMillis(updated)
	return nil
}

// UpsertSubscription creates the (task, agent) row or overwrites its reason
// and active flag, keeping the original ID and created_at.
func (s *Store) UpsertSubscription(ctx context.Context, taskID, agentID string, reason SubscriptionReason, active bool) (*Subscription, error) {
	now := toMillis(s.Now())
	var sub Subscription
	err := scanSubscription(s.q.QueryRowContext(ctx, `
		INSERT INTO thread_subscriptions (id, task_id, agent_id, reason, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, agent_id) DO UPDATE SET
			reason = excluded.reason,
			active = excluded.active,
			updated_at = excluded.updated_at
		RETURNING `+subscriptionColumns+`;
	`, uuid.NewString(), taskID, agentID, reason, boolToInt(active), now, now).Scan, &sub)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns a task's subscriptions in creation order.
func (s *Store) ListSubscriptions(ctx context.Context, taskID string, activeOnly bool) ([]Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM thread_subscriptions WHERE task_id = ?`
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC;`

	rows, err := s.q.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := scanSubscription(rows.Scan, &sub); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: iterate: %w", err)
	}
	return out, nil
}
