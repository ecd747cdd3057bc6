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

// Notification is a queued message for one agent. Rows are never deleted;
// Delivered is terminal.
type Notification struct {
	ID               string     `json:"id"`
	MentionedAgentID string     `json:"mentioned_agent_id"`
	TaskID           string     `json:"task_id,omitempty"`
	Content          string     `json:"content"`
	Delivered        bool       `json:"delivered"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	DeliveryAttempts int        `json:"delivery_attempts"`
	NextAttemptAt    time.Time  `json:"next_attempt_at"`
	LastError        string     `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NotificationStats summarizes the queue for health and metrics surfaces.
type NotificationStats struct {
	Pending     int `json:"pending"`
	Due         int `json:"due"`
	Delivered   int `json:"delivered"`
	Failing     int `json:"failing"`
	MaxAttempts int `json:"max_attempts"`
}

const notificationColumns = `id, mentioned_agent_id, COALESCE(task_id, ''), content, delivered, delivered_at,
	delivery_attempts, next_attempt_at, COALESCE(last_error, ''), created_at, updated_at`

func scanNotification(scanFn func(dest ...any) error, n *Notification) error {
	var delivered int
	var deliveredAt sql.NullInt64
	var next, created, updated int64
	if err := scanFn(&n.ID, &n.MentionedAgentID, &n.TaskID, &n.Content, &delivered, &deliveredAt,
		&n.DeliveryAttempts, &next, &n.LastError, &created, &updated); err != nil {
		return err
	}
	n.Delivered = delivered != 0
	if deliveredAt.Valid {
		t := fromMillis(deliveredAt.Int64)
		n.DeliveredAt = &t
	}
	n.NextAttemptAt = fromMillis(next)
	n.CreatedAt = fromMillis(created)
	n.UpdatedAt = fromMillis(updated)
	return nil
}

// InsertNotification stores an undelivered notification with zero attempts.
// A zero NextAttemptAt means due immediately.
func (s *Store) InsertNotification(ctx context.Context, n Notification) (string, error) {
	if strings.TrimSpace(n.MentionedAgentID) == "" {
		return "", fmt.Errorf("insert notification: agent id is required")
	}
	now := s.Now()
	if n.NextAttemptAt.IsZero() {
		n.NextAttemptAt = now
	}
	id := uuid.NewString()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO notifications (id, mentioned_agent_id, task_id, content, delivered,
			delivery_attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?);
	`, id, n.MentionedAgentID, nullString(n.TaskID), n.Content, toMillis(n.NextAttemptAt), toMillis(now), toMillis(now))
	if err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}
	return id, nil
}

// GetNotification returns the notification with the given ID, or nil if not found.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	err := scanNotification(s.q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?;`, id).Scan, &n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return &n, nil
}

// ListDueNotifications returns undelivered notifications whose next attempt is
// at or before now, earliest first.
func (s *Store) ListDueNotifications(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE delivered = 0 AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC, id ASC
		LIMIT ?;
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due notifications: %w", err)
	}
	return collectNotifications(rows)
}

// ListNotificationsForAgent returns an agent's notifications newest first.
func (s *Store) ListNotificationsForAgent(ctx context.Context, agentID string, undeliveredOnly bool, limit int) ([]Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE mentioned_agent_id = ?`
	if undeliveredOnly {
		query += ` AND delivered = 0`
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?;`
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, query, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent notifications: %w", err)
	}
	return collectNotifications(rows)
}

// ListUndeliveredNotifications returns every undelivered notification, soonest
// next attempt first, due or not.
func (s *Store) ListUndeliveredNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications
		WHERE delivered = 0 ORDER BY next_attempt_at ASC, created_at ASC, id ASC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered notifications: %w", err)
	}
	return collectNotifications(rows)
}

func collectNotifications(rows *sql.Rows) ([]Notification, error) {
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := scanNotification(rows.Scan, &n); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: iterate: %w", err)
	}
	return out, nil
}

// SetNotificationDelivered flips an undelivered row to delivered and clears
// its last error. It reports false when the row was already delivered or
// does not exist.
func (s *Store) SetNotificationDelivered(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE notifications
		SET delivered = 1, delivered_at = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND delivered = 0;
	`, toMillis(at), toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("mark notification delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification delivered: rows affected: %w", err)
	}
	return n > 0, nil
}

// SetNotificationFailure records a failed attempt on an undelivered row.
func (s *Store) SetNotificationFailure(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE notifications
		SET delivery_attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND delivered = 0;
	`, attempts, lastError, toMillis(nextAttemptAt), toMillis(s.Now()), id)
	if err != nil {
		return false, fmt.Errorf("mark notification failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification failed: rows affected: %w", err)
	}
	return n > 0, nil
}

// NotificationStats counts queue rows relative to now.
func (s *Store) NotificationStats(ctx context.Context, now time.Time) (NotificationStats, error) {
	var st NotificationStats
	err := s.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN delivered = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered = 0 AND next_attempt_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered = 0 AND delivery_attempts > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(MAX(CASE WHEN delivered = 0 THEN delivery_attempts ELSE 0 END), 0)
		FROM notifications;
	`, toMillis(now)).Scan(&st.Pending, &st.Due, &st.Delivered, &st.Failing, &st.MaxAttempts)
	if err != nil {
		return st, fmt.Errorf("notification stats: %w", err)
	}
	return st, nil
}
