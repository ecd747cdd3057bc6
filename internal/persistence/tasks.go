package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusInbox      TaskStatus = "inbox"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusBlocked    TaskStatus = "blocked"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusInbox, TaskStatusAssigned, TaskStatusInProgress, TaskStatusReview, TaskStatusDone, TaskStatusBlocked:
		return true
	}
	return false
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Valid accepts the empty priority (unset) as well as the four levels.
func (p TaskPriority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Task struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        TaskStatus   `json:"status"`
	Priority      TaskPriority `json:"priority,omitempty"`
	AssigneeIDs   []string     `json:"assignee_ids"`
	WatcherIDs    []string     `json:"watcher_ids"`
	BlockerReason string       `json:"blocker_reason,omitempty"`
	EvidenceRef   string       `json:"evidence_ref,omitempty"`
	CreatedBy     string       `json:"created_by,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (t *Task) HasAssignee(agentID string) bool {
	return slices.Contains(t.AssigneeIDs, agentID)
}

func (t *Task) HasWatcher(agentID string) bool {
	return slices.Contains(t.WatcherIDs, agentID)
}

// TaskFilter narrows ListTasks. Zero fields do not filter.
type TaskFilter struct {
	Status       TaskStatus
	AssigneeID   string
	UpdatedSince time.Time
	ExcludeDone  bool
	Limit        int
}

const taskColumns = `id, title, description, status, priority, assignee_ids, watcher_ids,
	blocker_reason, evidence_ref, created_by, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var assignees, watchers string
	var created, updated int64
	if err := scanFn(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &assignees, &watchers,
		&t.BlockerReason, &t.EvidenceRef, &t.CreatedBy, &created, &updated); err != nil {
		return err
	}
	t.AssigneeIDs = decodeIDs(assignees)
	t.WatcherIDs = decodeIDs(watchers)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return nil
}

// CreateTask inserts t with a fresh ID and timestamps and returns the ID.
func (s *Store) CreateTask(ctx context.Context, t Task) (string, error) {
	if strings.TrimSpace(t.Title) == "" {
		return "", fmt.Errorf("create task: title is required")
	}
	if t.Status == "" {
		t.Status = TaskStatusInbox
	}
	id := uuid.NewString()
	now := toMillis(s.Now())
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, assignee_ids, watcher_ids,
			blocker_reason, evidence_ref, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, id, t.Title, t.Description, t.Status, t.Priority, encodeIDs(t.AssigneeIDs), encodeIDs(t.WatcherIDs),
		t.BlockerReason, t.EvidenceRef, t.CreatedBy, now, now)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// GetTask returns the task with the given ID, or nil if not found.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	err := scanTask(s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan, &t)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// UpdateTask writes the mutable task fields and bumps updated_at.
func (s *Store) UpdateTask(ctx context.Context, t Task) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, priority = ?, assignee_ids = ?, watcher_ids = ?,
			blocker_reason = ?, evidence_ref = ?, updated_at = ?
		WHERE id = ?;
	`, t.Status, t.Priority, encodeIDs(t.AssigneeIDs), encodeIDs(t.WatcherIDs),
		t.BlockerReason, t.EvidenceRef, toMillis(s.Now()), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update task: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("task %q not found", t.ID)
	}
	return nil
}

// ListTasks returns tasks newest-updated first. The assignee filter runs in
// Go because assignee_ids is a JSON array column.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ExcludeDone {
		where = append(where, "status <> 'done'")
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, toMillis(f.UpdatedSince))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id ASC;`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if f.AssigneeID != "" && !t.HasAssignee(f.AssigneeID) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: iterate: %w", err)
	}
	return out, nil
}
