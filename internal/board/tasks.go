package board

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/mention"
	"github.com/basket/opsboard/internal/persistence"
)

type CreateTaskInput struct {
	Title       string                   `json:"title"`
	Description string                   `json:"description"`
	AssigneeIDs []string                 `json:"assignee_ids"`
	Priority    persistence.TaskPriority `json:"priority,omitempty"`
	CreatedBy   string                   `json:"created_by,omitempty"`
}

type CreateTaskResult struct {
	Task            persistence.Task `json:"task"`
	Mentioned       []string         `json:"mentioned"`
	NotificationIDs []string         `json:"notification_ids"`
}

// MentionedOnTask is the notification text sent to agents mentioned in a
// new task's title or description.
func MentionedOnTask(title string) string {
	return "You were mentioned on task: " + title
}

// CreateTask inserts a task. Agents mentioned in the title or description
// join the watchers, get a mentioned subscription and one notification.
// Assignees get an assigned subscription.
func (b *Board) CreateTask(ctx context.Context, in CreateTaskInput) (*CreateTaskResult, error) {
	var res CreateTaskResult
	err := b.mutate(ctx, "create_task", func(s *txScope) error {
		res = CreateTaskResult{}
		in.Title = strings.TrimSpace(in.Title)
		if in.Title == "" {
			return fmt.Errorf("%w: task title is required", ErrInvalidInput)
		}
		if !in.Priority.Valid() {
			return fmt.Errorf("%w: priority %q", ErrInvalidInput, in.Priority)
		}
		assignees := dedupe(in.AssigneeIDs)
		if err := requireAgents(ctx, s.store, assignees); err != nil {
			return err
		}
		agents, err := roster(ctx, s.store)
		if err != nil {
			return err
		}
		mentioned := mention.IDs(mention.Resolve(in.Title+"\n"+in.Description, agents))

		status := persistence.TaskStatusInbox
		if len(assignees) > 0 {
			status = persistence.TaskStatusAssigned
		}
		task := persistence.Task{
			Title:       in.Title,
			Description: in.Description,
			Status:      status,
			Priority:    in.Priority,
			AssigneeIDs: assignees,
			WatcherIDs:  union(assignees, mentioned...),
			CreatedBy:   in.CreatedBy,
		}
		task.ID, err = s.store.CreateTask(ctx, task)
		if err != nil {
			return err
		}
		now := s.store.Now().UTC()
		task.CreatedAt, task.UpdatedAt = now, now

		for _, agentID := range assignees {
			if _, err := s.tracker.Ensure(ctx, task.ID, agentID, persistence.ReasonAssigned, true); err != nil {
				return err
			}
		}
		content := MentionedOnTask(task.Title)
		for _, agentID := range mentioned {
			if _, err := s.tracker.Ensure(ctx, task.ID, agentID, persistence.ReasonMentioned, true); err != nil {
				return err
			}
			id, err := s.enqueue(ctx, agentID, task.ID, content)
			if err != nil {
				return err
			}
			res.NotificationIDs = append(res.NotificationIDs, id)
		}

		if err := s.activity(ctx, ActivityTaskCreated, fmt.Sprintf("Task created: %s", task.Title), map[string]any{
			"task_id":      task.ID,
			"assignee_ids": assignees,
			"mentioned":    mentioned,
			"created_by":   in.CreatedBy,
		}); err != nil {
			return err
		}
		s.publish(bus.TopicTaskCreated, bus.TaskEvent{
			TaskID:    task.ID,
			Status:    string(task.Status),
			AgentIDs:  assignees,
			ActorID:   in.CreatedBy,
			Mentioned: mentioned,
		})
		res.Task = task
		res.Mentioned = mentioned
		return nil
	})
	if err != nil {
		b.deny(ctx, "board.create_task", err, in.Title)
		return nil, err
	}
	b.logger.Info("task created", "task_id", res.Task.ID, "status", res.Task.Status, "mentioned", len(res.Mentioned))
	return &res, nil
}

type DelegateInput struct {
	TaskID         string `json:"task_id"`
	FromSessionKey string `json:"from_session_key"`
	ToSessionKey   string `json:"to_session_key"`
	Note           string `json:"note,omitempty"`
}

type DelegateResult struct {
	Task           persistence.Task `json:"task"`
	FromAgentID    string           `json:"from_agent_id"`
	ToAgentID      string           `json:"to_agent_id"`
	NotificationID string           `json:"notification_id"`
}

// HandoffMessage is the notification text sent to a delegate.
func HandoffMessage(from *persistence.Agent, task *persistence.Task, note string) string {
	msg := fmt.Sprintf("%s handed off part of task %q to you.", from.Name, task.Title)
	if note = strings.TrimSpace(note); note != "" {
		msg += " Note: " + note
	}
	return msg
}

// DelegatePortion adds the agent behind ToSessionKey as a co-assignee. The
// agent behind FromSessionKey must currently be assigned. Nothing is written
// when validation fails.
func (b *Board) DelegatePortion(ctx context.Context, in DelegateInput) (*DelegateResult, error) {
	var res DelegateResult
	err := b.mutate(ctx, "delegate", func(s *txScope) error {
		task, err := requireTask(ctx, s.store, in.TaskID)
		if err != nil {
			return err
		}
		from, err := agentBySession(ctx, s.store, in.FromSessionKey)
		if err != nil {
			return err
		}
		to, err := agentBySession(ctx, s.store, in.ToSessionKey)
		if err != nil {
			return err
		}
		if !task.HasAssignee(from.ID) {
			return fmt.Errorf("%w: %s on %s", ErrNotAssignee, from.SessionKey, task.ID)
		}
		if from.ID == to.ID {
			return fmt.Errorf("%w: cannot delegate to self", ErrInvalidInput)
		}

		task.AssigneeIDs = union(task.AssigneeIDs, to.ID)
		task.WatcherIDs = union(task.WatcherIDs, task.AssigneeIDs...)
		if err := s.store.UpdateTask(ctx, *task); err != nil {
			return err
		}
		task.UpdatedAt = s.store.Now().UTC()
		if _, err := s.tracker.Ensure(ctx, task.ID, to.ID, persistence.ReasonAssigned, true); err != nil {
			return err
		}
		id, err := s.enqueue(ctx, to.ID, task.ID, HandoffMessage(from, task, in.Note))
		if err != nil {
			return err
		}

		if err := s.activity(ctx, ActivityTaskDelegated, fmt.Sprintf("%s delegated %q to %s", from.Name, task.Title, to.Name), map[string]any{
			"task_id": task.ID,
			"from":    from.ID,
			"to":      to.ID,
			"note":    in.Note,
		}); err != nil {
			return err
		}
		s.publish(bus.TopicTaskDelegated, bus.TaskEvent{
			TaskID:   task.ID,
			Status:   string(task.Status),
			AgentIDs: []string{to.ID},
			ActorID:  from.ID,
		})
		res = DelegateResult{Task: *task, FromAgentID: from.ID, ToAgentID: to.ID, NotificationID: id}
		return nil
	})
	if err != nil {
		b.deny(ctx, "board.delegate", err, in.TaskID+" "+in.FromSessionKey+"->"+in.ToSessionKey)
		return nil, err
	}
	b.logger.Info("task delegated", "task_id", in.TaskID, "from", in.FromSessionKey, "to", in.ToSessionKey)
	return &res, nil
}

func agentBySession(ctx context.Context, store *persistence.Store, sessionKey string) (*persistence.Agent, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil, fmt.Errorf("%w: session key is required", ErrInvalidInput)
	}
	a, err := store.GetAgentBySessionKey(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: session %s", ErrAgentNotFound, sessionKey)
	}
	return a, nil
}

// AssignTask replaces the assignee set. Watchers keep everyone they had and
// gain the new assignees.
func (b *Board) AssignTask(ctx context.Context, taskID string, assigneeIDs []string) (*persistence.Task, error) {
	var out persistence.Task
	err := b.mutate(ctx, "assign", func(s *txScope) error {
		task, err := requireTask(ctx, s.store, taskID)
		if err != nil {
			return err
		}
		assignees := dedupe(assigneeIDs)
		if err := requireAgents(ctx, s.store, assignees); err != nil {
			return err
		}
		task.AssigneeIDs = assignees
		task.WatcherIDs = union(task.WatcherIDs, assignees...)
		if len(assignees) > 0 {
			task.Status = persistence.TaskStatusAssigned
		} else {
			task.Status = persistence.TaskStatusInbox
		}
		if err := s.store.UpdateTask(ctx, *task); err != nil {
			return err
		}
		task.UpdatedAt = s.store.Now().UTC()
		for _, agentID := range assignees {
			if _, err := s.tracker.Ensure(ctx, task.ID, agentID, persistence.ReasonAssigned, true); err != nil {
				return err
			}
		}
		if err := s.activity(ctx, ActivityTaskAssigned, fmt.Sprintf("Task assigned: %s", task.Title), map[string]any{
			"task_id":      task.ID,
			"assignee_ids": assignees,
		}); err != nil {
			return err
		}
		s.publish(bus.TopicTaskAssigned, bus.TaskEvent{TaskID: task.ID, Status: string(task.Status), AgentIDs: assignees})
		out = *task
		return nil
	})
	if err != nil {
		b.deny(ctx, "board.assign", err, taskID)
		return nil, err
	}
	return &out, nil
}

type TransitionInput struct {
	TaskID        string                 `json:"task_id"`
	Status        persistence.TaskStatus `json:"status"`
	BlockerReason string                 `json:"blocker_reason,omitempty"`
	EvidenceRef   string                 `json:"evidence_ref,omitempty"`
}

// TransitionTask moves a task to a new status. Blocked needs a blocker
// reason and done needs an evidence ref, given now or already on the task.
func (b *Board) TransitionTask(ctx context.Context, in TransitionInput) (*persistence.Task, error) {
	var out persistence.Task
	err := b.mutate(ctx, "transition", func(s *txScope) error {
		if !in.Status.Valid() {
			return fmt.Errorf("%w: status %q", ErrInvalidInput, in.Status)
		}
		task, err := requireTask(ctx, s.store, in.TaskID)
		if err != nil {
			return err
		}
		if in.Status == persistence.TaskStatusBlocked && strings.TrimSpace(in.BlockerReason) == "" {
			return fmt.Errorf("%w: blocked status requires a blocker reason", ErrInvalidInput)
		}
		evidence := task.EvidenceRef
		if in.EvidenceRef != "" {
			evidence = in.EvidenceRef
		}
		if in.Status == persistence.TaskStatusDone && strings.TrimSpace(evidence) == "" {
			return fmt.Errorf("%w: done status requires an evidence ref", ErrInvalidInput)
		}

		prev := task.Status
		task.Status = in.Status
		if in.BlockerReason != "" {
			task.BlockerReason = in.BlockerReason
		}
		task.EvidenceRef = evidence
		if err := s.store.UpdateTask(ctx, *task); err != nil {
			return err
		}
		task.UpdatedAt = s.store.Now().UTC()
		if err := s.activity(ctx, ActivityTaskTransitioned, fmt.Sprintf("%s: %s -> %s", task.Title, prev, task.Status), map[string]any{
			"task_id": task.ID,
			"from":    prev,
			"to":      task.Status,
		}); err != nil {
			return err
		}
		s.publish(bus.TopicTaskTransitioned, bus.TaskEvent{TaskID: task.ID, Status: string(task.Status)})
		out = *task
		return nil
	})
	if err != nil {
		b.deny(ctx, "board.transition", err, in.TaskID)
		return nil, err
	}
	return &out, nil
}

// Subscribe adds a manual subscription and makes the agent a watcher.
func (b *Board) Subscribe(ctx context.Context, taskID, agentID string) (*persistence.Subscription, error) {
	var out *persistence.Subscription
	err := b.mutate(ctx, "subscribe", func(s *txScope) error {
		task, err := requireTask(ctx, s.store, taskID)
		if err != nil {
			return err
		}
		if err := requireAgents(ctx, s.store, []string{agentID}); err != nil {
			return err
		}
		if !task.HasWatcher(agentID) {
			task.WatcherIDs = union(task.WatcherIDs, agentID)
			if err := s.store.UpdateTask(ctx, *task); err != nil {
				return err
			}
		}
		out, err = s.tracker.Ensure(ctx, task.ID, agentID, persistence.ReasonManual, true)
		if err != nil {
			return err
		}
		if err := s.activity(ctx, ActivityTaskSubscribed, fmt.Sprintf("Subscribed to %s", task.Title), map[string]any{
			"task_id":  task.ID,
			"agent_id": agentID,
		}); err != nil {
			return err
		}
		s.publish(bus.TopicTaskSubscribed, bus.TaskEvent{TaskID: task.ID, AgentIDs: []string{agentID}})
		return nil
	})
	if err != nil {
		b.deny(ctx, "board.subscribe", err, taskID)
		return nil, err
	}
	return out, nil
}

// NotifyWatchers enqueues content for every active subscriber of the task
// except excludeAgentID.
func (b *Board) NotifyWatchers(ctx context.Context, taskID, content, excludeAgentID string) ([]string, error) {
	var ids []string
	err := b.mutate(ctx, "notify_watchers", func(s *txScope) error {
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("%w: content is required", ErrInvalidInput)
		}
		task, err := requireTask(ctx, s.store, taskID)
		if err != nil {
			return err
		}
		ids, err = s.queue.EnqueueForSubscribers(ctx, task.ID, content, excludeAgentID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			n, err := s.store.GetNotification(ctx, id)
			if err != nil {
				return err
			}
			if n != nil {
				s.publish(bus.TopicNotificationEnqueued, bus.NotificationEvent{NotificationID: id, AgentID: n.MentionedAgentID, TaskID: task.ID})
			}
		}
		return s.activity(ctx, ActivityWatchersNotified, fmt.Sprintf("Notified %d watchers of %s", len(ids), task.Title), map[string]any{
			"task_id":          task.ID,
			"notification_ids": ids,
			"excluded":         excludeAgentID,
		})
	})
	if err != nil {
		b.deny(ctx, "board.notify_watchers", err, taskID)
		return nil, err
	}
	return ids, nil
}

// Task returns a task or ErrTaskNotFound.
func (b *Board) Task(ctx context.Context, taskID string) (*persistence.Task, error) {
	return requireTask(ctx, b.store, taskID)
}
