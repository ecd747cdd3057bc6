package bus

// Board event topics. Subscribing to "task." or "notification." selects a family.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskAssigned     = "task.assigned"
	TopicTaskTransitioned = "task.transitioned"
	TopicTaskDelegated    = "task.delegated"
	TopicTaskSubscribed   = "task.subscribed"
	TopicMessageCreated   = "message.created"

	TopicNotificationEnqueued  = "notification.enqueued"
	TopicNotificationDelivered = "notification.delivered"
	TopicNotificationFailed    = "notification.failed"

	TopicHeartbeatNudged = "heartbeat.nudged"
	TopicConfigReloaded  = "config.reloaded"
)

// TaskEvent is published after a task mutation commits.
type TaskEvent struct {
	TaskID    string   `json:"task_id"`
	Status    string   `json:"status,omitempty"`
	AgentIDs  []string `json:"agent_ids,omitempty"`
	ActorID   string   `json:"actor_id,omitempty"`
	Mentioned []string `json:"mentioned,omitempty"`
}

// MessageEvent is published after a message and its fan-out commit.
type MessageEvent struct {
	MessageID   string   `json:"message_id"`
	TaskID      string   `json:"task_id"`
	FromAgentID string   `json:"from_agent_id,omitempty"`
	Mentions    []string `json:"mentions,omitempty"`
}

// NotificationEvent tracks a notification through the queue.
type NotificationEvent struct {
	NotificationID string `json:"notification_id"`
	AgentID        string `json:"agent_id,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	Error          string `json:"error,omitempty"`
}

// HeartbeatEvent is published when the scheduler nudges an agent.
type HeartbeatEvent struct {
	AgentID       string `json:"agent_id"`
	SessionKey    string `json:"session_key"`
	AssignedCount int    `json:"assigned_count"`
	MentionCount  int    `json:"mention_count"`
}

// TaskIDOf returns the task a payload belongs to, or "" when it is not tied
// to a task.
func TaskIDOf(payload any) string {
	switch p := payload.(type) {
	case TaskEvent:
		return p.TaskID
	case MessageEvent:
		return p.TaskID
	case NotificationEvent:
		return p.TaskID
	}
	return ""
}
