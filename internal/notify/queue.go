// Package notify implements the notification queue: enqueue, due-time
// scheduling with retry backoff, and delivery acknowledgements.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/subscription"
)

const (
	DefaultBatchSize = 25
	MaxBatchSize     = 100
)

var ErrNotFound = errors.New("notification not found")

// Queue wraps the notifications table. Events are published only by queues
// that are not bound to a transaction; transactional callers publish after
// commit.
type Queue struct {
	store   *persistence.Store
	tracker *subscription.Tracker
	bus     *bus.Bus
	logger  *slog.Logger
}

func New(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:   store,
		tracker: subscription.New(store),
		bus:     eventBus,
		logger:  logger,
	}
}

// WithStore returns a queue bound to store (usually a transaction copy) that
// does not publish bus events.
func (q *Queue) WithStore(store *persistence.Store) *Queue {
	return &Queue{
		store:   store,
		tracker: q.tracker.WithStore(store),
		logger:  q.logger,
	}
}

// Enqueue adds one undelivered notification, due immediately.
func (q *Queue) Enqueue(ctx context.Context, agentID, taskID, content string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", fmt.Errorf("enqueue notification: agent id is required")
	}
	id, err := q.store.InsertNotification(ctx, persistence.Notification{
		MentionedAgentID: agentID,
		TaskID:           taskID,
		Content:          content,
	})
	if err != nil {
		return "", err
	}
	q.bus.Publish(bus.TopicNotificationEnqueued, bus.NotificationEvent{NotificationID: id, AgentID: agentID, TaskID: taskID})
	return id, nil
}

// EnqueueForSubscribers enqueues content for every active subscriber of
// taskID except excludeAgentID, returning the new notification IDs.
func (q *Queue) EnqueueForSubscribers(ctx context.Context, taskID, content, excludeAgentID string) ([]string, error) {
	agentIDs, err := q.tracker.ActiveAgentIDs(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("enqueue for subscribers: %w", err)
	}
	var ids []string
	for _, agentID := range agentIDs {
		if excludeAgentID != "" && agentID == excludeAgentID {
			continue
		}
		id, err := q.Enqueue(ctx, agentID, taskID, content)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PendingBatch returns up to limit undelivered notifications that are due,
// earliest first. limit < 1 uses DefaultBatchSize; larger values are capped
// at MaxBatchSize.
func (q *Queue) PendingBatch(ctx context.Context, limit int) ([]persistence.Notification, error) {
	if limit < 1 {
		limit = DefaultBatchSize
	}
	if limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	return q.store.ListDueNotifications(ctx, q.store.Now(), limit)
}

// MarkDelivered marks a notification delivered and clears its last error.
// Marking an already delivered notification is a no-op.
func (q *Queue) MarkDelivered(ctx context.Context, id string) error {
	var agentID, taskID string
	changed := false
	err := q.store.InTx(ctx, func(tx *persistence.Store) error {
		n, err := tx.GetNotification(ctx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		agentID, taskID = n.MentionedAgentID, n.TaskID
		changed, err = tx.SetNotificationDelivered(ctx, id, tx.Now())
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		q.bus.Publish(bus.TopicNotificationDelivered, bus.NotificationEvent{NotificationID: id, AgentID: agentID, TaskID: taskID})
	}
	return nil
}

// MarkFailed records a failed delivery attempt: attempts+1, the error, and a
// next attempt time of now + Backoff(attempts). Delivered notifications are
// left untouched. It returns the updated notification.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string) (*persistence.Notification, error) {
	var updated *persistence.Notification
	err := q.store.InTx(ctx, func(tx *persistence.Store) error {
		n, err := tx.GetNotification(ctx, id)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if n.Delivered {
			updated = n
			return nil
		}
		attempts := n.DeliveryAttempts + 1
		next := tx.Now().Add(Backoff(attempts))
		if _, err := tx.SetNotificationFailure(ctx, id, attempts, errMsg, next); err != nil {
			return err
		}
		n.DeliveryAttempts = attempts
		n.LastError = errMsg
		n.NextAttemptAt = next.UTC()
		updated = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !updated.Delivered {
		q.bus.Publish(bus.TopicNotificationFailed, bus.NotificationEvent{
			NotificationID: id,
			AgentID:        updated.MentionedAgentID,
			TaskID:         updated.TaskID,
			Attempts:       updated.DeliveryAttempts,
			Error:          errMsg,
		})
		if updated.DeliveryAttempts >= 5 {
			q.logger.Warn("notification keeps failing",
				"notification_id", id, "attempts", updated.DeliveryAttempts, "next_attempt_at", updated.NextAttemptAt)
		}
	}
	return updated, nil
}

// Get returns one notification or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*persistence.Notification, error) {
	n, err := q.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return n, nil
}

// ListForAgent returns an agent's notifications newest first.
func (q *Queue) ListForAgent(ctx context.Context, agentID string, undeliveredOnly bool, limit int) ([]persistence.Notification, error) {
	return q.store.ListNotificationsForAgent(ctx, agentID, undeliveredOnly, limit)
}

// Stats summarizes the queue as of now.
func (q *Queue) Stats(ctx context.Context) (persistence.NotificationStats, error) {
	return q.store.NotificationStats(ctx, q.store.Now())
}
