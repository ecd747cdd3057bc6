package board

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/mention"
	"github.com/basket/opsboard/internal/persistence"
)

type PostMessageInput struct {
	TaskID      string   `json:"task_id"`
	FromAgentID string   `json:"from_agent_id,omitempty"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

type PostMessageResult struct {
	Message         persistence.Message `json:"message"`
	NotificationIDs []string            `json:"notification_ids"`
}

// PostMessage stores a message, subscribes its author as a commenter, and
// subscribes and notifies every agent it mentions.
func (b *Board) PostMessage(ctx context.Context, in PostMessageInput) (*PostMessageResult, error) {
	var res PostMessageResult
	err := b.mutate(ctx, "post_message", func(s *txScope) error {
		res = PostMessageResult{}
		if strings.TrimSpace(in.Content) == "" {
			return fmt.Errorf("%w: message content is required", ErrInvalidInput)
		}
		task, err := requireTask(ctx, s.store, in.TaskID)
		if err != nil {
			return err
		}
		if in.FromAgentID != "" {
			if err := requireAgents(ctx, s.store, []string{in.FromAgentID}); err != nil {
				return err
			}
		}
		agents, err := roster(ctx, s.store)
		if err != nil {
			return err
		}
		mentioned := mention.IDs(mention.Resolve(in.Content, agents))

		msg := persistence.Message{
			TaskID:      task.ID,
			FromAgentID: in.FromAgentID,
			Content:     in.Content,
			Attachments: in.Attachments,
			Mentions:    mentioned,
		}
		msg.ID, err = s.store.CreateMessage(ctx, msg)
		if err != nil {
			return err
		}
		msg.CreatedAt = s.store.Now().UTC()

		if in.FromAgentID != "" {
			if _, err := s.tracker.Ensure(ctx, task.ID, in.FromAgentID, persistence.ReasonCommented, true); err != nil {
				return err
			}
		}
		for _, agentID := range mentioned {
			if _, err := s.tracker.Ensure(ctx, task.ID, agentID, persistence.ReasonMentioned, true); err != nil {
				return err
			}
			id, err := s.enqueue(ctx, agentID, task.ID, in.Content)
			if err != nil {
				return err
			}
			res.NotificationIDs = append(res.NotificationIDs, id)
		}

		if err := s.activity(ctx, ActivityMessagePosted, fmt.Sprintf("Message on %q", task.Title), map[string]any{
			"task_id":       task.ID,
			"message_id":    msg.ID,
			"from_agent_id": in.FromAgentID,
			"mentions":      mentioned,
		}); err != nil {
			return err
		}
		s.publish(bus.TopicMessageCreated, bus.MessageEvent{
			MessageID:   msg.ID,
			TaskID:      task.ID,
			FromAgentID: in.FromAgentID,
			Mentions:    mentioned,
		})
		res.Message = msg
		return nil
	})
	if err != nil {
		b.deny(ctx, "board.post_message", err, in.TaskID)
		return nil, err
	}
	b.logger.Info("message posted",
		"task_id", in.TaskID, "message_id", res.Message.ID, "mentions", len(res.Message.Mentions))
	return &res, nil
}

// Messages lists a task's messages newest first.
func (b *Board) Messages(ctx context.Context, taskID string, limit int) ([]persistence.Message, error) {
	if _, err := requireTask(ctx, b.store, taskID); err != nil {
		return nil, err
	}
	return b.store.ListMessages(ctx, taskID, limit)
}
