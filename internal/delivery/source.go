package delivery

import (
	"context"

	"github.com/basket/opsboard/internal/notify"
	"github.com/basket/opsboard/internal/persistence"
)

// LocalSource reads the queue and roster from the process's own store.
type LocalSource struct {
	Queue *notify.Queue
	Store *persistence.Store
}

func (s LocalSource) PendingBatch(ctx context.Context, limit int) ([]persistence.Notification, error) {
	return s.Queue.PendingBatch(ctx, limit)
}

func (s LocalSource) MarkDelivered(ctx context.Context, id string) error {
	return s.Queue.MarkDelivered(ctx, id)
}

func (s LocalSource) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.Queue.MarkFailed(ctx, id, errMsg)
	return err
}

func (s LocalSource) AgentByID(ctx context.Context, id string) (*persistence.Agent, error) {
	return s.Store.GetAgent(ctx, id)
}
