// Package subscription maintains the per-task set of agents listening to a
// thread, and why each one is listening.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/opsboard/internal/persistence"
)

var ErrInvalidReason = errors.New("invalid subscription reason")

// Tracker is a thin rule layer over the thread_subscriptions table.
type Tracker struct {
	store *persistence.Store
}

func New(store *persistence.Store) *Tracker {
	return &Tracker{store: store}
}

// WithStore returns a tracker bound to store, typically a transaction copy.
func (t *Tracker) WithStore(store *persistence.Store) *Tracker {
	return &Tracker{store: store}
}

// Ensure upserts the (task, agent) subscription. The latest call wins for
// reason and active.
func (t *Tracker) Ensure(ctx context.Context, taskID, agentID string, reason persistence.SubscriptionReason, active bool) (*persistence.Subscription, error) {
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("ensure subscription: task and agent ids are required")
	}
	sub, err := t.store.UpsertSubscription(ctx, taskID, agentID, reason, active)
	if err != nil {
		return nil, fmt.Errorf("ensure subscription: %w", err)
	}
	return sub, nil
}

// ListForTask returns a task's subscriptions, optionally only active ones.
func (t *Tracker) ListForTask(ctx context.Context, taskID string, activeOnly bool) ([]persistence.Subscription, error) {
	return t.store.ListSubscriptions(ctx, taskID, activeOnly)
}

// ActiveAgentIDs returns the agent IDs with an active subscription on taskID.
func (t *Tracker) ActiveAgentIDs(ctx context.Context, taskID string) ([]string, error) {
	subs, err := t.store.ListSubscriptions(ctx, taskID, true)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.AgentID)
	}
	return out, nil
}
