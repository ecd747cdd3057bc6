package subscription_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
	"github.com/basket/opsboard/internal/subscription"
)

func setup(t *testing.T) (*persistence.Store, *shared.ManualClock) {
	t.Helper()
	clock := shared.NewManualClock(time.UnixMilli(1_760_000_000_000))
	store, err := persistence.Open(filepath.Join(t.TempDir(), "opsboard.db"), clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func TestEnsure_IdempotentLastWriterWins(t *testing.T) {
	store, clock := setup(t)
	ctx := context.Background()
	tr := subscription.New(store)

	rex, _ := store.UpsertAgent(ctx, persistence.Agent{Name: "Rex", SessionKey: "agent:rex", Enabled: true})
	task, _ := store.CreateTask(ctx, persistence.Task{Title: "t"})

	steps := []struct {
		reason persistence.SubscriptionReason
		active bool
	}{
		{persistence.ReasonCommented, true},
		{persistence.ReasonMentioned, true},
		{persistence.ReasonManual, false},
		{persistence.ReasonAssigned, true},
	}
	for _, st := range steps {
		clock.Advance(time.Second)
		if _, err := tr.Ensure(ctx, task, rex, st.reason, st.active); err != nil {
			t.Fatalf("ensure %s: %v", st.reason, err)
		}
	}

	subs, err := tr.ListForTask(ctx, task, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected one row per (task, agent), got %d", len(subs))
	}
	if subs[0].Reason != persistence.ReasonAssigned || !subs[0].Active {
		t.Fatalf("expected last write to win, got %+v", subs[0])
	}
}

func TestEnsure_RejectsInvalidReason(t *testing.T) {
	store, _ := setup(t)
	tr := subscription.New(store)
	_, err := tr.Ensure(context.Background(), "t", "a", "bored", true)
	if !errors.Is(err, subscription.ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason, got %v", err)
	}
}

func TestActiveAgentIDs(t *testing.T) {
	store, _ := setup(t)
	ctx := context.Background()
	tr := subscription.New(store)

	rex, _ := store.UpsertAgent(ctx, persistence.Agent{Name: "Rex", SessionKey: "agent:rex", Enabled: true})
	scout, _ := store.UpsertAgent(ctx, persistence.Agent{Name: "Scout", SessionKey: "agent:scout", Enabled: true})
	task, _ := store.CreateTask(ctx, persistence.Task{Title: "t"})

	if _, err := tr.Ensure(ctx, task, rex, persistence.ReasonCommented, true); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := tr.Ensure(ctx, task, scout, persistence.ReasonManual, false); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	ids, err := tr.ActiveAgentIDs(ctx, task)
	if err != nil {
		t.Fatalf("active ids: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{rex}) {
		t.Fatalf("expected only rex, got %v", ids)
	}
}
