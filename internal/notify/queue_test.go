package notify_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/notify"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
	"github.com/basket/opsboard/internal/subscription"
)

var epoch = time.UnixMilli(1_760_000_000_000).UTC()

type fixture struct {
	store *persistence.Store
	clock *shared.ManualClock
	bus   *bus.Bus
	queue *notify.Queue
	rex   string
	scout string
	ada   string
	task  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := shared.NewManualClock(epoch)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "opsboard.db"), clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	f := &fixture{store: store, clock: clock, bus: bus.New()}
	f.queue = notify.New(store, f.bus, nil)
	for _, a := range []struct {
		dst       *string
		name, key string
	}{
		{&f.rex, "Rex", "agent:rex"},
		{&f.scout, "Scout", "agent:scout"},
		{&f.ada, "Ada", "agent:ada"},
	} {
		id, err := store.UpsertAgent(ctx, persistence.Agent{Name: a.name, SessionKey: a.key, Enabled: true})
		if err != nil {
			t.Fatalf("upsert agent: %v", err)
		}
		*a.dst = id
	}
	f.task, err = store.CreateTask(ctx, persistence.Task{Title: "t"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return f
}

func TestEnqueue_DueImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.bus.Subscribe("notification.")
	defer f.bus.Unsubscribe(sub)

	id, err := f.queue.Enqueue(ctx, f.rex, f.task, "hello")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := f.queue.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if n.Delivered || n.DeliveryAttempts != 0 || !n.NextAttemptAt.Equal(epoch) {
		t.Fatalf("unexpected fresh notification: %+v", n)
	}
	batch, err := f.queue.PendingBatch(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != id {
		t.Fatalf("expected fresh notification in batch, got %+v", batch)
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicNotificationEnqueued {
			t.Fatalf("unexpected topic %s", ev.Topic)
		}
	default:
		t.Fatal("expected enqueue event")
	}
}

func TestEnqueueForSubscribers_ExcludesAuthorAndInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := subscription.New(f.store)
	_, _ = tr.Ensure(ctx, f.task, f.rex, persistence.ReasonCommented, true)
	_, _ = tr.Ensure(ctx, f.task, f.scout, persistence.ReasonMentioned, true)
	_, _ = tr.Ensure(ctx, f.task, f.ada, persistence.ReasonManual, false)

	ids, err := f.queue.EnqueueForSubscribers(ctx, f.task, "update", f.rex)
	if err != nil {
		t.Fatalf("enqueue for subscribers: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(ids))
	}
	n, _ := f.queue.Get(ctx, ids[0])
	if n.MentionedAgentID != f.scout {
		t.Fatalf("expected scout to be notified, got %s", n.MentionedAgentID)
	}
}

func TestPendingBatch_FiltersOrdersAndLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 30; i++ {
		id, err := f.queue.Enqueue(ctx, f.rex, f.task, fmt.Sprintf("n%d", i))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
		f.clock.Advance(time.Millisecond)
	}
	if err := f.queue.MarkDelivered(ctx, ids[0]); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := f.queue.MarkFailed(ctx, ids[1], "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	batch, err := f.queue.PendingBatch(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(batch) != notify.DefaultBatchSize {
		t.Fatalf("expected default limit %d, got %d", notify.DefaultBatchSize, len(batch))
	}
	now := f.clock.Now()
	for i, n := range batch {
		if n.Delivered || n.NextAttemptAt.After(now) {
			t.Fatalf("batch contains ineligible notification: %+v", n)
		}
		if n.ID == ids[0] || n.ID == ids[1] {
			t.Fatalf("batch contains delivered or backed-off notification %s", n.ID)
		}
		if i > 0 && n.NextAttemptAt.Before(batch[i-1].NextAttemptAt) {
			t.Fatalf("batch not ordered by next attempt at index %d", i)
		}
	}
	if batch[0].ID != ids[2] {
		t.Fatalf("expected earliest due first, got %s", batch[0].ID)
	}

	big, err := f.queue.PendingBatch(ctx, 500)
	if err != nil {
		t.Fatalf("pending big: %v", err)
	}
	if len(big) != 28 {
		t.Fatalf("expected all 28 eligible rows, got %d", len(big))
	}
}

func TestMarkFailed_ExactBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.queue.Enqueue(ctx, f.rex, f.task, "x")

	want := []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 16 * time.Second}
	for i, delay := range want {
		before := f.clock.Now()
		n, err := f.queue.MarkFailed(ctx, id, fmt.Sprintf("err %d", i+1))
		if err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if n.DeliveryAttempts != i+1 {
			t.Fatalf("expected attempts %d, got %d", i+1, n.DeliveryAttempts)
		}
		if got := n.NextAttemptAt.Sub(before); got != delay {
			t.Fatalf("attempt %d: expected delay %v, got %v", i+1, delay, got)
		}
		stored, _ := f.queue.Get(ctx, id)
		if !stored.NextAttemptAt.Equal(n.NextAttemptAt) || stored.LastError != fmt.Sprintf("err %d", i+1) {
			t.Fatalf("stored row diverges: %+v vs %+v", stored, n)
		}

		// Not due until the backoff elapses.
		batch, _ := f.queue.PendingBatch(ctx, 10)
		if len(batch) != 0 {
			t.Fatalf("expected nothing due during backoff, got %d", len(batch))
		}
		f.clock.Advance(delay)
		batch, _ = f.queue.PendingBatch(ctx, 10)
		if len(batch) != 1 {
			t.Fatalf("expected notification due after backoff, got %d", len(batch))
		}
	}
}

func TestMarkDelivered_IdempotentAndTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _ := f.queue.Enqueue(ctx, f.rex, f.task, "x")
	if _, err := f.queue.MarkFailed(ctx, id, "first"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := f.queue.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	first, _ := f.queue.Get(ctx, id)
	if !first.Delivered || first.LastError != "" || first.DeliveredAt == nil {
		t.Fatalf("unexpected delivered row: %+v", first)
	}

	f.clock.Advance(time.Minute)
	if err := f.queue.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("second deliver: %v", err)
	}
	n, err := f.queue.MarkFailed(ctx, id, "late failure")
	if err != nil {
		t.Fatalf("fail after deliver: %v", err)
	}
	if !n.Delivered {
		t.Fatal("expected delivered to stay terminal")
	}
	again, _ := f.queue.Get(ctx, id)
	if !again.DeliveredAt.Equal(*first.DeliveredAt) || again.DeliveryAttempts != 1 || again.LastError != "" {
		t.Fatalf("expected no change after delivered, got %+v", again)
	}
}

func TestMarks_UnknownID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.queue.MarkDelivered(ctx, "missing"); !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.queue.MarkFailed(ctx, "missing", "x"); !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithStore_EnqueueRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stop := errors.New("stop")
	err := f.store.InTx(ctx, func(tx *persistence.Store) error {
		if _, err := f.queue.WithStore(tx).Enqueue(ctx, f.rex, f.task, "x"); err != nil {
			return err
		}
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected stop, got %v", err)
	}
	st, err := f.queue.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Pending != 0 {
		t.Fatalf("expected rollback to drop notification, got %+v", st)
	}
}
