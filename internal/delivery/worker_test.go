package delivery_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/basket/opsboard/internal/delivery"
	"github.com/basket/opsboard/internal/notify"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
)

var epoch = time.UnixMilli(1_760_000_000_000).UTC()

type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	panic map[string]bool
}

func (r *recorder) Deliver(_ context.Context, address, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panic[address] {
		panic("boom")
	}
	if err := r.fail[address]; err != nil {
		return err
	}
	r.calls = append(r.calls, address+"|"+content)
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type env struct {
	store *persistence.Store
	clock *shared.ManualClock
	queue *notify.Queue
	rex   string
	scout string
	task  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := shared.NewManualClock(epoch)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "opsboard.db"), clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	e := &env{store: store, clock: clock, queue: notify.New(store, nil, nil)}
	if e.rex, err = store.UpsertAgent(ctx, persistence.Agent{Name: "Rex", SessionKey: "agent:rex", Enabled: true}); err != nil {
		t.Fatalf("upsert rex: %v", err)
	}
	if e.scout, err = store.UpsertAgent(ctx, persistence.Agent{Name: "Scout", SessionKey: "agent:scout", Enabled: true}); err != nil {
		t.Fatalf("upsert scout: %v", err)
	}
	if e.task, err = store.CreateTask(ctx, persistence.Task{Title: "ship it"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return e
}

// addresses is shared by every test worker, the way one process shares it.
var addresses = delivery.NewAddressCache(time.Minute)

func (e *env) worker(t *testing.T, d delivery.Deliverer) *delivery.Worker {
	t.Helper()
	w, err := delivery.NewWorker(delivery.Config{
		Source:    delivery.LocalSource{Queue: e.queue, Store: e.store},
		Deliverer: d,
		Channel:   "test",
		Addresses: addresses,
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

func (e *env) enqueue(t *testing.T, agentID, content string) string {
	t.Helper()
	id, err := e.queue.Enqueue(context.Background(), agentID, e.task, content)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func (e *env) get(t *testing.T, id string) *persistence.Notification {
	t.Helper()
	n, err := e.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return n
}

func TestTick_DeliversAndMarks(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{}
	id := e.enqueue(t, e.rex, "@rex please review")

	n, err := e.worker(t, rec).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if got := rec.Calls(); len(got) != 1 || got[0] != "agent:rex|@rex please review" {
		t.Fatalf("calls = %v", got)
	}
	if got := e.get(t, id); !got.Delivered || got.LastError != "" {
		t.Fatalf("notification not delivered: %+v", got)
	}
}

func TestTick_UnknownAgentIsDeliveryFailure(t *testing.T) {
	e := newEnv(t)
	id := e.enqueue(t, "ghost", "hello?")

	n, err := e.worker(t, &recorder{}).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
	got := e.get(t, id)
	if got.Delivered || got.DeliveryAttempts != 1 {
		t.Fatalf("unexpected state: %+v", got)
	}
	if !strings.Contains(got.LastError, "agent ghost not found") {
		t.Fatalf("last error = %q", got.LastError)
	}
	if want := epoch.Add(10 * time.Second); !got.NextAttemptAt.Equal(want) {
		t.Fatalf("next attempt = %v, want %v", got.NextAttemptAt, want)
	}
}

func TestTick_FailureDoesNotBlockBatch(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{
		fail:  map[string]error{},
		panic: map[string]bool{"agent:scout": true},
	}
	scoutID := e.enqueue(t, e.scout, "first")
	rexID := e.enqueue(t, e.rex, "second")

	n, err := e.worker(t, rec).Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if !e.get(t, rexID).Delivered {
		t.Fatal("rex notification should be delivered despite scout panic")
	}
	scout := e.get(t, scoutID)
	if scout.Delivered || !strings.Contains(scout.LastError, "delivery panic") {
		t.Fatalf("scout notification: %+v", scout)
	}
}

func TestTick_TransportErrorBacksOff(t *testing.T) {
	e := newEnv(t)
	rec := &recorder{fail: map[string]error{"agent:rex": errors.New("session offline")}}
	id := e.enqueue(t, e.rex, "ping")
	w := e.worker(t, rec)

	ctx := context.Background()
	if _, err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got := e.get(t, id)
	if got.DeliveryAttempts != 1 || !strings.Contains(got.LastError, "session offline") {
		t.Fatalf("after first failure: %+v", got)
	}

	// Not due yet, so a second tick must not retry.
	e.clock.Advance(5 * time.Second)
	if _, err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := e.get(t, id); got.DeliveryAttempts != 1 {
		t.Fatalf("retried before due: attempts = %d", got.DeliveryAttempts)
	}

	delete(rec.fail, "agent:rex")
	e.clock.Advance(5 * time.Second)
	n, err := w.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 || !e.get(t, id).Delivered {
		t.Fatalf("expected delivery once due, delivered = %d", n)
	}
}

type flakySource struct {
	calls atomic.Int32
}

func (s *flakySource) PendingBatch(context.Context, int) ([]persistence.Notification, error) {
	s.calls.Add(1)
	return nil, errors.New("database is locked")
}
func (s *flakySource) MarkDelivered(context.Context, string) error                   { return nil }
func (s *flakySource) MarkFailed(context.Context, string, string) error              { return nil }
func (s *flakySource) AgentByID(context.Context, string) (*persistence.Agent, error) { return nil, nil }

func TestRun_SurvivesTickErrorsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &flakySource{}
	w, err := delivery.NewWorker(delivery.Config{
		Source:       src,
		Deliverer:    &recorder{},
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for src.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("worker stopped polling after %d calls", src.calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestSetInterval(t *testing.T) {
	w, err := delivery.NewWorker(delivery.Config{Source: &flakySource{}, Deliverer: &recorder{}})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if w.Interval() != delivery.DefaultPollInterval {
		t.Fatalf("default interval = %v", w.Interval())
	}
	w.SetInterval(500 * time.Millisecond)
	w.SetInterval(0)
	if w.Interval() != 500*time.Millisecond {
		t.Fatalf("interval = %v, want 500ms", w.Interval())
	}
}

func TestNewWorker_RequiresSourceAndDeliverer(t *testing.T) {
	if _, err := delivery.NewWorker(delivery.Config{Deliverer: &recorder{}}); err == nil {
		t.Fatal("expected error without source")
	}
	if _, err := delivery.NewWorker(delivery.Config{Source: &flakySource{}}); err == nil {
		t.Fatal("expected error without deliverer")
	}
}

func TestNewWorker_WithoutCacheStartsNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newEnv(t)
	id := e.enqueue(t, e.rex, "hello")
	w, err := delivery.NewWorker(delivery.Config{
		Source:    delivery.LocalSource{Queue: e.queue, Store: e.store},
		Deliverer: &recorder{},
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	if n, err := w.Tick(context.Background()); err != nil || n != 1 {
		t.Fatalf("Tick = %d, %v", n, err)
	}
	if !e.get(t, id).Delivered {
		t.Fatal("notification not delivered")
	}
	if delivery.NewAddressCache(0) != nil {
		t.Fatal("zero ttl should disable the address cache")
	}
}

func TestTick_PanickingDelivererReleasesTimeout(t *testing.T) {
	e := newEnv(t)
	id := e.enqueue(t, e.rex, "boom")
	var seen context.Context
	w := e.worker(t, delivery.DelivererFunc(func(ctx context.Context, address, content string) error {
		seen = ctx
		panic("transport exploded")
	}))
	if n, err := w.Tick(context.Background()); err != nil || n != 0 {
		t.Fatalf("Tick = %d, %v", n, err)
	}
	if seen == nil || !errors.Is(seen.Err(), context.Canceled) {
		t.Fatalf("delivery context not released after panic: %v", seen)
	}
	if n := e.get(t, id); n.Delivered || n.DeliveryAttempts != 1 {
		t.Fatalf("notification after panic = %+v", n)
	}
}
