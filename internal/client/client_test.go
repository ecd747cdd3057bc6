package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/opsboard/internal/board"
	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/client"
	"github.com/basket/opsboard/internal/delivery"
	"github.com/basket/opsboard/internal/gateway"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
)

type remoteEnv struct {
	client *client.Client
	board  *board.Board
	store  *persistence.Store
	rex    *persistence.Agent
	scout  *persistence.Agent
}

func newRemoteEnv(t *testing.T) *remoteEnv {
	t.Helper()
	clock := shared.NewManualClock(time.UnixMilli(1_760_000_000_000).UTC())
	store, err := persistence.Open(filepath.Join(t.TempDir(), "opsboard.db"), clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	eventBus := bus.New()
	b := board.New(board.Config{Store: store, Bus: eventBus})
	gw, err := gateway.New(gateway.Config{Board: b, Bus: eventBus, AuthToken: "tok"})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	c := client.New(srv.URL, "tok", nil)
	ctx := context.Background()
	rex, err := c.UpsertAgent(ctx, client.AgentInput{Name: "Rex", SessionKey: "agent:rex"})
	if err != nil {
		t.Fatalf("upsert rex: %v", err)
	}
	scout, err := c.UpsertAgent(ctx, client.AgentInput{Name: "Scout", SessionKey: "agent:scout"})
	if err != nil {
		t.Fatalf("upsert scout: %v", err)
	}
	return &remoteEnv{client: c, board: b, store: store, rex: rex, scout: scout}
}

func TestRemoteWorkerDrainsQueue(t *testing.T) {
	env := newRemoteEnv(t)
	ctx := context.Background()

	task, err := env.board.CreateTask(ctx, board.CreateTaskInput{Title: "Remote", AssigneeIDs: []string{env.rex.ID}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := env.board.PostMessage(ctx, board.PostMessageInput{TaskID: task.Task.ID, FromAgentID: env.rex.ID, Content: "@scout @Rex look"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	var mu sync.Mutex
	got := map[string]string{}
	w, err := delivery.NewWorker(delivery.Config{
		Source: env.client,
		Deliverer: delivery.DelivererFunc(func(_ context.Context, address, content string) error {
			mu.Lock()
			defer mu.Unlock()
			if address == "agent:rex" {
				return errors.New("rex offline")
			}
			got[address] = content
			return nil
		}),
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	n, err := w.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 || got["agent:scout"] != "@scout @Rex look" {
		t.Fatalf("expected one delivery to scout, got n=%d %v", n, got)
	}

	st, err := env.client.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Delivered != 1 || st.Failing != 1 || st.Due != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestAgentByID_NotFoundIsNil(t *testing.T) {
	env := newRemoteEnv(t)
	a, err := env.client.AgentByID(context.Background(), "ghost")
	if err != nil || a != nil {
		t.Fatalf("expected nil, nil for unknown agent, got %+v, %v", a, err)
	}
	a, err = env.client.AgentByID(context.Background(), env.scout.ID)
	if err != nil || a == nil || a.SessionKey != "agent:scout" {
		t.Fatalf("expected scout, got %+v, %v", a, err)
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	env := newRemoteEnv(t)
	err := env.client.MarkDelivered(context.Background(), "nope")
	if !client.IsNotFound(err) {
		t.Fatalf("expected 404 APIError, got %v", err)
	}

	bad := client.New(env.client.BaseURL(), "wrong", nil)
	_, err = bad.ListAgents(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestHeartbeatAndHealth(t *testing.T) {
	env := newRemoteEnv(t)
	ctx := context.Background()
	if _, err := env.board.CreateTask(ctx, board.CreateTaskInput{Title: "Open", AssigneeIDs: []string{env.scout.ID}}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	hb, err := env.client.Heartbeat(ctx, "agent:scout", time.Time{})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !hb.ShouldAct || hb.AssignedCount != 1 {
		t.Fatalf("unexpected heartbeat: %+v", hb)
	}
	health, err := env.client.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health["healthy"] != true {
		t.Fatalf("expected healthy, got %v", health)
	}
}

func TestNewAddsScheme(t *testing.T) {
	if got := client.New("127.0.0.1:18790/", "", nil).BaseURL(); got != "http://127.0.0.1:18790" {
		t.Fatalf("unexpected base url %q", got)
	}
}
