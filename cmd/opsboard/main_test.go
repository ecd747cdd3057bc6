package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/config"
	"github.com/basket/opsboard/internal/doctor"
	"github.com/basket/opsboard/internal/persistence"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	var got []string
	for _, c := range root.Commands() {
		got = append(got, c.Name())
	}
	for _, want := range []string{"serve", "worker", "status", "pending", "agents", "heartbeat", "mcp", "doctor"} {
		if !slices.Contains(got, want) {
			t.Errorf("missing subcommand %q (have %v)", want, got)
		}
	}
}

func TestRootCommand_HomeFlagSetsEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OPSBOARD_HOME", "")
	root := newRootCommand()
	root.SetArgs([]string{"--home", home, "agents", "list", "--json"})
	root.SetOut(io.Discard)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := config.HomeDir(); got != home {
		t.Fatalf("HomeDir = %q, want %q", got, home)
	}
}

func TestGatewayURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{name: "loopback", cfg: config.Config{BindAddr: "127.0.0.1:18790"}, want: "http://127.0.0.1:18790"},
		{name: "wildcard maps to loopback", cfg: config.Config{BindAddr: "0.0.0.0:9000"}, want: "http://127.0.0.1:9000"},
		{
			name: "remote wins",
			cfg:  config.Config{BindAddr: "127.0.0.1:1", Worker: config.WorkerConfig{RemoteURL: "https://board.example"}},
			want: "https://board.example",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gatewayURL(tt.cfg); got != tt.want {
				t.Fatalf("gatewayURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildDeliverer(t *testing.T) {
	cfg := config.Config{Delivery: config.DeliveryConfig{
		Channel: "exec",
		Exec:    config.ExecConfig{Command: "echo", Args: []string{"{address}", "{content}"}},
	}}
	d, err := buildDeliverer(cfg)
	if err != nil || d == nil {
		t.Fatalf("exec deliverer: %v %v", d, err)
	}

	cfg.Delivery.Exec.Command = ""
	if _, err := buildDeliverer(cfg); err == nil {
		t.Fatal("expected error for empty exec command")
	}

	cfg.Delivery.Channel = "pigeon"
	if _, err := buildDeliverer(cfg); err == nil || !strings.Contains(err.Error(), "pigeon") {
		t.Fatalf("expected unknown channel error, got %v", err)
	}
}

func TestSeedAgents_UpsertsBySessionKey(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "opsboard.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	seeds := []config.AgentSeed{
		{Name: "Scout", SessionKey: "agent:scout:main", Role: "research"},
		{Name: "Rex", SessionKey: "agent:rex:main", Level: "lead", Disabled: true},
	}
	if err := seedAgents(ctx, store, seeds, logger); err != nil {
		t.Fatalf("seed: %v", err)
	}
	scout, err := store.GetAgentBySessionKey(ctx, "agent:scout:main")
	if err != nil || scout == nil {
		t.Fatalf("scout lookup: %v %v", scout, err)
	}

	seeds[0].Role = "triage"
	if err := seedAgents(ctx, store, seeds, logger); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	again, _ := store.GetAgentBySessionKey(ctx, "agent:scout:main")
	if again.ID != scout.ID || again.Role != "triage" {
		t.Fatalf("reseed changed identity or kept stale role: %+v", again)
	}
	rex, _ := store.GetAgentBySessionKey(ctx, "agent:rex:main")
	if rex == nil || rex.Enabled || rex.Level != persistence.AgentLevelLead {
		t.Fatalf("rex = %+v", rex)
	}

	if err := seedAgents(ctx, store, []config.AgentSeed{{Name: "", SessionKey: "agent:x:main"}}, logger); err == nil {
		t.Fatal("expected error for nameless seed")
	}
}

func TestRenderPending(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	list := []persistence.Notification{
		{ID: "aaaaaaaa-1111", MentionedAgentID: "a1", Content: "hello\n  @Scout", NextAttemptAt: now},
		{ID: "bbbbbbbb-2222", MentionedAgentID: "a2", Content: "retry me", NextAttemptAt: now.Add(30 * time.Second),
			DeliveryAttempts: 2, LastError: "session offline"},
	}
	stats := persistence.NotificationStats{Pending: 2, Due: 1, Failing: 1}
	var buf bytes.Buffer
	renderPending(&buf, list, stats, map[string]string{"a1": "Scout"}, now, false)
	out := buf.String()

	for _, want := range []string{
		"pending=2 due=1 failing=1",
		"aaaaaaaa",
		"Scout",
		"due now",
		"hello @Scout",
		"retry in 30s",
		"a2",
		"attempts=2 last_error=session offline",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output contains ANSI escapes:\n%s", out)
	}

	buf.Reset()
	renderPending(&buf, nil, persistence.NotificationStats{}, nil, now, false)
	if !strings.Contains(buf.String(), "queue is empty") {
		t.Fatalf("empty output = %q", buf.String())
	}
}

func TestWriteAgents(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAgents(&buf, nil, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("empty json = %q", buf.String())
	}

	buf.Reset()
	agents := []persistence.Agent{{ID: "0123456789", Name: "Scout", SessionKey: "agent:scout:main", Level: "lead", Enabled: true}}
	if err := writeAgents(&buf, agents, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), "01234567") || !strings.Contains(buf.String(), "agent:scout:main") {
		t.Fatalf("table = %q", buf.String())
	}
}

func TestWriteDiagnosis(t *testing.T) {
	diag := doctor.Diagnosis{
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Results: []doctor.CheckResult{
			{Name: "Database", Status: "PASS", Message: "ok"},
			{Name: "Delivery", Status: "FAIL", Message: "command not found", Detail: "install openclaw"},
		},
	}
	var buf bytes.Buffer
	if err := writeDiagnosis(&buf, diag, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "❌ Delivery") || !strings.Contains(out, "install openclaw") {
		t.Fatalf("report = %q", out)
	}

	buf.Reset()
	if err := writeDiagnosis(&buf, diag, true); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if !strings.Contains(buf.String(), `"status": "FAIL"`) {
		t.Fatalf("json = %q", buf.String())
	}
}

func TestApplyReload(t *testing.T) {
	level := new(slog.LevelVar)
	env := &runtimeEnv{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		level:  level,
		bus:    bus.New(),
	}
	sub := env.bus.Subscribe(bus.TopicConfigReloaded)
	defer env.bus.Unsubscribe(sub)

	applyReload(env, nil, config.Reload{Config: config.Config{LogLevel: "debug"}})
	if level.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", level.Level())
	}
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicConfigReloaded {
			t.Fatalf("topic = %s", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("no reload event published")
	}

	applyReload(env, nil, config.Reload{Config: config.Config{LogLevel: "error"}, Err: errors.New("bad yaml")})
	if level.Level() != slog.LevelDebug {
		t.Fatalf("rejected reload changed level to %v", level.Level())
	}
}
