package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/opsboard/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir:  home,
		BindAddr: "127.0.0.1:0",
		DBPath:   filepath.Join(home, "opsboard.db"),
		Delivery: config.DeliveryConfig{
			Channel: "exec",
			Exec:    config.ExecConfig{Command: "sh", Args: []string{"-c", "true"}},
		},
		Heartbeat: config.HeartbeatConfig{Schedule: config.DefaultHeartbeatCron},
	}
}

func TestRun_HealthyLocalConfig(t *testing.T) {
	d := Run(context.Background(), testConfig(t), "test")
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if len(d.Results) != len(checks) {
		t.Fatalf("results = %d, want %d", len(d.Results), len(checks))
	}
	for i, c := range checks {
		if d.Results[i].Name != c.name {
			t.Fatalf("result %d = %s, want %s", i, d.Results[i].Name, c.name)
		}
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatalf("nil config should fail the Config check")
	}
	for _, r := range d.Results {
		want := Skip
		if r.Name == "Config" {
			want = Fail
		}
		if r.Status != want {
			t.Fatalf("%s = %s, want %s", r.Name, r.Status, want)
		}
	}
}

func TestCheckAuth(t *testing.T) {
	tests := []struct {
		name  string
		bind  string
		token string
		want  Status
	}{
		{"loopback without token", "127.0.0.1:18790", "", Pass},
		{"localhost without token", "localhost:18790", "", Pass},
		{"public without token", "0.0.0.0:18790", "", Warn},
		{"public with token", "0.0.0.0:18790", "tok", Pass},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{BindAddr: tc.bind, AuthToken: tc.token}
			if got := checkAuth(context.Background(), cfg); got.Status != tc.want {
				t.Fatalf("got %+v, want %s", got, tc.want)
			}
		})
	}
}

func TestCheckDelivery(t *testing.T) {
	cfg := testConfig(t)
	steps := []struct {
		mutate func(*config.Config)
		want   Status
	}{
		{func(c *config.Config) { c.Delivery.Exec.Command = "definitely-not-a-real-command-xyz" }, Fail},
		{func(c *config.Config) { c.Delivery.Channel, c.Delivery.Telegram.Token = "telegram", "123:abc" }, Warn},
		{func(c *config.Config) { c.Delivery.Telegram.DefaultChatID = 42 }, Pass},
		{func(c *config.Config) { c.Delivery.Channel = "pigeon" }, Fail},
	}
	for i, s := range steps {
		s.mutate(cfg)
		if got := checkDelivery(context.Background(), cfg); got.Status != s.want {
			t.Fatalf("step %d: got %+v, want %s", i, got, s.want)
		}
	}
}

func TestCheckHeartbeat(t *testing.T) {
	cfg := testConfig(t)
	if got := checkHeartbeat(context.Background(), cfg); got.Status != Skip {
		t.Fatalf("disabled sweep: got %+v", got)
	}
	cfg.Heartbeat.Enabled = true
	if got := checkHeartbeat(context.Background(), cfg); got.Status != Pass {
		t.Fatalf("enabled sweep: got %+v", got)
	}
	cfg.Heartbeat.Schedule = "every so often"
	if got := checkHeartbeat(context.Background(), cfg); got.Status != Fail {
		t.Fatalf("bad schedule: got %+v", got)
	}
}

func TestCheckConfig_Missing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Missing = true
	if got := checkConfig(context.Background(), cfg); got.Status != Warn {
		t.Fatalf("got %+v, want WARN", got)
	}
}

func TestCheckNetwork_NoRemotesSkips(t *testing.T) {
	if got := checkNetwork(context.Background(), testConfig(t)); got.Status != Skip {
		t.Fatalf("got %+v, want SKIP", got)
	}
}
