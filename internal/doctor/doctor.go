// Package doctor runs local diagnostics for `opsboard doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/opsboard/internal/config"
	"github.com/basket/opsboard/internal/heartbeat"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
)

type Status string

const (
	Pass Status = "PASS"
	Fail Status = "FAIL"
	Warn Status = "WARN"
	Skip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == Fail {
			return true
		}
	}
	return false
}

type check struct {
	name string
	run  func(context.Context, *config.Config) CheckResult
}

// checks is the report order. Every check but Config skips on a nil config.
var checks = []check{
	{"Config", checkConfig},
	{"Auth", checkAuth},
	{"Database", checkDatabase},
	{"Permissions", checkPermissions},
	{"Delivery", checkDelivery},
	{"Heartbeat", checkHeartbeat},
	{"Network", checkNetwork},
}

// Run executes every check concurrently and reports them in a fixed order.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System:    SystemInfo{OS: runtime.GOOS, Arch: runtime.GOARCH, Go: runtime.Version(), Version: version},
		Results:   make([]CheckResult, len(checks)),
	}
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			res := CheckResult{Name: c.name, Status: Skip, Message: "Config missing"}
			if cfg != nil || c.name == "Config" {
				res = c.run(ctx, cfg)
			}
			res.Name = c.name
			d.Results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return d
}

func result(status Status, detail, format string, args ...any) CheckResult {
	return CheckResult{Status: status, Message: fmt.Sprintf(format, args...), Detail: detail}
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	switch {
	case cfg == nil:
		return result(Fail, "", "Configuration not loaded")
	case cfg.Missing:
		return result(Warn, config.ConfigPath(cfg.HomeDir), "config.yaml not found, using defaults")
	}
	return result(Pass, cfg.Fingerprint(), "Loaded from %s", cfg.HomeDir)
}

// checkAuth warns when the gateway would accept unauthenticated requests
// from other hosts.
func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	switch {
	case cfg.AuthToken != "":
		return result(Pass, shared.RedactEnvValue("OPSBOARD_AUTH_TOKEN", cfg.AuthToken), "Bearer token configured")
	case isLoopback(cfg.BindAddr):
		return result(Pass, "", "No token; gateway bound to loopback %s", cfg.BindAddr)
	}
	return result(Warn, "Set auth_token in config.yaml or OPSBOARD_AUTH_TOKEN", "No auth token while binding %s", cfg.BindAddr)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg.DBPath == "" {
		return result(Skip, "", "No database path")
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return result(Fail, cfg.DBPath, "Connection failed: %v", err)
	}
	defer store.Close()

	stats, err := store.NotificationStats(ctx, store.Now())
	if err != nil {
		return result(Fail, "", "Query failed: %v", err)
	}
	detail := fmt.Sprintf("pending=%d due=%d failing=%d max_attempts=%d", stats.Pending, stats.Due, stats.Failing, stats.MaxAttempts)
	if stats.MaxAttempts >= 5 {
		return result(Warn, detail, "Some notifications keep failing delivery")
	}
	return result(Pass, detail, "Connection and schema valid")
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	tmp, err := os.CreateTemp(cfg.HomeDir, ".doctor-*")
	if err != nil {
		return result(Fail, cfg.HomeDir, "Home dir unwritable: %v", err)
	}
	tmp.Close()
	_ = os.Remove(tmp.Name())
	return result(Pass, filepath.Clean(cfg.HomeDir), "Home directory writable")
}

func checkDelivery(_ context.Context, cfg *config.Config) CheckResult {
	switch d := cfg.Delivery; d.Channel {
	case "exec":
		path, err := exec.LookPath(d.Exec.Command)
		if err != nil {
			return result(Fail, "Notifications will stay queued and retry with backoff until the command exists",
				"%s: not found on PATH", d.Exec.Command)
		}
		return result(Pass, path+" "+strings.Join(d.Exec.Args, " "), "exec channel ready")
	case "telegram":
		if d.Telegram.Token == "" {
			return result(Fail, "", "telegram channel has no bot token")
		}
		if len(d.Telegram.ChatIDs) == 0 && d.Telegram.DefaultChatID == 0 {
			return result(Warn, "Set delivery.telegram.chat_ids or default_chat_id", "telegram channel has no chat routes")
		}
		return result(Pass, "", "telegram channel ready (%d routes)", len(d.Telegram.ChatIDs))
	default:
		return result(Fail, "", "unknown channel %q", d.Channel)
	}
}

// checkHeartbeat validates the sweep schedule even when the sweep is off, so
// enabling it later cannot fail startup.
func checkHeartbeat(_ context.Context, cfg *config.Config) CheckResult {
	next, err := heartbeat.NextRunTime(cfg.Heartbeat.Schedule, time.Now())
	if err != nil {
		return result(Fail, cfg.Heartbeat.Schedule, "invalid heartbeat schedule: %v", err)
	}
	if !cfg.Heartbeat.Enabled {
		return result(Skip, cfg.Heartbeat.Schedule, "heartbeat sweep disabled")
	}
	return result(Pass, "next run "+next.Format(time.RFC3339), "heartbeat every %q", cfg.Heartbeat.Schedule)
}

// checkNetwork resolves the hosts the worker must reach: the Telegram API
// and, for remote workers, the gateway.
func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	var hosts []string
	if cfg.Delivery.Channel == "telegram" {
		hosts = append(hosts, "api.telegram.org")
	}
	if u, err := url.Parse(cfg.Worker.RemoteURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	if len(hosts) == 0 {
		return result(Skip, "", "No remote endpoints configured")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	details := make([]string, 0, len(hosts))
	for _, host := range hosts {
		start := time.Now()
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		ms := time.Since(start).Milliseconds()
		if err != nil {
			return result(Fail, fmt.Sprintf("latency=%dms", ms), "DNS lookup failed for %s: %v", host, err)
		}
		details = append(details, fmt.Sprintf("%s=%d addrs/%dms", host, len(addrs), ms))
	}
	return result(Pass, strings.Join(details, ", "), "Resolved %d host(s)", len(hosts))
}
