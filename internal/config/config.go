package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBindAddr        = "127.0.0.1:18790"
	DefaultPollIntervalMS  = 2000
	DefaultBatchSize       = 25
	DefaultDeliveryTimeout = 30
	DefaultHeartbeatCron   = "*/15 * * * *"
)

// WorkerConfig controls the notification delivery loop.
type WorkerConfig struct {
	// Embedded runs the worker inside `serve`. Disable when an external
	// `opsboard worker` process drains the queue.
	Embedded               bool   `yaml:"embedded"`
	PollIntervalMS         int    `yaml:"poll_interval_ms"`
	BatchSize              int    `yaml:"batch_size"`
	DeliveryTimeoutSeconds int    `yaml:"delivery_timeout_seconds"`
	AgentCacheTTLSeconds   int    `yaml:"agent_cache_ttl_seconds"`
	RemoteURL              string `yaml:"remote_url"`
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

func (w WorkerConfig) DeliveryTimeout() time.Duration {
	return time.Duration(w.DeliveryTimeoutSeconds) * time.Second
}

func (w WorkerConfig) AgentCacheTTL() time.Duration {
	return time.Duration(w.AgentCacheTTLSeconds) * time.Second
}

// ExecConfig describes the external session-messaging command. Args may use
// the {address} and {content} placeholders.
type ExecConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`
	// ChatIDs maps agent session keys to Telegram chat IDs.
	ChatIDs       map[string]int64 `yaml:"chat_ids"`
	DefaultChatID int64            `yaml:"default_chat_id"`
}

// DeliveryConfig selects how notifications reach agents: "exec" or "telegram".
type DeliveryConfig struct {
	Channel  string         `yaml:"channel"`
	Exec     ExecConfig     `yaml:"exec"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type HeartbeatConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	WindowMinutes int    `yaml:"window_minutes"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RateLimitConfig throttles /api requests per bearer token, or per remote
// address when no token is sent.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// AgentSeed is a roster entry upserted by session key at startup.
type AgentSeed struct {
	Name       string `yaml:"name"`
	SessionKey string `yaml:"session_key"`
	Role       string `yaml:"role"`
	Level      string `yaml:"level"`
	Disabled   bool   `yaml:"disabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`
	DBPath    string `yaml:"db_path"`

	// AllowOrigins lists browser origins accepted by the gateway. Empty means
	// local-only.
	AllowOrigins []string        `yaml:"allow_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`

	Worker    WorkerConfig    `yaml:"worker"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Agents    []AgentSeed     `yaml:"agents"`

	// Missing reports that config.yaml did not exist and defaults were used.
	Missing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that matter at runtime.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|poll=%d|batch=%d|timeout=%d|channel=%s|heartbeat=%t:%s|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.Worker.PollIntervalMS, c.Worker.BatchSize,
		c.Worker.DeliveryTimeoutSeconds, c.Delivery.Channel, c.Heartbeat.Enabled, c.Heartbeat.Schedule, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: DefaultBindAddr,
		LogLevel: "info",
		Worker: WorkerConfig{
			Embedded:               true,
			PollIntervalMS:         DefaultPollIntervalMS,
			BatchSize:              DefaultBatchSize,
			DeliveryTimeoutSeconds: DefaultDeliveryTimeout,
			AgentCacheTTLSeconds:   30,
		},
		Delivery: DeliveryConfig{
			Channel: "exec",
			Exec: ExecConfig{
				Command: "openclaw",
				Args:    []string{"sessions", "send", "--session", "{address}", "--message", "{content}"},
			},
		},
		Heartbeat: HeartbeatConfig{
			Enabled:       false,
			Schedule:      DefaultHeartbeatCron,
			WindowMinutes: 60,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			BurstSize:         60,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp",
			ServiceName: "opsboard",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("OPSBOARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".opsboard")
}

// Load reads config.yaml from HomeDir, then applies env overrides and
// defaults for anything left unset.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create opsboard home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "opsboard.db")
	}
	if cfg.Worker.PollIntervalMS <= 0 {
		cfg.Worker.PollIntervalMS = DefaultPollIntervalMS
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = DefaultBatchSize
	}
	if cfg.Worker.DeliveryTimeoutSeconds <= 0 {
		cfg.Worker.DeliveryTimeoutSeconds = DefaultDeliveryTimeout
	}
	if cfg.Worker.AgentCacheTTLSeconds < 0 {
		cfg.Worker.AgentCacheTTLSeconds = 0
	}
	cfg.Worker.RemoteURL = strings.TrimRight(strings.TrimSpace(cfg.Worker.RemoteURL), "/")
	cfg.Delivery.Channel = strings.ToLower(strings.TrimSpace(cfg.Delivery.Channel))
	if cfg.Delivery.Channel == "" {
		cfg.Delivery.Channel = "exec"
	}
	if strings.TrimSpace(cfg.Heartbeat.Schedule) == "" {
		cfg.Heartbeat.Schedule = DefaultHeartbeatCron
	}
	if cfg.Heartbeat.WindowMinutes <= 0 {
		cfg.Heartbeat.WindowMinutes = 60
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 60
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "opsboard"
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func validate(cfg Config) error {
	switch cfg.Delivery.Channel {
	case "exec":
		if strings.TrimSpace(cfg.Delivery.Exec.Command) == "" {
			return fmt.Errorf("delivery.exec.command is required for the exec channel")
		}
	case "telegram":
		if cfg.Delivery.Telegram.Token == "" {
			return fmt.Errorf("delivery.telegram.token (or TELEGRAM_BOT_TOKEN) is required for the telegram channel")
		}
	default:
		return fmt.Errorf("unknown delivery channel %q (want exec or telegram)", cfg.Delivery.Channel)
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if strings.TrimSpace(a.SessionKey) == "" || strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("agents: every entry needs name and session_key")
		}
		if seen[a.SessionKey] {
			return fmt.Errorf("agents: duplicate session_key %q", a.SessionKey)
		}
		seen[a.SessionKey] = true
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OPSBOARD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("OPSBOARD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OPSBOARD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("OPSBOARD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("OPSBOARD_URL"); raw != "" {
		cfg.Worker.RemoteURL = raw
	}
	if raw := os.Getenv("NOTIFICATION_POLL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.PollIntervalMS = v
		}
	}
	if raw := os.Getenv("OPSBOARD_DELIVERY_CHANNEL"); raw != "" {
		cfg.Delivery.Channel = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Delivery.Telegram.Token = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
