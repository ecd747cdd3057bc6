package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/opsboard/internal/audit"
	"github.com/basket/opsboard/internal/board"
	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/config"
	otelPkg "github.com/basket/opsboard/internal/otel"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/telemetry"
)

// runtimeEnv is the shared process state of the long-running commands.
type runtimeEnv struct {
	cfg      config.Config
	logger   *slog.Logger
	level    *slog.LevelVar
	otel     *otelPkg.Provider
	metrics  *otelPkg.Metrics
	store    *persistence.Store
	bus      *bus.Bus
	board    *board.Board
	closers  []io.Closer
	shutdown []func(context.Context) error
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openRuntime loads config, then brings up audit, logging and telemetry in
// that order. Commands that touch the database follow with openStore.
func openRuntime(ctx context.Context, component string, quiet bool) (*runtimeEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, startupError(nil, "E_CONFIG_LOAD", err)
	}
	env := &runtimeEnv{cfg: cfg}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, startupError(nil, "E_AUDIT_INIT", err)
	}
	env.closers = append(env.closers, closerFunc(audit.Close))

	logger, level, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, component, quiet)
	if err != nil {
		env.Close()
		return nil, startupError(nil, "E_LOGGER_INIT", err)
	}
	env.logger, env.level = logger, level
	env.closers = append(env.closers, closer)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint(), "defaults", cfg.Missing)

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		env.Close()
		return nil, startupError(logger, "E_OTEL_INIT", err)
	}
	env.otel = provider
	env.shutdown = append(env.shutdown, provider.Shutdown)
	if env.metrics, err = otelPkg.NewMetrics(provider.Meter); err != nil {
		env.Close()
		return nil, startupError(logger, "E_OTEL_METRICS", err)
	}

	return env, nil
}

// openStore opens and migrates the database and builds the board on it.
func (e *runtimeEnv) openStore() error {
	store, err := persistence.Open(e.cfg.DBPath, nil)
	if err != nil {
		return startupError(e.logger, "E_STORE_OPEN", err)
	}
	e.store = store
	e.closers = append(e.closers, store)
	audit.SetDB(store.DB())
	e.logger.Info("startup phase", "phase", "schema_migrated", "db_path", e.cfg.DBPath)

	e.bus = bus.New()
	e.board = board.New(board.Config{
		Store:   store,
		Bus:     e.bus,
		Metrics: e.metrics,
		Tracer:  e.otel.Tracer,
		Logger:  e.logger,
	})
	return nil
}

// Close flushes telemetry, then closes resources in reverse open order.
func (e *runtimeEnv) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, fn := range e.shutdown {
		_ = fn(shutdownCtx)
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}

// seedAgents upserts the roster from config.yaml by session key.
func seedAgents(ctx context.Context, store *persistence.Store, seeds []config.AgentSeed, logger *slog.Logger) error {
	for _, s := range seeds {
		id, err := store.UpsertAgent(ctx, persistence.Agent{
			Name:       s.Name,
			SessionKey: s.SessionKey,
			Role:       s.Role,
			Level:      persistence.AgentLevel(s.Level),
			Enabled:    !s.Disabled,
		})
		if err != nil {
			return fmt.Errorf("seed agent %s: %w", s.SessionKey, err)
		}
		logger.Debug("agent seeded", "agent_id", id, "session_key", s.SessionKey)
	}
	if len(seeds) > 0 {
		logger.Info("startup phase", "phase", "agents_seeded", "count", len(seeds))
	}
	return nil
}

// startupError records a structured startup failure with a reason code and
// returns it for the command to exit on.
func startupError(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

// gatewayURL is where CLI commands reach the gateway: worker.remote_url when
// set, else the local bind address.
func gatewayURL(cfg config.Config) string {
	if cfg.Worker.RemoteURL != "" {
		return cfg.Worker.RemoteURL
	}
	addr := strings.TrimSpace(cfg.BindAddr)
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	}
	return "http://" + addr
}
