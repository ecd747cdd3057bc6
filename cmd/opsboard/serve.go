package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/config"
	"github.com/basket/opsboard/internal/delivery"
	"github.com/basket/opsboard/internal/gateway"
	"github.com/basket/opsboard/internal/heartbeat"
	"github.com/basket/opsboard/internal/telemetry"
)

func newServeCommand() *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, delivery worker and heartbeat scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the embedded delivery worker")
	return cmd
}

func runServe(ctx context.Context, noWorker bool) error {
	env, err := openRuntime(ctx, "runtime", false)
	if err != nil {
		return err
	}
	defer env.Close()
	if err := env.openStore(); err != nil {
		return err
	}
	cfg, logger := env.cfg, env.logger

	if err := seedAgents(ctx, env.store, cfg.Agents, logger); err != nil {
		return startupError(logger, "E_AGENT_SEED", err)
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; the API is open to the network", "bind_addr", cfg.BindAddr)
		}
	}

	gw, err := gateway.New(gateway.Config{
		Board:             env.board,
		Bus:               env.bus,
		AuthToken:         cfg.AuthToken,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		Tracer:            env.otel.Tracer,
		Metrics:           env.metrics,
		Registry:          env.otel.Registry,
		Logger:            logger.With("component", "gateway"),
	})
	if err != nil {
		return startupError(logger, "E_GATEWAY_INIT", err)
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return startupError(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		return startupError(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	var worker *delivery.Worker
	if cfg.Worker.Embedded && !noWorker {
		deliverer, err := buildDeliverer(cfg)
		if err != nil {
			_ = ln.Close()
			return startupError(logger, "E_DELIVERY_INIT", err)
		}
		worker, err = delivery.NewWorker(delivery.Config{
			Source:       delivery.LocalSource{Queue: env.board.Queue(), Store: env.store},
			Deliverer:    deliverer,
			Channel:      cfg.Delivery.Channel,
			PollInterval: cfg.Worker.PollInterval(),
			BatchSize:    cfg.Worker.BatchSize,
			Timeout:      cfg.Worker.DeliveryTimeout(),
			Addresses:    delivery.NewAddressCache(cfg.Worker.AgentCacheTTL()),
			Metrics:      env.metrics,
			Tracer:       env.otel.Tracer,
			Logger:       logger.With("component", "delivery"),
		})
		if err != nil {
			_ = ln.Close()
			return startupError(logger, "E_DELIVERY_INIT", err)
		}
	}

	var sched *heartbeat.Scheduler
	if cfg.Heartbeat.Enabled {
		sched, err = heartbeat.NewScheduler(heartbeat.Config{
			Store:    env.store,
			Queue:    env.board.Queue(),
			Bus:      env.bus,
			Logger:   logger.With("component", "heartbeat"),
			Schedule: cfg.Heartbeat.Schedule,
			Window:   time.Duration(cfg.Heartbeat.WindowMinutes) * time.Minute,
		})
		if err != nil {
			_ = ln.Close()
			return startupError(logger, "E_HEARTBEAT_SCHEDULE", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	confWatcher := config.NewWatcher(cfg, logger)
	if err := confWatcher.Start(gctx); err != nil {
		_ = ln.Close()
		return startupError(logger, "E_CONFIG_WATCHER_START", err)
	}

	g.Go(func() error { return gw.ServeListener(gctx, ln) })
	if worker != nil {
		g.Go(func() error { return worker.Run(gctx) })
		logger.Info("startup phase", "phase", "worker_started", "channel", cfg.Delivery.Channel, "poll_interval", worker.Interval().String())
	}
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
		logger.Info("startup phase", "phase", "heartbeat_started", "schedule", cfg.Heartbeat.Schedule, "next", sched.Next(time.Now()))
	}
	g.Go(func() error {
		for r := range confWatcher.Reloads() {
			applyReload(env, worker, r)
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		logger.Error("serve stopped with error", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// applyReload applies the settings that can change without a restart: log
// level and poll interval.
func applyReload(env *runtimeEnv, worker *delivery.Worker, r config.Reload) {
	if r.Err != nil {
		env.logger.Error("config reload rejected; keeping previous settings", "error", r.Err)
		return
	}
	next := r.Config
	env.level.Set(telemetry.ParseLevel(next.LogLevel))
	if worker != nil && next.Worker.PollInterval() != worker.Interval() {
		worker.SetInterval(next.Worker.PollInterval())
	}
	env.bus.Publish(bus.TopicConfigReloaded, map[string]string{"fingerprint": next.Fingerprint()})
	env.logger.Info("config hot-reloaded",
		"log_level", next.LogLevel,
		"poll_interval", next.Worker.PollInterval().String(),
		"fingerprint", next.Fingerprint(),
	)
}

// buildDeliverer returns the transport selected by delivery.channel.
func buildDeliverer(cfg config.Config) (delivery.Deliverer, error) {
	switch cfg.Delivery.Channel {
	case "telegram":
		d, err := delivery.NewTelegramDeliverer(cfg.Delivery.Telegram.Token, cfg.Delivery.Telegram.ChatIDs, cfg.Delivery.Telegram.DefaultChatID)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "exec", "":
		d, err := delivery.NewExecDeliverer(cfg.Delivery.Exec.Command, cfg.Delivery.Exec.Args)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown delivery channel %q", cfg.Delivery.Channel)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}
