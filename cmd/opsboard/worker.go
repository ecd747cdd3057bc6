package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/opsboard/internal/client"
	"github.com/basket/opsboard/internal/delivery"
)

func newWorkerCommand() *cobra.Command {
	var (
		once   bool
		remote string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the notification queue, locally or through a remote gateway",
		Long: `Runs the delivery loop outside of serve. With --remote (or worker.remote_url)
the worker talks to the gateway's HTTP API instead of opening the database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), once, remote, token)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch and exit")
	cmd.Flags().StringVar(&remote, "remote", "", "gateway URL to drain (overrides worker.remote_url)")
	cmd.Flags().StringVar(&token, "token", "", "gateway bearer token (default: auth_token)")
	return cmd
}

func runWorker(ctx context.Context, once bool, remote, token string) error {
	env, err := openRuntime(ctx, "delivery", false)
	if err != nil {
		return err
	}
	defer env.Close()
	cfg, logger := env.cfg, env.logger

	if remote == "" {
		remote = cfg.Worker.RemoteURL
	}
	if token == "" {
		token = cfg.AuthToken
	}

	var source delivery.Source
	if remote != "" {
		source = client.New(remote, token, nil)
		logger.Info("startup phase", "phase", "remote_source", "url", remote)
	} else {
		if err := env.openStore(); err != nil {
			return err
		}
		source = delivery.LocalSource{Queue: env.board.Queue(), Store: env.store}
	}

	deliverer, err := buildDeliverer(cfg)
	if err != nil {
		return startupError(logger, "E_DELIVERY_INIT", err)
	}
	worker, err := delivery.NewWorker(delivery.Config{
		Source:       source,
		Deliverer:    deliverer,
		Channel:      cfg.Delivery.Channel,
		PollInterval: cfg.Worker.PollInterval(),
		BatchSize:    cfg.Worker.BatchSize,
		Timeout:      cfg.Worker.DeliveryTimeout(),
		Addresses:    delivery.NewAddressCache(cfg.Worker.AgentCacheTTL()),
		Metrics:      env.metrics,
		Tracer:       env.otel.Tracer,
		Logger:       logger,
	})
	if err != nil {
		return startupError(logger, "E_DELIVERY_INIT", err)
	}

	if once {
		n, err := worker.Tick(ctx)
		if err != nil {
			return fmt.Errorf("worker tick: %w", err)
		}
		fmt.Printf("delivered %d notification(s)\n", n)
		return nil
	}
	logger.Info("worker started", "channel", cfg.Delivery.Channel, "poll_interval", worker.Interval().String())
	return worker.Run(ctx)
}
