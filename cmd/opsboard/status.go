package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/opsboard/internal/client"
	"github.com/basket/opsboard/internal/config"
)

func newStatusCommand() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway health (/healthz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			if url == "" {
				url = gatewayURL(cfg)
			}
			code := runStatus(cmd.Context(), client.New(url, cfg.AuthToken, nil), os.Stdout)
			if code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "gateway URL (default: derived from bind_addr)")
	return cmd
}

// runStatus prints the health payload and returns the exit code.
func runStatus(ctx context.Context, c *client.Client, out io.Writer) int {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	health, err := c.Health(reqCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(health)
	if health["healthy"] != true {
		return 1
	}
	return 0
}
