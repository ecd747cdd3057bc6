package main

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/basket/opsboard/internal/mcptools"
)

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the board tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol; logs go to the file only.
			env, err := openRuntime(cmd.Context(), "mcp", true)
			if err != nil {
				return err
			}
			defer env.Close()
			if err := env.openStore(); err != nil {
				return err
			}
			env.logger.Info("startup phase", "phase", "mcp_ready")
			return server.ServeStdio(mcptools.NewServer(env.board, Version))
		},
	}
}
