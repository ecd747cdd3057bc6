package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/opsboard/internal/persistence"
)

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and edit the agent roster",
	}
	cmd.AddCommand(newAgentsListCommand(), newAgentsUpsertCommand())
	return cmd
}

func newAgentsListCommand() *cobra.Command {
	var (
		enabledOnly bool
		jsonOutput  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openRuntime(cmd.Context(), "cli", true)
			if err != nil {
				return err
			}
			defer env.Close()
			if err := env.openStore(); err != nil {
				return err
			}
			agents, err := env.store.ListAgents(cmd.Context(), enabledOnly)
			if err != nil {
				return err
			}
			return writeAgents(os.Stdout, agents, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled agents")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func writeAgents(w io.Writer, agents []persistence.Agent, jsonOutput bool) error {
	if jsonOutput {
		if agents == nil {
			agents = []persistence.Agent{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(agents)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSESSION\tROLE\tLEVEL\tENABLED")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", shortID(a.ID), a.Name, a.SessionKey, a.Role, a.Level, a.Enabled)
	}
	return tw.Flush()
}

func newAgentsUpsertCommand() *cobra.Command {
	var (
		in       persistence.Agent
		level    string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update an agent by session key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Level = persistence.AgentLevel(level)
			in.Enabled = !disabled
			env, err := openRuntime(cmd.Context(), "cli", true)
			if err != nil {
				return err
			}
			defer env.Close()
			if err := env.openStore(); err != nil {
				return err
			}
			id, err := env.store.UpsertAgent(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&in.SessionKey, "session-key", "", "session key, e.g. agent:scout:main (required)")
	cmd.Flags().StringVar(&in.Role, "role", "", "role description")
	cmd.Flags().StringVar(&level, "level", "", "intern, specialist or lead")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "mark the agent disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("session-key")
	return cmd
}
