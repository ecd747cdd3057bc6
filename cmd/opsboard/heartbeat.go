package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/opsboard/internal/heartbeat"
)

func newHeartbeatCommand() *cobra.Command {
	var (
		sessionKey string
		since      time.Duration
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Check whether an agent has work to act on",
		Long:  "Prints HEARTBEAT_OK when there is nothing to do, otherwise a nudge summary.",
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
			var from time.Time
			if since > 0 {
				from = env.store.Now().Add(-since)
			}
			res, err := heartbeat.Check(cmd.Context(), env.store, sessionKey, from)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			if res.QuietExit {
				fmt.Println("HEARTBEAT_OK")
				return nil
			}
			fmt.Println(heartbeat.NudgeText(res))
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "agent session key (required)")
	cmd.Flags().DurationVar(&since, "since", heartbeat.DefaultWindow, "look-back window")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the full result as JSON")
	_ = cmd.MarkFlagRequired("session-key")
	return cmd
}
