package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// exitError carries a process exit code out of a cobra RunE.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCommand() *cobra.Command {
	var home string
	root := &cobra.Command{
		Use:           "opsboard",
		Short:         "Mention-driven task board with reliable agent notifications",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home != "" {
				return os.Setenv("OPSBOARD_HOME", home)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&home, "home", "", "data directory (default: $OPSBOARD_HOME or ~/.opsboard)")

	root.AddCommand(
		newServeCommand(),
		newWorkerCommand(),
		newStatusCommand(),
		newPendingCommand(),
		newAgentsCommand(),
		newHeartbeatCommand(),
		newMCPCommand(),
		newDoctorCommand(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var ee exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "opsboard:", err)
	os.Exit(1)
}
