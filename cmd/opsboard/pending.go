package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/opsboard/internal/persistence"
)

func newPendingCommand() *cobra.Command {
	var (
		limit   int
		agentID string
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List undelivered notifications and queue stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := openRuntime(ctx, "cli", true)
			if err != nil {
				return err
			}
			defer env.Close()
			if err := env.openStore(); err != nil {
				return err
			}
			var list []persistence.Notification
			if agentID != "" {
				list, err = env.board.Queue().ListForAgent(ctx, agentID, true, limit)
			} else {
				list, err = env.store.ListUndeliveredNotifications(ctx, limit)
			}
			if err != nil {
				return err
			}
			stats, err := env.board.Queue().Stats(ctx)
			if err != nil {
				return err
			}
			names, err := agentNames(ctx, env.store)
			if err != nil {
				return err
			}
			styled := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
			renderPending(os.Stdout, list, stats, names, env.store.Now(), styled)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&agentID, "agent", "", "only this agent's notifications")
	return cmd
}

func agentNames(ctx context.Context, store *persistence.Store) (map[string]string, error) {
	agents, err := store.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(agents))
	for _, a := range agents {
		out[a.ID] = a.Name
	}
	return out, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

func renderPending(w io.Writer, list []persistence.Notification, st persistence.NotificationStats, names map[string]string, now time.Time, styled bool) {
	paint := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, paint(headerStyle, fmt.Sprintf("pending=%d due=%d failing=%d delivered=%d max_attempts=%d",
		st.Pending, st.Due, st.Failing, st.Delivered, st.MaxAttempts)))
	if len(list) == 0 {
		fmt.Fprintln(w, paint(dimStyle, "queue is empty"))
		return
	}
	for _, n := range list {
		who := names[n.MentionedAgentID]
		if who == "" {
			who = n.MentionedAgentID
		}
		when := "due now"
		style := dueStyle
		if n.NextAttemptAt.After(now) {
			when = "retry in " + n.NextAttemptAt.Sub(now).Round(time.Second).String()
			style = dimStyle
		}
		line := fmt.Sprintf("%-8s %-16s %-18s %s", shortID(n.ID), clip(who, 16), when, clip(oneLine(n.Content), 60))
		fmt.Fprintln(w, paint(style, line))
		if n.LastError != "" {
			fmt.Fprintln(w, paint(failStyle, fmt.Sprintf("         attempts=%d last_error=%s", n.DeliveryAttempts, clip(oneLine(n.LastError), 80))))
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
