// Package heartbeat answers "does this agent have anything to act on?" and
// periodically nudges agents that do.
package heartbeat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/opsboard/internal/persistence"
)

const (
	DefaultWindow = time.Hour
	maxAssigned   = 20
)

type Result struct {
	ShouldAct     bool               `json:"should_act"`
	QuietExit     bool               `json:"quiet_exit"`
	Since         time.Time          `json:"since"`
	Now           time.Time          `json:"now"`
	AgentID       string             `json:"agent_id,omitempty"`
	AssignedCount int                `json:"assigned_count"`
	MentionCount  int                `json:"mention_count"`
	BoardDelta    bool               `json:"board_delta"`
	Assigned      []persistence.Task `json:"assigned"`
}

// Check reports the open tasks assigned to the agent behind sessionKey and
// the messages mentioning it since the given time. A zero since means the
// last hour. An unknown session key yields zero counts, not an error.
func Check(ctx context.Context, store *persistence.Store, sessionKey string, since time.Time) (*Result, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil, fmt.Errorf("heartbeat check: session key is required")
	}
	now := store.Now().UTC()
	if since.IsZero() {
		since = now.Add(-DefaultWindow)
	}
	res := &Result{Since: since.UTC(), Now: now, Assigned: []persistence.Task{}}

	changed, err := store.ListTasks(ctx, persistence.TaskFilter{UpdatedSince: since})
	if err != nil {
		return nil, fmt.Errorf("heartbeat check: %w", err)
	}
	res.BoardDelta = len(changed) > 0

	agent, err := store.GetAgentBySessionKey(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("heartbeat check: %w", err)
	}
	if agent != nil {
		res.AgentID = agent.ID
		for _, t := range changed {
			if t.Status != persistence.TaskStatusDone && t.HasAssignee(agent.ID) {
				res.Assigned = append(res.Assigned, t)
			}
		}
		res.AssignedCount = len(res.Assigned)
		if len(res.Assigned) > maxAssigned {
			res.Assigned = res.Assigned[:maxAssigned]
		}
		res.MentionCount, err = store.CountMentionsSince(ctx, agent.ID, since)
		if err != nil {
			return nil, fmt.Errorf("heartbeat check: %w", err)
		}
	}

	res.ShouldAct = res.AssignedCount > 0 || res.MentionCount > 0 || res.BoardDelta
	res.QuietExit = !res.ShouldAct
	return res, nil
}

// NudgeText is the notification body sent to an agent with pending work.
func NudgeText(r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Heartbeat: %d open assigned task(s), %d mention(s) since %s.",
		r.AssignedCount, r.MentionCount, r.Since.Format(time.RFC3339))
	for _, t := range r.Assigned {
		fmt.Fprintf(&b, "\n- [%s] %s", t.Status, t.Title)
	}
	return b.String()
}
