// Package mcptools exposes board operations as MCP tools so agents can
// create tasks, post messages and hand off work over stdio.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/basket/opsboard/internal/board"
	"github.com/basket/opsboard/internal/heartbeat"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
)

type Tools struct {
	board *board.Board
}

func New(b *board.Board) *Tools {
	return &Tools{board: b}
}

// NewServer returns an MCP server with every board tool registered.
func NewServer(b *board.Board, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"opsboard",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Coordinate work on the opsboard. Mention teammates with @name in messages to subscribe and notify them."),
	)
	New(b).Register(s)
	return s
}

func (t *Tools) Register(s *server.MCPServer) {
	s.AddTool(createTaskTool(), t.CreateTask)
	s.AddTool(postMessageTool(), t.PostMessage)
	s.AddTool(delegateTaskTool(), t.DelegateTask)
	s.AddTool(listSubscriptionsTool(), t.ListSubscriptions)
	s.AddTool(listNotificationsTool(), t.ListNotifications)
	s.AddTool(heartbeatTool(), t.Heartbeat)
}

func createTaskTool() mcp.Tool {
	return mcp.NewTool("create_task",
		mcp.WithDescription("Create a task. Agents @mentioned in the title or description are subscribed and notified."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Longer description; may contain @mentions")),
		mcp.WithArray("assignee_ids", mcp.Description("Agent IDs to assign"), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("priority", mcp.Description("low, medium, high or urgent")),
		mcp.WithString("created_by", mcp.Description("Creating agent ID")),
	)
}

func postMessageTool() mcp.Tool {
	return mcp.NewTool("post_message",
		mcp.WithDescription("Post a message on a task. The author is subscribed; every @mentioned agent is subscribed and notified."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("from_agent_id", mcp.Description("Authoring agent ID")),
	)
}

func delegateTaskTool() mcp.Tool {
	return mcp.NewTool("delegate_task",
		mcp.WithDescription("Hand off part of a task you are assigned to another agent. They become a co-assignee and get a handoff notification."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithString("from_session_key", mcp.Required(), mcp.Description("Your session key")),
		mcp.WithString("to_session_key", mcp.Required(), mcp.Description("Recipient session key")),
		mcp.WithString("note", mcp.Description("What you are handing off")),
	)
}

func listSubscriptionsTool() mcp.Tool {
	return mcp.NewTool("list_subscriptions",
		mcp.WithDescription("List the agents subscribed to a task and why."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task ID")),
		mcp.WithBoolean("active_only", mcp.Description("Only active subscriptions (default true)")),
	)
}

func listNotificationsTool() mcp.Tool {
	return mcp.NewTool("list_notifications",
		mcp.WithDescription("List an agent's notifications, newest first."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
		mcp.WithBoolean("undelivered_only", mcp.Description("Only notifications not yet delivered")),
		mcp.WithNumber("limit", mcp.Description("Max results (default 20)")),
	)
}

func heartbeatTool() mcp.Tool {
	return mcp.NewTool("heartbeat_check",
		mcp.WithDescription("Check whether an agent has open assigned tasks or recent mentions."),
		mcp.WithString("session_key", mcp.Required(), mcp.Description("Agent session key")),
	)
}

func (t *Tools) CreateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("'title' is required"), nil
	}
	res, err := t.board.CreateTask(ctx, board.CreateTaskInput{
		Title:       title,
		Description: req.GetString("description", ""),
		AssigneeIDs: stringsArg(req, "assignee_ids"),
		Priority:    persistence.TaskPriority(req.GetString("priority", "")),
		CreatedBy:   req.GetString("created_by", ""),
	})
	if err != nil {
		return toolError("create task", err), nil
	}
	return jsonResult(fmt.Sprintf("Created task %s (%s), notified %d agent(s).", res.Task.ID, res.Task.Status, len(res.NotificationIDs)), res)
}

func (t *Tools) PostMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("'content' is required"), nil
	}
	from := req.GetString("from_agent_id", "")
	if from != "" {
		ctx = shared.WithActor(ctx, from)
	}
	res, err := t.board.PostMessage(ctx, board.PostMessageInput{TaskID: taskID, FromAgentID: from, Content: content})
	if err != nil {
		return toolError("post message", err), nil
	}
	return jsonResult(fmt.Sprintf("Posted message %s, notified %d agent(s).", res.Message.ID, len(res.NotificationIDs)), res)
}

func (t *Tools) DelegateTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var missing []string
	args := map[string]string{}
	for _, key := range []string{"task_id", "from_session_key", "to_session_key"} {
		v, err := req.RequireString(key)
		if err != nil || strings.TrimSpace(v) == "" {
			missing = append(missing, "'"+key+"'")
			continue
		}
		args[key] = v
	}
	if len(missing) > 0 {
		return mcp.NewToolResultError(strings.Join(missing, ", ") + " required"), nil
	}
	ctx = shared.WithActor(ctx, args["from_session_key"])
	res, err := t.board.DelegatePortion(ctx, board.DelegateInput{
		TaskID:         args["task_id"],
		FromSessionKey: args["from_session_key"],
		ToSessionKey:   args["to_session_key"],
		Note:           req.GetString("note", ""),
	})
	if err != nil {
		return toolError("delegate", err), nil
	}
	return jsonResult(fmt.Sprintf("Delegated to %s; task now has %d assignee(s).", args["to_session_key"], len(res.Task.AssigneeIDs)), res)
}

func (t *Tools) ListSubscriptions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}
	subs, err := t.board.Subscriptions(ctx, taskID, boolArg(req, "active_only", true))
	if err != nil {
		return toolError("list subscriptions", err), nil
	}
	if len(subs) == 0 {
		return mcp.NewToolResultText("No subscriptions on this task."), nil
	}
	return jsonResult(fmt.Sprintf("%d subscription(s):", len(subs)), subs)
}

func (t *Tools) ListNotifications(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("'agent_id' is required"), nil
	}
	limit := intArg(req, "limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}
	list, err := t.board.Queue().ListForAgent(ctx, agentID, boolArg(req, "undelivered_only", false), limit)
	if err != nil {
		return toolError("list notifications", err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No notifications."), nil
	}
	return jsonResult(fmt.Sprintf("%d notification(s):", len(list)), list)
}

func (t *Tools) Heartbeat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("session_key")
	if err != nil {
		return mcp.NewToolResultError("'session_key' is required"), nil
	}
	res, err := heartbeat.Check(ctx, t.board.Store(), key, time.Time{})
	if err != nil {
		return toolError("heartbeat", err), nil
	}
	if !res.ShouldAct {
		return mcp.NewToolResultText("HEARTBEAT_OK"), nil
	}
	return mcp.NewToolResultText(heartbeat.NudgeText(res)), nil
}

// intArg reads a numeric argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, def int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return def
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, def bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return def
	}
	return v
}

// stringsArg reads a JSON array of strings; non-string items are skipped.
func stringsArg(req mcp.CallToolRequest, key string) []string {
	raw, ok := req.GetArguments()[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toolError(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, board.ErrTaskNotFound), errors.Is(err, board.ErrAgentNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("%s: not found: %v", op, err))
	case errors.Is(err, board.ErrNotAssignee):
		return mcp.NewToolResultError(fmt.Sprintf("%s: not allowed: %v", op, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

func jsonResult(summary string, v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(summary + "\n\n" + string(raw)), nil
}
