package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/opsboard/internal/board"
	"github.com/basket/opsboard/internal/heartbeat"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
)

func intParam(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// timeParam accepts RFC 3339 or unix milliseconds.
func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or unix ms", errBadBody, name)
	}
	return t, nil
}

// Agents.

type upsertAgentRequest struct {
	Name       string                  `json:"name"`
	SessionKey string                  `json:"session_key"`
	Role       string                  `json:"role"`
	Level      persistence.AgentLevel  `json:"level"`
	Status     persistence.AgentStatus `json:"status"`
	Enabled    *bool                   `json:"enabled"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context(), boolParam(r, "enabled"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if agents == nil {
		agents = []persistence.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var req upsertAgentRequest
	if err := s.schemas.decode(r, "agent.upsert", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	id, err := s.store.UpsertAgent(r.Context(), persistence.Agent{
		Name:       req.Name,
		SessionKey: req.SessionKey,
		Role:       req.Role,
		Level:      req.Level,
		Status:     req.Status,
		Enabled:    enabled,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if agent == nil {
		s.writeErr(w, r, fmt.Errorf("%w: %s", board.ErrAgentNotFound, r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentBySession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	agent, err := s.store.GetAgentBySessionKey(r.Context(), key)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if agent == nil {
		s.writeErr(w, r, fmt.Errorf("%w: session %s", board.ErrAgentNotFound, key))
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.queue.ListForAgent(r.Context(), r.PathValue("id"), boolParam(r, "undelivered"), intParam(r, "limit", 50))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []persistence.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

// Tasks.

type assignRequest struct {
	AssigneeIDs []string `json:"assignee_ids"`
}

type transitionRequest struct {
	Status        persistence.TaskStatus `json:"status"`
	BlockerReason string                 `json:"blocker_reason"`
	EvidenceRef   string                 `json:"evidence_ref"`
}

type delegateRequest struct {
	FromSessionKey string `json:"from_session_key"`
	ToSessionKey   string `json:"to_session_key"`
	Note           string `json:"note"`
}

type notifyRequest struct {
	Content        string `json:"content"`
	ExcludeAgentID string `json:"exclude_agent_id"`
}

type subscribeRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	since, err := timeParam(r, "updated_since")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), persistence.TaskFilter{
		Status:       persistence.TaskStatus(r.URL.Query().Get("status")),
		AssigneeID:   r.URL.Query().Get("assignee_id"),
		UpdatedSince: since,
		ExcludeDone:  boolParam(r, "open"),
		Limit:        intParam(r, "limit", 100),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in board.CreateTaskInput
	if err := s.schemas.decode(r, "task.create", &in); err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.cfg.Board.CreateTask(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Board.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := s.schemas.decode(r, "task.assign", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	task, err := s.cfg.Board.AssignTask(r.Context(), r.PathValue("id"), req.AssigneeIDs)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTransitionTask(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := s.schemas.decode(r, "task.transition", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	task, err := s.cfg.Board.TransitionTask(r.Context(), board.TransitionInput{
		TaskID:        r.PathValue("id"),
		Status:        req.Status,
		BlockerReason: req.BlockerReason,
		EvidenceRef:   req.EvidenceRef,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := s.schemas.decode(r, "task.delegate", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	ctx := shared.WithActor(r.Context(), req.FromSessionKey)
	res, err := s.cfg.Board.DelegatePortion(ctx, board.DelegateInput{
		TaskID:         r.PathValue("id"),
		FromSessionKey: req.FromSessionKey,
		ToSessionKey:   req.ToSessionKey,
		Note:           req.Note,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleNotifyWatchers(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := s.schemas.decode(r, "task.notify", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	ids, err := s.cfg.Board.NotifyWatchers(r.Context(), r.PathValue("id"), req.Content, req.ExcludeAgentID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notification_ids": ids})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.cfg.Board.Subscriptions(r.Context(), r.PathValue("id"), boolParam(r, "active"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if subs == nil {
		subs = []persistence.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := s.schemas.decode(r, "task.subscribe", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	sub, err := s.cfg.Board.Subscribe(r.Context(), r.PathValue("id"), req.AgentID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Messages.

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.Board.Messages(r.Context(), r.PathValue("id"), intParam(r, "limit", 100))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var in board.PostMessageInput
	if err := s.schemas.decode(r, "message.create", &in); err != nil {
		s.writeErr(w, r, err)
		return
	}
	in.TaskID = r.PathValue("id")
	ctx := r.Context()
	if in.FromAgentID != "" {
		ctx = shared.WithActor(ctx, in.FromAgentID)
	}
	res, err := s.cfg.Board.PostMessage(ctx, in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Notifications.

type enqueueRequest struct {
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

type failedRequest struct {
	Error string `json:"error"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	batch, err := s.queue.PendingBatch(r.Context(), intParam(r, "limit", 0))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if batch == nil {
		batch = []persistence.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": batch})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := s.schemas.decode(r, "notification.enqueue", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	ctx := r.Context()
	agent, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if agent == nil {
		s.writeErr(w, r, fmt.Errorf("%w: %s", board.ErrAgentNotFound, req.AgentID))
		return
	}
	if req.TaskID != "" {
		if _, err := s.cfg.Board.Task(ctx, req.TaskID); err != nil {
			s.writeErr(w, r, err)
			return
		}
	}
	id, err := s.queue.Enqueue(ctx, req.AgentID, req.TaskID, req.Content)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	n, err := s.queue.Get(ctx, id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.queue.MarkDelivered(r.Context(), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	n, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkFailed(w http.ResponseWriter, r *http.Request) {
	var req failedRequest
	if err := s.schemas.decode(r, "notification.failed", &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	n, err := s.queue.MarkFailed(r.Context(), r.PathValue("id"), req.Error)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Feed and heartbeat.

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListActivity(r.Context(), intParam(r, "limit", 100))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []persistence.ActivityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("session_key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "session_key query parameter is required")
		return
	}
	since, err := timeParam(r, "since")
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := heartbeat.Check(r.Context(), s.store, key, since)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
