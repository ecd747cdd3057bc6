package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/opsboard/internal/bus"
)

const (
	wsWriteTimeout   = 5 * time.Second
	sseKeepaliveTick = 15 * time.Second
)

// handleWS streams bus events as JSON frames, narrowed by the optional
// ?topic= prefix and ?task= id. Anything the client sends is discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	// Subscribe before the handshake completes so a client never misses
	// events published right after Dial returns.
	topic := r.URL.Query().Get("topic")
	filters := []bus.Filter{bus.Prefix(topic)}
	if taskID := r.URL.Query().Get("task"); taskID != "" {
		filters = append(filters, bus.ForTask(taskID))
	}
	sub := s.cfg.Bus.SubscribeFilter(filters...)
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "error", err)
		return
	}
	s.logger.Info("ws: client connected", "topic", topic)
	defer func() {
		s.logger.Info("ws: client disconnected", "topic", topic)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

// handleTaskStream serves GET /api/tasks/{id}/events as server-sent events.
// Each event carries the bus topic as its SSE event name.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.cfg.Board.Task(r.Context(), taskID); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.cfg.Bus.SubscribeFilter(bus.ForTask(taskID))
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveTick)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "task_id", taskID)
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("sse: marshal event", "topic", ev.Topic, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data); err != nil {
				s.logger.Debug("sse: write failed", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
