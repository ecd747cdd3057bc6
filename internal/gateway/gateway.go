// Package gateway serves the board over REST, streams bus events over
// WebSocket and SSE, and exposes health and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/opsboard/internal/board"
	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/config"
	"github.com/basket/opsboard/internal/notify"
	otelPkg "github.com/basket/opsboard/internal/otel"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
	"github.com/basket/opsboard/internal/subscription"
	"github.com/basket/opsboard/internal/telemetry"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Board *board.Board
	Bus   *bus.Bus

	// AuthToken guards /api and /ws. Empty disables auth; bind to loopback
	// in that case.
	AuthToken string

	// AllowOrigins lists browser origins accepted for CORS and WebSocket
	// upgrades. Empty means same-origin only.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	ConfigFingerprint string
	Version           string

	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	// Registry is served on /metrics. Nil gets a private one.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

type Server struct {
	cfg      Config
	store    *persistence.Store
	queue    *notify.Queue
	schemas  schemaSet
	registry *prometheus.Registry
	httpM    *httpMetrics
	limiter  *RateLimiter
	logger   *slog.Logger
	started  time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Board == nil {
		return nil, errors.New("gateway: board is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	queue := cfg.Board.Queue()
	reg, hm, err := newRegistry(cfg.Registry, queue, cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("gateway metrics: %w", err)
	}
	return &Server{
		cfg:      cfg,
		store:    cfg.Board.Store(),
		queue:    queue,
		schemas:  schemas,
		registry: reg,
		httpM:    hm,
		limiter:  NewRateLimiter(cfg.RateLimit),
		logger:   cfg.Logger,
		started:  time.Now(),
	}, nil
}

// Handler returns the full middleware-wrapped mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metricsHandler(s.registry))
	s.handle(mux, "GET /ws", s.handleWS)

	s.handle(mux, "GET /api/agents", s.handleListAgents)
	s.handle(mux, "POST /api/agents", s.handleUpsertAgent)
	s.handle(mux, "GET /api/agents/{id}", s.handleGetAgent)
	s.handle(mux, "GET /api/agents/{id}/notifications", s.handleAgentNotifications)
	s.handle(mux, "GET /api/sessions/{key}/agent", s.handleAgentBySession)

	s.handle(mux, "GET /api/tasks", s.handleListTasks)
	s.handle(mux, "POST /api/tasks", s.handleCreateTask)
	s.handle(mux, "GET /api/tasks/{id}", s.handleGetTask)
	s.handle(mux, "POST /api/tasks/{id}/assign", s.handleAssignTask)
	s.handle(mux, "POST /api/tasks/{id}/transition", s.handleTransitionTask)
	s.handle(mux, "POST /api/tasks/{id}/delegate", s.handleDelegate)
	s.handle(mux, "POST /api/tasks/{id}/notify", s.handleNotifyWatchers)
	s.handle(mux, "GET /api/tasks/{id}/subscriptions", s.handleListSubscriptions)
	s.handle(mux, "POST /api/tasks/{id}/subscriptions", s.handleSubscribe)
	s.handle(mux, "GET /api/tasks/{id}/messages", s.handleListMessages)
	s.handle(mux, "POST /api/tasks/{id}/messages", s.handlePostMessage)
	s.handle(mux, "GET /api/tasks/{id}/events", s.handleTaskStream)

	s.handle(mux, "GET /api/notifications/pending", s.handlePending)
	s.handle(mux, "GET /api/notifications/stats", s.handleStats)
	s.handle(mux, "POST /api/notifications", s.handleEnqueue)
	s.handle(mux, "GET /api/notifications/{id}", s.handleGetNotification)
	s.handle(mux, "POST /api/notifications/{id}/delivered", s.handleMarkDelivered)
	s.handle(mux, "POST /api/notifications/{id}/failed", s.handleMarkFailed)

	s.handle(mux, "GET /api/activity", s.handleActivity)
	s.handle(mux, "GET /api/heartbeat", s.handleHeartbeat)

	var h http.Handler = mux
	h = AuthMiddleware(s.cfg.AuthToken)(h)
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(maxBodyBytes)(h)
	h = CORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// Serve listens on addr until ctx is canceled, then drains in-flight
// requests for up to five seconds.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("gateway listening", "addr", ln.Addr().String(), "auth", s.cfg.AuthToken != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	<-errCh
	s.logger.Info("gateway stopped")
	return nil
}

// handle registers h under pattern with tracing, trace ids and latency
// metrics labeled by the pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otelPkg.StartServerSpan(ctx, s.cfg.Tracer, pattern,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", pattern),
		)
		defer span.End()
		if id := r.PathValue("id"); id != "" {
			span.SetAttributes(attribute.String("opsboard.path.id", id))
		}

		w.Header().Set("X-Trace-ID", traceID)
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		s.httpM.observe(r.Method, pattern, rec.code, elapsed)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(attribute.String("http.route", pattern), attribute.Int("http.status_code", rec.code)))
		}
		span.SetAttributes(attribute.Int("http.status_code", rec.code))
		logger := telemetry.ForContext(ctx, s.logger)
		if rec.code >= 500 {
			logger.Error("request failed", "method", r.Method, "route", pattern, "status", rec.code, "duration_ms", elapsed.Milliseconds())
		} else {
			logger.Debug("request", "method", r.Method, "route", pattern, "status", rec.code, "duration_ms", elapsed.Milliseconds())
		}
	}))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.store.Ping(ctx) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"version":            s.cfg.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"ws_subscribers":     s.cfg.Bus.SubscriberCount(),
	}
	if st, err := s.queue.Stats(ctx); err == nil {
		payload["notifications_pending"] = st.Pending
		payload["notifications_due"] = st.Due
	}
	code := http.StatusOK
	if !dbOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, board.ErrTaskNotFound), errors.Is(err, board.ErrAgentNotFound), errors.Is(err, notify.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, board.ErrNotAssignee):
		code = http.StatusForbidden
	case errors.Is(err, board.ErrInvalidInput), errors.Is(err, errBadBody), errors.Is(err, subscription.ErrInvalidReason):
		code = http.StatusBadRequest
	case errors.As(err, &maxErr):
		code = http.StatusRequestEntityTooLarge
	}
	if code == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "handler error", "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}
