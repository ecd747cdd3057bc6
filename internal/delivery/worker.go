// Package delivery drains the notification queue and pushes each due
// notification to its agent's session.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/basket/opsboard/internal/otel"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/shared"
	"github.com/basket/opsboard/internal/telemetry"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 30 * time.Second
	DefaultBatchSize    = 25

	addressCacheSize = 256
)

// Source is the queue as seen by the worker. It is satisfied in-process by
// LocalSource and over HTTP by client.Client.
type Source interface {
	PendingBatch(ctx context.Context, limit int) ([]persistence.Notification, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	AgentByID(ctx context.Context, id string) (*persistence.Agent, error)
}

// Deliverer pushes content to an agent session address.
type Deliverer interface {
	Deliver(ctx context.Context, address, content string) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, address, content string) error

func (f DelivererFunc) Deliver(ctx context.Context, address, content string) error {
	return f(ctx, address, content)
}

type Config struct {
	Source       Source
	Deliverer    Deliverer
	Channel      string
	PollInterval time.Duration
	BatchSize    int
	Timeout      time.Duration
	// Addresses caches resolved session keys by agent ID. Nil disables the
	// cache. See NewAddressCache.
	Addresses *expirable.LRU[string, string]
	Metrics   *otelPkg.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Worker polls a Source and delivers notifications one at a time.
type Worker struct {
	source    Source
	deliverer Deliverer
	channel   string
	batchSize int
	timeout   time.Duration
	interval  atomic.Int64
	wake      chan struct{}

	addresses *expirable.LRU[string, string]
	metrics   *otelPkg.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Source == nil {
		return nil, errors.New("delivery worker: source is required")
	}
	if cfg.Deliverer == nil {
		return nil, errors.New("delivery worker: deliverer is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Worker{
		source:    cfg.Source,
		deliverer: cfg.Deliverer,
		channel:   cfg.Channel,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
		wake:      make(chan struct{}, 1),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
		addresses: cfg.Addresses,
	}
	w.interval.Store(int64(cfg.PollInterval))
	return w, nil
}

// NewAddressCache returns the agent-address cache for Config.Addresses, or
// nil when ttl is not positive. The cache runs an expiry goroutine that
// lives until the process exits, so build one per process and share it.
func NewAddressCache(ttl time.Duration) *expirable.LRU[string, string] {
	if ttl <= 0 {
		return nil
	}
	return expirable.NewLRU[string, string](addressCacheSize, nil, ttl)
}

// SetInterval changes the poll interval. The running loop picks it up on
// its next sleep.
func (w *Worker) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if time.Duration(w.interval.Swap(int64(d))) != d {
		w.logger.Info("delivery poll interval changed", "interval", d)
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (w *Worker) Interval() time.Duration {
	return time.Duration(w.interval.Load())
}

// Run ticks until ctx is canceled. Tick errors are logged and never stop
// the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("delivery worker started", "interval", w.Interval(), "batch_size", w.batchSize, "channel", w.channel)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("delivery worker stopped")
			return nil
		case <-w.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.Interval())
			continue
		case <-timer.C:
		}

		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("delivery tick failed", "error", err)
		}
		timer.Reset(w.Interval())
	}
}

// Tick processes one batch sequentially and returns how many notifications
// were delivered.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	batch, err := w.source.PendingBatch(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("read pending batch: %w", err)
	}
	delivered := 0
	for _, n := range batch {
		if ctx.Err() != nil {
			break
		}
		if w.process(ctx, n) {
			delivered++
		}
	}
	if len(batch) > 0 {
		w.logger.Debug("delivery tick complete", "batch", len(batch), "delivered", delivered)
	}
	return delivered, nil
}

func (w *Worker) process(ctx context.Context, n persistence.Notification) (ok bool) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if n.TaskID != "" {
		ctx = shared.WithTaskID(ctx, n.TaskID)
	}
	ctx, span := otelPkg.StartClientSpan(ctx, w.tracer, "delivery.deliver",
		otelPkg.AttrNotificationID.String(n.ID),
		otelPkg.AttrAgentID.String(n.MentionedAgentID),
		otelPkg.AttrAttempts.Int(n.DeliveryAttempts),
		otelPkg.AttrChannel.String(w.channel),
	)
	defer span.End()
	logger := telemetry.ForContext(ctx, w.logger).With("notification_id", n.ID, "agent_id", n.MentionedAgentID)

	defer func() {
		if r := recover(); r != nil {
			ok = false
			logger.Error("delivery panicked", "panic", r)
			w.fail(ctx, logger, n, fmt.Sprintf("delivery panic: %v", r))
		}
	}()

	address, err := w.resolve(ctx, n.MentionedAgentID)
	if err != nil {
		w.fail(ctx, logger, n, err.Error())
		return false
	}

	start := time.Now()
	err = w.deliver(ctx, address, n.Content)
	if w.metrics != nil {
		w.metrics.DeliveryDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelPkg.AttrChannel.String(w.channel)))
	}
	if err != nil {
		if w.addresses != nil {
			w.addresses.Remove(n.MentionedAgentID)
		}
		w.fail(ctx, logger, n, fmt.Sprintf("deliver to %s: %v", address, err))
		return false
	}

	if err := w.source.MarkDelivered(ctx, n.ID); err != nil {
		logger.Error("mark delivered failed", "error", err)
		return false
	}
	w.count(ctx, "delivered")
	logger.Info("notification delivered", "address", address, "attempts", n.DeliveryAttempts+1)
	return true
}

// deliver bounds one delivery attempt by the worker timeout. The timeout is
// released even when the deliverer panics.
func (w *Worker) deliver(ctx context.Context, address, content string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.deliverer.Deliver(ctx, address, content)
}

func (w *Worker) resolve(ctx context.Context, agentID string) (string, error) {
	if w.addresses != nil {
		if addr, ok := w.addresses.Get(agentID); ok {
			return addr, nil
		}
	}
	agent, err := w.source.AgentByID(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("resolve agent %s: %w", agentID, err)
	}
	if agent == nil {
		return "", fmt.Errorf("agent %s not found", agentID)
	}
	addr := strings.TrimSpace(agent.SessionKey)
	if addr == "" {
		return "", fmt.Errorf("agent %s has no session key", agentID)
	}
	if w.addresses != nil {
		w.addresses.Add(agentID, addr)
	}
	return addr, nil
}

func (w *Worker) fail(ctx context.Context, logger *slog.Logger, n persistence.Notification, reason string) {
	otelPkg.Fail(trace.SpanFromContext(ctx), errors.New(reason))
	w.count(ctx, "failed")
	logger.Warn("notification delivery failed", "error", reason, "attempts", n.DeliveryAttempts+1)
	if err := w.source.MarkFailed(ctx, n.ID, reason); err != nil {
		logger.Error("mark failed failed", "error", err)
	}
}

func (w *Worker) count(ctx context.Context, outcome string) {
	if w.metrics == nil {
		return
	}
	w.metrics.DeliveriesTotal.Add(ctx, 1, metric.WithAttributes(
		otelPkg.AttrOutcome.String(outcome),
		otelPkg.AttrChannel.String(w.channel),
	))
}
