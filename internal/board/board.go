// Package board holds the task and message mutators. Each mutator extracts
// mentions, updates thread subscriptions and enqueues notifications in one
// transaction, then records activity and publishes bus events after commit.
package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/opsboard/internal/audit"
	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/mention"
	"github.com/basket/opsboard/internal/notify"
	otelPkg "github.com/basket/opsboard/internal/otel"
	"github.com/basket/opsboard/internal/persistence"
	"github.com/basket/opsboard/internal/subscription"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrAgentNotFound = errors.New("agent not found")
	ErrNotAssignee   = errors.New("agent is not assigned to task")
	ErrInvalidInput  = errors.New("invalid input")
)

// Activity event types.
const (
	ActivityTaskCreated      = "task_created"
	ActivityTaskAssigned     = "task_assigned"
	ActivityTaskTransitioned = "task_status_changed"
	ActivityTaskDelegated    = "task_delegated"
	ActivityTaskSubscribed   = "task_subscribed"
	ActivityMessagePosted    = "message_posted"
	ActivityWatchersNotified = "watchers_notified"
)

type Config struct {
	Store   *persistence.Store
	Queue   *notify.Queue
	Bus     *bus.Bus
	Metrics *otelPkg.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type Board struct {
	store   *persistence.Store
	queue   *notify.Queue
	tracker *subscription.Tracker
	bus     *bus.Bus
	metrics *otelPkg.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	// inTx runs one mutation. It may call fn more than once.
	inTx func(ctx context.Context, fn func(tx *persistence.Store) error) error
}

func New(cfg Config) *Board {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Queue == nil {
		cfg.Queue = notify.New(cfg.Store, cfg.Bus, cfg.Logger)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Board{
		store:   cfg.Store,
		queue:   cfg.Queue,
		tracker: subscription.New(cfg.Store),
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger,
		inTx:    cfg.Store.InTx,
	}
}

func (b *Board) Store() *persistence.Store { return b.store }
func (b *Board) Queue() *notify.Queue      { return b.queue }

// Subscriptions lists a task's subscriptions.
func (b *Board) Subscriptions(ctx context.Context, taskID string, activeOnly bool) ([]persistence.Subscription, error) {
	task, err := b.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return b.tracker.ListForTask(ctx, taskID, activeOnly)
}

// txScope carries the tx-bound collaborators for one mutation plus the
// events to publish once it commits.
type txScope struct {
	store   *persistence.Store
	queue   *notify.Queue
	tracker *subscription.Tracker
	events  []pendingEvent
}

type pendingEvent struct {
	topic   string
	payload any
}

func (s *txScope) publish(topic string, payload any) {
	s.events = append(s.events, pendingEvent{topic: topic, payload: payload})
}

// enqueue adds a notification and schedules its bus event.
func (s *txScope) enqueue(ctx context.Context, agentID, taskID, content string) (string, error) {
	id, err := s.queue.Enqueue(ctx, agentID, taskID, content)
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicNotificationEnqueued, bus.NotificationEvent{NotificationID: id, AgentID: agentID, TaskID: taskID})
	return id, nil
}

func (s *txScope) activity(ctx context.Context, eventType, summary string, details any) error {
	_, err := s.store.RecordActivity(ctx, eventType, summary, details)
	return err
}

// mutate runs fn in one transaction and publishes its events after commit.
func (b *Board) mutate(ctx context.Context, op string, fn func(s *txScope) error) error {
	ctx, span := otelPkg.StartSpan(ctx, b.tracer, "board."+op, otelPkg.AttrOperation.String(op))
	defer span.End()

	var scope *txScope
	err := b.inTx(ctx, func(tx *persistence.Store) error {
		scope = &txScope{
			store:   tx,
			queue:   b.queue.WithStore(tx),
			tracker: b.tracker.WithStore(tx),
		}
		return fn(scope)
	})
	b.countMutation(ctx, op, err)
	if err != nil {
		otelPkg.Fail(span, err)
		return err
	}

	enqueued := 0
	for _, ev := range scope.events {
		if ev.topic == bus.TopicNotificationEnqueued {
			enqueued++
		}
		b.bus.Publish(ev.topic, ev.payload)
	}
	if enqueued > 0 && b.metrics != nil {
		b.metrics.NotificationsEnqueued.Add(ctx, int64(enqueued), metric.WithAttributes(otelPkg.AttrOperation.String(op)))
	}
	return nil
}

func (b *Board) countMutation(ctx context.Context, op string, err error) {
	if b.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	b.metrics.MutationsTotal.Add(ctx, 1, metric.WithAttributes(
		otelPkg.AttrOperation.String(op),
		otelPkg.AttrOutcome.String(outcome),
	))
}

// deny records a rejected mutation in the audit log. It must run after the
// transaction has finished.
func (b *Board) deny(ctx context.Context, action string, err error, subject string) {
	if err == nil || !isValidation(err) {
		return
	}
	audit.Record(ctx, audit.Deny, action, err.Error(), subject)
	b.logger.InfoContext(ctx, "board mutation rejected", "action", action, "reason", err.Error())
}

func isValidation(err error) bool {
	return errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrNotAssignee) || errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, subscription.ErrInvalidReason)
}

func roster(ctx context.Context, store *persistence.Store) ([]mention.Agent, error) {
	agents, err := store.ListAgents(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]mention.Agent, len(agents))
	for i, a := range agents {
		out[i] = mention.Agent{ID: a.ID, Name: a.Name, SessionKey: a.SessionKey}
	}
	return out, nil
}

func requireTask(ctx context.Context, store *persistence.Store, taskID string) (*persistence.Task, error) {
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, nil
}

func requireAgents(ctx context.Context, store *persistence.Store, ids []string) error {
	for _, id := range ids {
		a, err := store.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
	}
	return nil
}

// union appends the members of add missing from base, keeping order.
func union(base []string, add ...string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]struct{}, len(out)+len(add))
	for _, id := range out {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func dedupe(ids []string) []string {
	return union(nil, ids...)
}
