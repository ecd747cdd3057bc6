package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/opsboard/internal/bus"
	"github.com/basket/opsboard/internal/notify"
	"github.com/basket/opsboard/internal/persistence"
)

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type Config struct {
	Store    *persistence.Store
	Queue    *notify.Queue
	Bus      *bus.Bus
	Logger   *slog.Logger
	Schedule string
	Window   time.Duration
}

// Scheduler runs a heartbeat sweep over all enabled agents on a cron
// schedule and enqueues a nudge for each agent with assigned work or
// mentions in the window.
type Scheduler struct {
	store    *persistence.Store
	queue    *notify.Queue
	bus      *bus.Bus
	logger   *slog.Logger
	schedule cronlib.Schedule
	expr     string
	window   time.Duration

	mu sync.Mutex
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/15 * * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Queue == nil {
		cfg.Queue = notify.New(cfg.Store, cfg.Bus, cfg.Logger)
	}
	return &Scheduler{
		store:    cfg.Store,
		queue:    cfg.Queue,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		schedule: sched,
		expr:     expr,
		window:   cfg.Window,
	}, nil
}

// Run fires sweeps on schedule until ctx is canceled, then waits for a
// running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cronlib.New(cronlib.WithParser(cronParser), cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	c.Schedule(s.schedule, cronlib.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("heartbeat sweep failed", "error", err)
		}
	}))
	c.Start()
	s.logger.Info("heartbeat scheduler started", "schedule", s.expr, "next_run_at", s.Next(time.Now()))
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("heartbeat scheduler stopped")
	return nil
}

// Next returns the next sweep time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Sweep checks every enabled agent once and returns the number nudged.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents, err := s.store.ListAgents(ctx, true)
	if err != nil {
		return 0, err
	}
	since := s.store.Now().Add(-s.window)
	nudged := 0
	for _, a := range agents {
		res, err := Check(ctx, s.store, a.SessionKey, since)
		if err != nil {
			s.logger.Warn("heartbeat check failed", "agent_id", a.ID, "error", err)
			continue
		}
		if res.AssignedCount == 0 && res.MentionCount == 0 {
			continue
		}
		if _, err := s.queue.Enqueue(ctx, a.ID, "", NudgeText(res)); err != nil {
			s.logger.Warn("heartbeat nudge failed", "agent_id", a.ID, "error", err)
			continue
		}
		s.bus.Publish(bus.TopicHeartbeatNudged, bus.HeartbeatEvent{
			AgentID:       a.ID,
			SessionKey:    a.SessionKey,
			AssignedCount: res.AssignedCount,
			MentionCount:  res.MentionCount,
		})
		nudged++
	}
	s.logger.Info("heartbeat sweep complete", "agents", len(agents), "nudged", nudged)
	return nudged, nil
}

// NextRunTime parses a cron expression and returns the next run after t.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
