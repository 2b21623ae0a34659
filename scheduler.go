package agos

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// schedulerConfig holds options accumulated by SchedulerOption calls.
type schedulerConfig struct {
	interval time.Duration
	logger   *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*schedulerConfig)

// WithTickInterval sets the tick period. Default: 1 second.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(c *schedulerConfig) { c.interval = d }
}

// WithSchedulerLogger sets the structured logger for the scheduler.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(c *schedulerConfig) { c.logger = l }
}

// AgentOption configures one agent's registration on the scheduler.
type AgentOption func(*scheduledAgent)

// PauseWhen attaches a pause predicate to the agent. While the
// scheduler is paused (simulation running), agents whose predicate
// returns true are skipped. Agents without a predicate are always
// skipped while paused.
func PauseWhen(fn func() bool) AgentOption {
	return func(a *scheduledAgent) { a.pauseWhen = fn }
}

type scheduledAgent struct {
	agent     Agent
	priority  int
	order     int // registration order, tie-breaker
	pauseWhen func() bool
	running   atomic.Bool // guards against overlapping Step calls
}

// Scheduler drives cooperative step() on every registered agent at a
// fixed tick rate, in priority order (lower first). Step invocations
// for the same agent never overlap; a slow cycle delays at most one
// subsequent tick (time.Ticker drops the rest).
type Scheduler struct {
	mu     sync.Mutex
	agents []*scheduledAgent
	nextID int

	interval time.Duration
	paused   atomic.Bool
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	cfg := schedulerConfig{interval: time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &Scheduler{interval: cfg.interval, logger: cfg.logger}
}

// Add registers an agent with a priority. Lower priorities step first
// within a tick. Safe to call before Start; adding while running takes
// effect on the next tick.
func (s *Scheduler) Add(agent Agent, priority int, opts ...AgentOption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sa := &scheduledAgent{agent: agent, priority: priority, order: s.nextID}
	s.nextID++
	for _, opt := range opts {
		opt(sa)
	}
	s.agents = append(s.agents, sa)
	sort.SliceStable(s.agents, func(i, j int) bool {
		if s.agents[i].priority != s.agents[j].priority {
			return s.agents[i].priority < s.agents[j].priority
		}
		return s.agents[i].order < s.agents[j].order
	})
}

// SetPaused pauses or resumes agent ticks. Used by the simulation
// controller: while paused, agents whose step would interact with
// simulation time are skipped.
func (s *Scheduler) SetPaused(v bool) {
	if s.paused.Swap(v) != v {
		s.logger.Info("scheduler: pause state changed", "paused", v)
	}
}

// Paused reports the pause state.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Start runs the tick loop. Blocks until ctx is cancelled, then waits
// for the in-flight tick cycle to complete and returns nil. No new
// ticks start after cancellation is observed.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First cycle runs immediately so agents drain startup traffic
	// without waiting a full interval.
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one cycle: every registered agent's Step in priority order.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	agents := make([]*scheduledAgent, len(s.agents))
	copy(agents, s.agents)
	s.mu.Unlock()

	paused := s.paused.Load()
	for _, sa := range agents {
		if ctx.Err() != nil {
			return
		}
		if paused && (sa.pauseWhen == nil || sa.pauseWhen()) {
			continue
		}
		// Never overlap Step calls for the same agent, even if a
		// future change runs cycles concurrently.
		if !sa.running.CompareAndSwap(false, true) {
			s.logger.Warn("scheduler: step still running, skipping", "agent", sa.agent.ID())
			continue
		}
		start := time.Now()
		err := sa.agent.Step(ctx)
		sa.running.Store(false)
		if err != nil {
			s.logger.Error("scheduler: agent step failed",
				"agent", sa.agent.ID(), "err", err)
		}
		if d := time.Since(start); d > s.interval {
			s.logger.Warn("scheduler: slow step",
				"agent", sa.agent.ID(), "duration", d, "interval", s.interval)
		}
	}
}
