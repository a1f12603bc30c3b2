package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/nhle/mailindex-sync/internal/model"
)

// State is the scheduler state.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
)

// SkipReason is recorded when a cycle is requested while one runs.
const SkipReason = "skipped, previous cycle still active"

// Cycler runs one sync cycle. *Engine satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context) model.CycleSummary
}

// Status is a snapshot of the scheduler for the status surface.
type Status struct {
	State          State               `json:"state"`
	WorkerIndex    int                 `json:"worker_index"`
	WorkerCount    int                 `json:"worker_count"`
	Mode           model.SyncMode      `json:"mode"`
	StartedAt      time.Time           `json:"started_at"`
	Uptime         string              `json:"uptime"`
	Cycles         int                 `json:"cycles"`
	SkippedCycles  int                 `json:"skipped_cycles"`
	LastSkipReason string              `json:"last_skip_reason,omitempty"`
	LastSkipAt     time.Time           `json:"last_skip_at,omitempty"`
	NextCycleAt    time.Time           `json:"next_cycle_at,omitempty"`
	LastCycle      *model.CycleSummary `json:"last_cycle,omitempty"`
}

// Scheduler runs cycles on an interval measured from the end of the
// most recent cycle, triggered ones included, and accepts manual
// triggers. At most one cycle runs at a time; overlapping triggers are
// skipped and counted.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	runOnce  bool
	logger   *slog.Logger

	mu        gosync.Mutex
	ctx       context.Context
	state     State
	status    Status
	lastEnded time.Time
	// done is closed when the running cycle ends; nil while idle.
	done    chan struct{}
	running gosync.WaitGroup
}

// NewScheduler creates an idle scheduler for cfg.
func NewScheduler(c Cycler, cfg *model.AppConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Sync.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Scheduler{
		cycler:   c,
		interval: interval,
		runOnce:  cfg.Sync.RunOnce,
		logger:   logger.With("component", "scheduler"),
		state:    StateIdle,
		status: Status{
			WorkerIndex: cfg.Worker.Index,
			WorkerCount: cfg.Worker.Count,
			Mode:        cfg.SyncMode(),
			StartedAt:   time.Now(),
		},
	}
}

// Run runs a cycle immediately and then one per interval until ctx is
// cancelled, or once when run-once is set. It returns after the cycle in
// flight, if any, has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	defer s.running.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if done, ok := s.start(); ok {
			<-done
		}
		if s.runOnce {
			return nil
		}
		if !s.waitNext(ctx) {
			s.logger.Info("scheduler stopping")
			return nil
		}
	}
}

// waitNext blocks until an interval has passed since the most recent
// cycle ended. A cycle triggered meanwhile pushes the deadline back, and
// one still running at the deadline is waited for. It reports false when
// ctx ends first.
func (s *Scheduler) waitNext(ctx context.Context) bool {
	for {
		s.mu.Lock()
		done := s.done
		next := s.lastEnded.Add(s.interval)
		if done == nil {
			s.status.NextCycleAt = next
		}
		s.mu.Unlock()

		if done != nil {
			select {
			case <-ctx.Done():
				return false
			case <-done:
				continue
			}
		}

		wait := time.Until(next)
		if wait <= 0 {
			return true
		}
		s.logger.Info("next cycle scheduled", "in", wait.Round(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// Trigger starts a cycle in the background. It reports false, with the
// reason, when a cycle is already running or the scheduler is not
// running.
func (s *Scheduler) Trigger() (bool, string) {
	s.mu.Lock()
	started := s.ctx != nil && s.ctx.Err() == nil
	s.mu.Unlock()
	if !started {
		return false, "scheduler is not running"
	}
	if _, ok := s.start(); !ok {
		return false, SkipReason
	}
	return true, ""
}

// start launches a cycle unless one is running. The returned channel is
// closed when the cycle ends.
func (s *Scheduler) start() (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		s.status.SkippedCycles++
		s.status.LastSkipReason = SkipReason
		s.status.LastSkipAt = time.Now()
		s.logger.Warn("cycle not started", "reason", SkipReason)
		return nil, false
	}
	s.state = StateRunning
	s.running.Add(1)

	ctx := s.ctx
	done := make(chan struct{})
	s.done = done
	go func() {
		defer s.running.Done()
		summary := s.cycler.RunCycle(ctx)

		s.mu.Lock()
		s.state = StateIdle
		s.status.Cycles++
		s.status.LastCycle = &summary
		s.lastEnded = time.Now()
		s.done = nil
		s.mu.Unlock()
		close(done)
	}()
	return done, true
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.State = s.state
	st.Uptime = time.Since(st.StartedAt).Round(time.Second).String()
	return st
}
