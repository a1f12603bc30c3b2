// Package job owns the sync job lifecycle the index requires around every
// document submission.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nhle/mailindex-sync/internal/index"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
)

// State is the coordinator's view of its own sync job.
type State string

const (
	StateNone     State = "NONE"
	StateStarting State = "STARTING"
	StateActive   State = "ACTIVE"
	StateStopping State = "STOPPING"
)

// ErrConflictExhausted is returned when every start attempt of a cycle
// hit a conflict.
var ErrConflictExhausted = errors.New("sync job conflict retries exhausted")

// joinGrace is how long a running job with no live members is assumed to
// belong to a worker that has not registered yet.
const joinGrace = time.Minute

// Registry records which workers submit under a shared job.
// store.JobRegistry satisfies it.
type Registry interface {
	RegisterMember(ctx context.Context, m model.JobMember) error
	JobMembers(ctx context.Context, jobID string) ([]model.JobMember, error)
	RemoveMember(ctx context.Context, jobID, workerID string) error
	RemoveStaleMembers(ctx context.Context, cutoff time.Time) (int, error)
}

// Options configures a Coordinator.
type Options struct {
	// AutoResolve stops conflicting jobs and retries the start.
	AutoResolve bool

	// MaxRetries bounds start attempts per cycle.
	MaxRetries int

	// Backoff is the base delay between start attempts.
	Backoff time.Duration

	// Calls is the transient retry policy for put and delete calls.
	Calls retry.Policy

	// Registry lets workers join a running job instead of stopping it.
	// Without one the coordinator owns whatever job it starts.
	Registry Registry

	// WorkerID names this worker in the registry.
	WorkerID string

	// StaleAfter is how long a registration stays live without a
	// heartbeat.
	StaleAfter time.Duration

	Logger *slog.Logger
}

// OptionsFrom reads the coordinator settings out of cfg.
func OptionsFrom(cfg *model.AppConfig, logger *slog.Logger) Options {
	return Options{
		AutoResolve: cfg.Conflicts.AutoResolve,
		MaxRetries:  cfg.Conflicts.MaxRetries,
		Backoff:     cfg.Conflicts.Backoff,
		Calls: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Logger:      logger,
		},
		StaleAfter: cfg.Conflicts.StaleAfter,
		Logger:     logger,
	}
}

// Coordinator starts at most one sync job at a time and routes document
// calls through it. Lifecycle transitions are serialized by one mutex.
type Coordinator struct {
	idx    index.Index
	reg    Registry
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	jobID    string
	owner    bool
	attempts int
	lastBeat time.Time
}

// New creates a coordinator in state NONE.
func New(idx index.Index, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	return &Coordinator{
		idx:    idx,
		reg:    opts.Registry,
		opts:   opts,
		logger: logger.With("component", "job"),
		now:    time.Now,
		state:  StateNone,
	}
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the start attempts made since the last Reset.
func (c *Coordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// JobID returns the id of the active job, or "".
func (c *Coordinator) JobID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID
}

// Owner reports whether the active job was started by this coordinator
// rather than joined.
func (c *Coordinator) Owner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Reset clears the per-cycle attempt counter. Called at cycle start.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = 0
}

// Ensure returns the active job id. With a registry it joins a running
// job other live workers are using; otherwise it starts one.
func (c *Coordinator) Ensure(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateActive {
		c.heartbeat(ctx, false)
		return c.jobID, nil
	}

	budget := c.opts.MaxRetries - c.attempts
	if budget < 1 {
		return "", fmt.Errorf("%w: %d start attempts already used this cycle", ErrConflictExhausted, c.attempts)
	}

	c.state = StateStarting
	c.removeStale(ctx)

	retryable := retry.TransientOnly
	if c.opts.AutoResolve {
		retryable = retry.TransientOrConflict
	}
	policy := retry.Policy{
		MaxAttempts: budget,
		BaseDelay:   c.opts.Backoff,
		MaxDelay:    time.Minute,
		Retryable:   retryable,
		BeforeRetry: func(ctx context.Context, attempt int, err error) error {
			if index.IsConflict(err) {
				c.stopOrphans(ctx)
			}
			return nil
		},
		Logger: c.logger,
		Name:   "start sync job",
	}

	joined := false
	id, err := retry.DoValue(ctx, policy, func(ctx context.Context) (string, error) {
		if id, ok := c.joinable(ctx); ok {
			joined = true
			return id, nil
		}
		c.attempts++
		return c.idx.StartSyncJob(ctx)
	})
	if err != nil {
		c.state = StateNone
		var exhausted *retry.ExhaustedError
		if index.IsConflict(err) && errors.As(err, &exhausted) {
			c.logger.Error("sync job conflict not resolved", "attempts", c.attempts, "err", err)
			return "", fmt.Errorf("%w: %w", ErrConflictExhausted, err)
		}
		return "", fmt.Errorf("starting sync job: %w", err)
	}

	c.state = StateActive
	c.jobID = id
	c.owner = !joined
	c.heartbeat(ctx, true)
	if joined {
		c.logger.Info("joined running sync job", "jobID", id)
	} else {
		c.logger.Info("sync job started", "jobID", id, "attempts", c.attempts)
	}
	return id, nil
}

// joinable returns a running job that live workers are using.
func (c *Coordinator) joinable(ctx context.Context) (string, bool) {
	if c.reg == nil {
		return "", false
	}
	jobs, err := c.idx.ListSyncJobs(ctx, index.JobFilter{RunningOnly: true})
	if err != nil {
		c.logger.Warn("listing running sync jobs", "err", err)
		return "", false
	}
	now := c.now()
	for _, j := range jobs {
		if c.inUse(ctx, j, now) {
			return j.ID, true
		}
	}
	return "", false
}

// inUse reports whether another worker holds a live registration under j,
// or j is young enough that its starter may not have registered yet. An
// unreadable registry counts as in use so nobody's job is stopped blind.
func (c *Coordinator) inUse(ctx context.Context, j index.Job, now time.Time) bool {
	if c.reg == nil {
		return false
	}
	members, err := c.reg.JobMembers(ctx, j.ID)
	if err != nil {
		c.logger.Warn("reading sync job members", "jobID", j.ID, "err", err)
		return true
	}
	return c.liveOthers(members, now) > 0 || j.Age(now) < joinGrace
}

func (c *Coordinator) liveOthers(members []model.JobMember, now time.Time) int {
	n := 0
	for _, m := range members {
		if m.WorkerID != c.opts.WorkerID && m.Fresh(now, c.opts.StaleAfter) {
			n++
		}
	}
	return n
}

// heartbeat refreshes this worker's registration. Unless forced it only
// writes once a third of the stale window has passed.
func (c *Coordinator) heartbeat(ctx context.Context, force bool) {
	if c.reg == nil || c.jobID == "" {
		return
	}
	now := c.now()
	if !force && now.Sub(c.lastBeat) < c.opts.StaleAfter/3 {
		return
	}
	err := c.reg.RegisterMember(ctx, model.JobMember{
		JobID:       c.jobID,
		WorkerID:    c.opts.WorkerID,
		Owner:       c.owner,
		HeartbeatAt: now,
	})
	if err != nil {
		c.logger.Warn("registering with sync job", "jobID", c.jobID, "err", err)
		return
	}
	c.lastBeat = now
}

// Heartbeat refreshes the registration of the active job, if any.
func (c *Coordinator) Heartbeat(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		c.heartbeat(ctx, false)
	}
}

func (c *Coordinator) removeStale(ctx context.Context) {
	if c.reg == nil {
		return
	}
	n, err := c.reg.RemoveStaleMembers(ctx, c.now().Add(-c.opts.StaleAfter))
	if err != nil {
		c.logger.Warn("removing stale sync job registrations", "err", err)
		return
	}
	if n > 0 {
		c.logger.Info("removed stale sync job registrations", "count", n)
	}
}

// PruneRegistrations removes registrations older than the stale window
// and returns how many went.
func (c *Coordinator) PruneRegistrations(ctx context.Context) (int, error) {
	if c.reg == nil {
		return 0, nil
	}
	return c.reg.RemoveStaleMembers(ctx, c.now().Add(-c.opts.StaleAfter))
}

// Orphans returns the running jobs no live worker is using. Without a
// registry every running job is one.
func (c *Coordinator) Orphans(ctx context.Context) ([]index.Job, error) {
	jobs, err := c.idx.ListSyncJobs(ctx, index.JobFilter{RunningOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing running sync jobs: %w", err)
	}
	now := c.now()
	var orphans []index.Job
	for _, j := range jobs {
		if !c.inUse(ctx, j, now) {
			orphans = append(orphans, j)
		}
	}
	return orphans, nil
}

// stopOrphans stops the running jobs nobody is using so the next start
// can succeed. Failures are logged; the following start attempt reports
// whatever is still wrong.
func (c *Coordinator) stopOrphans(ctx context.Context) {
	jobs, err := c.Orphans(ctx)
	if err != nil {
		c.logger.Warn("listing running sync jobs", "err", err)
		return
	}
	for _, j := range jobs {
		if err := c.idx.StopSyncJob(ctx, j.ID); err != nil && !index.IsNotFound(err) {
			c.logger.Warn("stopping conflicting sync job", "jobID", j.ID, "err", err)
			continue
		}
		c.logger.Info("stopped conflicting sync job", "jobID", j.ID, "age", j.Age(c.now()).Round(time.Second))
	}
}

// Submit puts docs under the active job, starting one if needed.
func (c *Coordinator) Submit(ctx context.Context, docs []*model.NormalizedDocument) ([]index.FailedDocument, error) {
	return c.underJob(ctx, "put documents", func(ctx context.Context, jobID string) ([]index.FailedDocument, error) {
		return c.idx.BatchPut(ctx, jobID, docs)
	})
}

// Delete removes ids under the active job, starting one if needed.
func (c *Coordinator) Delete(ctx context.Context, ids []string) ([]index.FailedDocument, error) {
	return c.underJob(ctx, "delete documents", func(ctx context.Context, jobID string) ([]index.FailedDocument, error) {
		return c.idx.BatchDelete(ctx, jobID, ids)
	})
}

// underJob runs call under the active job. When the job turns out to have
// been stopped elsewhere it is dropped and call runs once more under a
// job from a fresh Ensure, which spends the same per-cycle budget.
func (c *Coordinator) underJob(
	ctx context.Context,
	name string,
	call func(ctx context.Context, jobID string) ([]index.FailedDocument, error),
) ([]index.FailedDocument, error) {
	policy := c.opts.Calls
	policy.Name = name
	for restarted := false; ; restarted = true {
		jobID, err := c.Ensure(ctx)
		if err != nil {
			return nil, err
		}
		failed, err := retry.DoValue(ctx, policy, func(ctx context.Context) ([]index.FailedDocument, error) {
			return call(ctx, jobID)
		})
		if err == nil || restarted || !index.IsJobNotRunning(err) {
			return failed, err
		}
		c.logger.Warn("sync job stopped underneath this worker, ensuring another", "jobID", jobID, "err", err)
		c.drop(ctx, jobID)
	}
}

// drop forgets jobID if it is still the active job. Another goroutine may
// already have replaced it.
func (c *Coordinator) drop(ctx context.Context, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.jobID != jobID {
		return
	}
	c.leave(ctx, jobID)
	c.state = StateNone
	c.jobID = ""
	c.owner = false
}

func (c *Coordinator) leave(ctx context.Context, jobID string) {
	if c.reg == nil {
		return
	}
	if err := c.reg.RemoveMember(ctx, jobID, c.opts.WorkerID); err != nil {
		c.logger.Warn("leaving sync job", "jobID", jobID, "err", err)
	}
}

// Stop releases the active job. The job itself is stopped only when no
// other live worker is registered under it, so the last member out
// stops it. Jobs this coordinator never held are left alone.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return nil
	}
	c.state = StateStopping
	jobID, owner := c.jobID, c.owner
	defer func() {
		c.state = StateNone
		c.jobID = ""
		c.owner = false
	}()

	if c.reg != nil {
		c.leave(ctx, jobID)
		members, err := c.reg.JobMembers(ctx, jobID)
		if err != nil {
			c.logger.Warn("reading sync job members, leaving job running", "jobID", jobID, "err", err)
			return nil
		}
		if others := c.liveOthers(members, c.now()); others > 0 {
			c.logger.Info("left shared sync job", "jobID", jobID, "owner", owner, "members", others)
			return nil
		}
	}

	err := c.idx.StopSyncJob(ctx, jobID)
	if err != nil && !index.IsNotFound(err) {
		return fmt.Errorf("stopping sync job %s: %w", jobID, err)
	}
	c.logger.Info("sync job stopped", "jobID", jobID, "owner", owner)
	return nil
}

// ForceStopAll stops every running job of the data source, including
// ones other workers started, and returns how many were stopped.
func (c *Coordinator) ForceStopAll(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	jobs, err := c.idx.ListSyncJobs(ctx, index.JobFilter{RunningOnly: true})
	if err != nil {
		return 0, fmt.Errorf("listing running sync jobs: %w", err)
	}
	stopped := 0
	var errs []error
	for _, j := range jobs {
		if err := c.idx.StopSyncJob(ctx, j.ID); err != nil && !index.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("stopping %s: %w", j.ID, err))
			continue
		}
		stopped++
		if j.ID == c.jobID {
			c.leave(ctx, j.ID)
			c.state = StateNone
			c.jobID = ""
			c.owner = false
		}
		c.logger.Info("force stopped sync job", "jobID", j.ID)
	}
	return stopped, errors.Join(errs...)
}
