package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/nhle/mailindex-sync/internal/model"
)

// blockingCycler runs cycles that end only when released.
type blockingCycler struct {
	mu      gosync.Mutex
	started chan struct{}
	release chan struct{}
	runs    int
}

func newBlockingCycler() *blockingCycler {
	return &blockingCycler{started: make(chan struct{}, 10), release: make(chan struct{})}
}

func (c *blockingCycler) RunCycle(ctx context.Context) model.CycleSummary {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
	c.started <- struct{}{}
	<-c.release
	return model.CycleSummary{RunID: "run", Mode: model.ModeDelta}
}

func (c *blockingCycler) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func waitStarted(t *testing.T, c *blockingCycler) {
	t.Helper()
	select {
	case <-c.started:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not start")
	}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("cycle did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTriggerDuringCycleIsSkipped(t *testing.T) {
	cycler := newBlockingCycler()
	s := NewScheduler(cycler, testConfig(alice), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	waitStarted(t, cycler)

	if s.State() != StateRunning {
		t.Fatalf("state = %s, want RUNNING", s.State())
	}
	ok, reason := s.Trigger()
	if ok || reason != SkipReason {
		t.Fatalf("Trigger = %v, %q", ok, reason)
	}
	st := s.Status()
	if st.SkippedCycles != 1 || st.LastSkipReason != SkipReason {
		t.Errorf("status = %+v", st)
	}

	close(cycler.release)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if cycler.Runs() != 1 {
		t.Errorf("runs = %d, want 1", cycler.Runs())
	}
	if st := s.Status(); st.Cycles != 1 || st.LastCycle == nil || st.State != StateIdle {
		t.Errorf("final status = %+v", st)
	}
}

func TestRunWaitsForInFlightCycle(t *testing.T) {
	cycler := newBlockingCycler()
	s := NewScheduler(cycler, testConfig(alice), nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	waitStarted(t, cycler)
	cancel()

	select {
	case <-errCh:
		t.Fatal("Run returned while a cycle was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(cycler.release)
	<-errCh
}

func TestRunOnce(t *testing.T) {
	cycler := newBlockingCycler()
	close(cycler.release)
	cfg := testConfig(alice)
	cfg.Sync.RunOnce = true
	s := NewScheduler(cycler, cfg, nil)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cycler.Runs() != 1 {
		t.Errorf("runs = %d, want 1", cycler.Runs())
	}
}

func TestTriggerStartsCycleWhenIdle(t *testing.T) {
	cycler := newBlockingCycler()
	cfg := testConfig(alice)
	cfg.Sync.Interval = time.Hour
	s := NewScheduler(cycler, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	waitStarted(t, cycler)
	cycler.release <- struct{}{}
	waitIdle(t, s)

	if ok, reason := s.Trigger(); !ok {
		t.Fatalf("Trigger refused: %s", reason)
	}
	waitStarted(t, cycler)
	close(cycler.release)
	cancel()
	<-errCh
	if cycler.Runs() != 2 {
		t.Errorf("runs = %d, want 2", cycler.Runs())
	}
}

func TestTriggerBeforeRun(t *testing.T) {
	s := NewScheduler(newBlockingCycler(), testConfig(alice), nil)
	if ok, _ := s.Trigger(); ok {
		t.Fatal("Trigger should fail before Run")
	}
}

func TestIntervalRunsFromEndOfTriggeredCycle(t *testing.T) {
	cycler := newBlockingCycler()
	cfg := testConfig(alice)
	cfg.Sync.Interval = 400 * time.Millisecond
	s := NewScheduler(cycler, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	waitStarted(t, cycler)
	cycler.release <- struct{}{}
	firstEnded := time.Now()
	waitIdle(t, s)

	time.Sleep(100 * time.Millisecond)
	if ok, reason := s.Trigger(); !ok {
		t.Fatalf("Trigger refused: %s", reason)
	}
	waitStarted(t, cycler)
	time.Sleep(100 * time.Millisecond)
	cycler.release <- struct{}{}
	triggeredEnded := time.Now()

	// The deadline counted from the first cycle passes quietly.
	time.Sleep(time.Until(firstEnded.Add(500 * time.Millisecond)))
	if runs := cycler.Runs(); runs != 2 {
		t.Fatalf("runs = %d, want 2: the interval must restart after the triggered cycle", runs)
	}

	waitStarted(t, cycler)
	if gap := time.Since(triggeredEnded); gap < 350*time.Millisecond {
		t.Errorf("scheduled cycle started %s after the triggered one ended, want about 400ms", gap)
	}
	close(cycler.release)
	cancel()
	<-errCh
}

func TestDeadlineDuringTriggeredCycleWaitsForIt(t *testing.T) {
	cycler := newBlockingCycler()
	cfg := testConfig(alice)
	cfg.Sync.Interval = 200 * time.Millisecond
	s := NewScheduler(cycler, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	waitStarted(t, cycler)
	cycler.release <- struct{}{}
	firstEnded := time.Now()
	waitIdle(t, s)

	time.Sleep(50 * time.Millisecond)
	if ok, reason := s.Trigger(); !ok {
		t.Fatalf("Trigger refused: %s", reason)
	}
	waitStarted(t, cycler)

	// Hold the triggered cycle past the first deadline.
	time.Sleep(time.Until(firstEnded.Add(400 * time.Millisecond)))
	cycler.release <- struct{}{}
	ended := time.Now()

	waitStarted(t, cycler)
	if gap := time.Since(ended); gap < 150*time.Millisecond {
		t.Errorf("scheduled cycle started %s after the triggered one ended, want about 200ms", gap)
	}
	if st := s.Status(); st.SkippedCycles != 0 {
		t.Errorf("skipped cycles = %d; the scheduler should wait, not skip", st.SkippedCycles)
	}
	close(cycler.release)
	cancel()
	<-errCh
}
