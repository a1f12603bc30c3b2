package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nhle/mailindex-sync/internal/index"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
	"github.com/nhle/mailindex-sync/internal/store"
)

func newCoordinator(idx index.Index, autoResolve bool, maxRetries int) *Coordinator {
	return New(idx, Options{AutoResolve: autoResolve, MaxRetries: maxRetries, Calls: retry.Policy{MaxAttempts: 2}})
}

func conflicts(n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = &index.ConflictError{Message: "busy"}
	}
	return errs
}

func TestEnsureStartsOnceAndReuses(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	c := newCoordinator(idx, true, 3)

	first, err := c.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	second, err := c.Ensure(ctx)
	if err != nil || second != first {
		t.Fatalf("second Ensure = %q, %v; want %q", second, err, first)
	}
	if idx.StartCalls() != 1 {
		t.Errorf("start calls = %d, want 1", idx.StartCalls())
	}
	if c.State() != StateActive {
		t.Errorf("state = %s, want ACTIVE", c.State())
	}
}

func TestConflictResolvedByStoppingRunningJob(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	external := idx.StartExternalJob()
	c := newCoordinator(idx, true, 3)

	if _, err := c.Ensure(ctx); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if idx.StartCalls() != 2 {
		t.Errorf("start calls = %d, want 2", idx.StartCalls())
	}
	job, _ := idx.SyncJobStatus(ctx, external)
	if job.Status.Running() {
		t.Error("conflicting job still running")
	}
}

func TestConflictExhaustionMakesExactlyMaxAttempts(t *testing.T) {
	for _, maxRetries := range []int{1, 3, 5} {
		ctx := context.Background()
		idx := index.NewMemoryIndex()
		idx.FailNextStarts(conflicts(10)...)
		c := newCoordinator(idx, true, maxRetries)

		_, err := c.Ensure(ctx)
		if !errors.Is(err, ErrConflictExhausted) {
			t.Fatalf("max %d: err = %v, want ErrConflictExhausted", maxRetries, err)
		}
		if !index.IsConflict(err) {
			t.Errorf("max %d: last conflict not wrapped", maxRetries)
		}
		if idx.StartCalls() != maxRetries {
			t.Errorf("max %d: start calls = %d", maxRetries, idx.StartCalls())
		}
		if c.Attempts() != maxRetries {
			t.Errorf("max %d: Attempts() = %d", maxRetries, c.Attempts())
		}
		if c.State() != StateNone {
			t.Errorf("max %d: state = %s, want NONE", maxRetries, c.State())
		}

		// The budget is spent for the cycle.
		if _, err := c.Ensure(ctx); !errors.Is(err, ErrConflictExhausted) {
			t.Errorf("max %d: Ensure after exhaustion: %v", maxRetries, err)
		}
		if idx.StartCalls() != maxRetries {
			t.Errorf("max %d: Ensure after exhaustion called the index", maxRetries)
		}
	}
}

func TestConflictWithoutAutoResolveFailsOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	idx.StartExternalJob()
	c := newCoordinator(idx, false, 5)

	_, err := c.Ensure(ctx)
	if !index.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if errors.Is(err, ErrConflictExhausted) {
		t.Error("single attempt should not report exhaustion")
	}
	if idx.StartCalls() != 1 || idx.StopCalls() != 0 {
		t.Errorf("start calls = %d, stop calls = %d; want 1, 0", idx.StartCalls(), idx.StopCalls())
	}
}

func TestTransientStartErrorIsRetried(t *testing.T) {
	idx := index.NewMemoryIndex()
	idx.FailNextStarts(retry.MarkTransient(errors.New("connection reset")))
	c := newCoordinator(idx, false, 3)

	if _, err := c.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if idx.StartCalls() != 2 {
		t.Errorf("start calls = %d, want 2", idx.StartCalls())
	}
}

func TestResetRestoresBudget(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	idx.FailNextStarts(conflicts(2)...)
	c := newCoordinator(idx, true, 2)

	if _, err := c.Ensure(ctx); err == nil {
		t.Fatal("expected exhaustion")
	}
	c.Reset()
	if c.Attempts() != 0 {
		t.Fatalf("Attempts after Reset = %d", c.Attempts())
	}
	if _, err := c.Ensure(ctx); err != nil {
		t.Fatalf("Ensure after Reset: %v", err)
	}
}

func TestStopOnlyStopsOwnJob(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	c := newCoordinator(idx, true, 3)

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop without job: %v", err)
	}
	if idx.StopCalls() != 0 {
		t.Fatal("Stop without a job called the index")
	}

	id, _ := c.Ensure(ctx)
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	job, _ := idx.SyncJobStatus(ctx, id)
	if job.Status.Running() || c.State() != StateNone || c.JobID() != "" {
		t.Errorf("after Stop: job %s, state %s, id %q", job.Status, c.State(), c.JobID())
	}
}

func TestForceStopAll(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	idx.StartExternalJob()
	c := newCoordinator(idx, false, 1)

	n, err := c.ForceStopAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ForceStopAll = %d, %v; want 1", n, err)
	}
	if _, err := c.Ensure(ctx); err != nil {
		t.Fatalf("Ensure after force stop: %v", err)
	}
}

func TestSubmitAndDelete(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	idx.Reject("bad", "invalid")
	c := newCoordinator(idx, true, 3)

	failed, err := c.Submit(ctx, []*model.NormalizedDocument{{ID: "good"}, {ID: "bad"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "bad" {
		t.Fatalf("failed = %+v", failed)
	}
	if _, err := c.Delete(ctx, []string{"good"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("index has %d documents, want 0", idx.Len())
	}
}

func TestCleanupStopsOldJobs(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	idx.StartExternalJob()

	stopped, err := Cleanup(ctx, idx, time.Hour, time.Now())
	if err != nil || len(stopped) != 0 {
		t.Fatalf("young job: stopped %v, %v", stopped, err)
	}
	stopped, err = Cleanup(ctx, idx, time.Hour, time.Now().Add(2*time.Hour))
	if err != nil || len(stopped) != 1 {
		t.Fatalf("old job: stopped %v, %v", stopped, err)
	}

	polls := 0
	if err := Monitor(ctx, idx, time.Millisecond, func([]index.Job) { polls++ }); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if polls != 1 {
		t.Errorf("polls = %d, want 1", polls)
	}
}

func TestSubmitRecoversWhenJobStoppedElsewhere(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	a := newCoordinator(idx, true, 3)
	b := newCoordinator(idx, true, 3)

	first, err := a.Ensure(ctx)
	if err != nil {
		t.Fatalf("a.Ensure: %v", err)
	}
	// b conflicts with a's job and stops it to start its own.
	if _, err := b.Ensure(ctx); err != nil {
		t.Fatalf("b.Ensure: %v", err)
	}
	if a.State() != StateActive {
		t.Fatalf("a does not know yet: state %s", a.State())
	}

	failed, err := a.Submit(ctx, []*model.NormalizedDocument{{ID: "doc-1"}})
	if err != nil || len(failed) != 0 {
		t.Fatalf("Submit = %+v, %v; want it to recover under a new job", failed, err)
	}
	if _, ok := idx.Document("doc-1"); !ok {
		t.Error("document not stored after recovery")
	}
	if a.JobID() == "" || a.JobID() == first {
		t.Errorf("job id = %q, want a job other than %q", a.JobID(), first)
	}
	if a.Attempts() != 3 {
		t.Errorf("attempts = %d, want the recovery to spend the cycle budget", a.Attempts())
	}
}

func TestSubmitGivesUpAfterOneRecovery(t *testing.T) {
	ctx := context.Background()
	idx := &stoppingIndex{MemoryIndex: index.NewMemoryIndex()}
	c := newCoordinator(idx, true, 5)

	_, err := c.Submit(ctx, []*model.NormalizedDocument{{ID: "doc-1"}})
	if !index.IsJobNotRunning(err) {
		t.Fatalf("err = %v, want ErrJobNotRunning", err)
	}
	if idx.StartCalls() != 2 {
		t.Errorf("start calls = %d, want 2", idx.StartCalls())
	}
}

// stoppingIndex stops every job right after it starts.
type stoppingIndex struct {
	*index.MemoryIndex
}

func (s *stoppingIndex) StartSyncJob(ctx context.Context) (string, error) {
	id, err := s.MemoryIndex.StartSyncJob(ctx)
	if err != nil {
		return "", err
	}
	return id, s.MemoryIndex.StopSyncJob(ctx, id)
}

func sharedCoordinator(idx index.Index, reg Registry, worker string) *Coordinator {
	return New(idx, Options{
		AutoResolve: true,
		MaxRetries:  3,
		Calls:       retry.Policy{MaxAttempts: 2},
		Registry:    reg,
		WorkerID:    worker,
		StaleAfter:  10 * time.Minute,
	})
}

func TestWorkersJoinSharedJob(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	reg := store.NewMemoryStore()
	a := sharedCoordinator(idx, reg, "w0")
	b := sharedCoordinator(idx, reg, "w1")

	id, err := a.Ensure(ctx)
	if err != nil {
		t.Fatalf("a.Ensure: %v", err)
	}
	joined, err := b.Ensure(ctx)
	if err != nil {
		t.Fatalf("b.Ensure: %v", err)
	}
	if joined != id {
		t.Fatalf("b is on job %q, want to join %q", joined, id)
	}
	if !a.Owner() || b.Owner() {
		t.Errorf("owner flags: a=%v b=%v", a.Owner(), b.Owner())
	}
	if idx.StartCalls() != 1 || idx.StopCalls() != 0 {
		t.Errorf("start calls = %d, stop calls = %d; want 1, 0", idx.StartCalls(), idx.StopCalls())
	}

	// The owner leaves first; b is still submitting.
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("a.Stop: %v", err)
	}
	if job, _ := idx.SyncJobStatus(ctx, id); !job.Status.Running() {
		t.Fatal("owner stopped the job while another worker was registered")
	}
	if _, err := b.Submit(ctx, []*model.NormalizedDocument{{ID: "doc-1"}}); err != nil {
		t.Fatalf("b.Submit after owner left: %v", err)
	}

	// The last member out stops the job.
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("b.Stop: %v", err)
	}
	if job, _ := idx.SyncJobStatus(ctx, id); job.Status.Running() {
		t.Error("job still running after every member left")
	}
	if members, _ := reg.JobMembers(ctx, id); len(members) != 0 {
		t.Errorf("registrations left behind: %+v", members)
	}
}

func TestOrphanedJobIsStoppedNotJoined(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	reg := store.NewMemoryStore()
	orphan := idx.StartExternalJob()

	// A registration that stopped heartbeating long ago.
	later := time.Now().Add(time.Hour)
	if err := reg.RegisterMember(ctx, model.JobMember{JobID: orphan, WorkerID: "gone", Owner: true, HeartbeatAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	c := sharedCoordinator(idx, reg, "w0")
	c.now = func() time.Time { return later }

	orphans, err := c.Orphans(ctx)
	if err != nil || len(orphans) != 1 || orphans[0].ID != orphan {
		t.Fatalf("Orphans = %+v, %v", orphans, err)
	}

	id, err := c.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if id == orphan || !c.Owner() {
		t.Errorf("joined the orphan %q instead of starting a job", id)
	}
	if job, _ := idx.SyncJobStatus(ctx, orphan); job.Status.Running() {
		t.Error("orphaned job still running")
	}
	if members, _ := reg.JobMembers(ctx, orphan); len(members) != 0 {
		t.Errorf("stale registration not pruned: %+v", members)
	}
}

func TestYoungUnregisteredJobIsJoined(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	reg := store.NewMemoryStore()
	racer := idx.StartExternalJob()

	c := sharedCoordinator(idx, reg, "w1")
	id, err := c.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if id != racer || c.Owner() {
		t.Errorf("Ensure = %q owner=%v; want to join %q", id, c.Owner(), racer)
	}
	if idx.StopCalls() != 0 {
		t.Error("a job that was just started elsewhere got stopped")
	}
}

func TestHeartbeatRefreshesRegistration(t *testing.T) {
	ctx := context.Background()
	idx := index.NewMemoryIndex()
	reg := store.NewMemoryStore()
	c := sharedCoordinator(idx, reg, "w0")

	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	now := start
	c.now = func() time.Time { return now }

	id, err := c.Ensure(ctx)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	now = start.Add(time.Minute)
	c.Heartbeat(ctx)
	members, _ := reg.JobMembers(ctx, id)
	if len(members) != 1 || !members[0].HeartbeatAt.Equal(start) {
		t.Fatalf("heartbeat written too early: %+v", members)
	}

	now = start.Add(5 * time.Minute)
	c.Heartbeat(ctx)
	members, _ = reg.JobMembers(ctx, id)
	if len(members) != 1 || !members[0].HeartbeatAt.Equal(now) {
		t.Errorf("heartbeat not refreshed: %+v", members)
	}

	pruned, err := c.PruneRegistrations(ctx)
	if err != nil || pruned != 0 {
		t.Errorf("PruneRegistrations = %d, %v; want 0", pruned, err)
	}
}
