package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nhle/mailindex-sync/internal/content"
	"github.com/nhle/mailindex-sync/internal/index"
	"github.com/nhle/mailindex-sync/internal/job"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
	"github.com/nhle/mailindex-sync/internal/source"
	"github.com/nhle/mailindex-sync/internal/store"
	"github.com/nhle/mailindex-sync/tests/testutil"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
)

func testConfig(accounts ...string) *model.AppConfig {
	return &model.AppConfig{
		Accounts: accounts,
		Worker:   model.WorkerConfig{Index: 0, Count: 1, Threads: 2},
		Sync: model.SyncConfig{
			Mode:               "delta",
			Interval:           time.Hour,
			BatchSize:          3,
			MaxMessageAttempts: 5,
		},
		Content: model.ContentConfig{
			HTMLThreshold:    100000,
			HTMLChunkSize:    500000,
			MaxContentMB:     10,
			MaxDocumentBytes: 50000000,
		},
		Conflicts: model.ConflictConfig{AutoResolve: true, MaxRetries: 3},
	}
}

type harness struct {
	cfg    *model.AppConfig
	idx    *index.MemoryIndex
	store  *store.SQLStore
	src    *testutil.FakeSource
	engine *Engine
}

func newHarness(t *testing.T, cfg *model.AppConfig) *harness {
	t.Helper()
	h := &harness{
		cfg:   cfg,
		idx:   index.NewMemoryIndex(),
		store: testutil.NewTestStore(t),
		src:   testutil.NewFakeSource(),
	}
	coord := job.New(h.idx, job.Options{
		AutoResolve: cfg.Conflicts.AutoResolve,
		MaxRetries:  cfg.Conflicts.MaxRetries,
		Registry:    h.store,
		WorkerID:    "worker-0",
	})
	h.engine = NewEngine(cfg, h.store, coord, h.src.Opener(), nil)
	return h
}

func (h *harness) fill(account string, n int) {
	for i := 0; i < n; i++ {
		h.src.Add(account, "INBOX", fmt.Sprintf("INBOX:1:%d", i))
	}
}

func outcome(t *testing.T, s model.CycleSummary, account string) model.AccountOutcome {
	t.Helper()
	for _, a := range s.Accounts {
		if a.Account == account {
			return a
		}
	}
	t.Fatalf("no outcome for %s in %+v", account, s.Accounts)
	return model.AccountOutcome{}
}

func TestCycleIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(alice))
	h.fill(alice, 7)
	ctx := context.Background()

	first := h.engine.RunCycle(ctx)
	if got := outcome(t, first, alice); got.Processed != 7 || got.Failed != 0 || got.State != model.AccountSynced {
		t.Fatalf("first cycle = %+v", got)
	}
	if h.idx.Len() != 7 {
		t.Fatalf("index has %d documents, want 7", h.idx.Len())
	}
	puts, fetches := h.idx.PutCalls(), h.src.Fetches()
	if puts != 3 {
		t.Errorf("put calls = %d, want 3 for batch size 3", puts)
	}

	second := h.engine.RunCycle(ctx)
	got := outcome(t, second, alice)
	if got.Processed != 0 || got.Skipped != 7 || got.Deleted != 0 {
		t.Fatalf("second cycle = %+v", got)
	}
	if h.idx.PutCalls() != puts || h.src.Fetches() != fetches {
		t.Error("second cycle touched the index or fetched bodies")
	}
	if h.engine.Coordinator().State() != job.StateNone {
		t.Errorf("job left in state %s", h.engine.Coordinator().State())
	}
}

func TestChangedMessageIsResubmitted(t *testing.T) {
	h := newHarness(t, testConfig(alice))
	h.fill(alice, 3)
	ctx := context.Background()
	h.engine.RunCycle(ctx)

	h.src.Touch(alice, "INBOX:1:1")
	got := outcome(t, h.engine.RunCycle(ctx), alice)
	if got.Processed != 1 || got.Skipped != 2 {
		t.Fatalf("cycle = %+v", got)
	}
	rec, _ := h.store.Get(ctx, model.RecordKey{Account: alice, MessageID: "INBOX:1:1"})
	if rec.Attempts != 0 || rec.Status != model.StatusProcessed {
		t.Errorf("record = %+v", rec)
	}
	if h.idx.Len() != 3 {
		t.Errorf("index has %d documents, resubmission should overwrite", h.idx.Len())
	}
}

func TestDeletedMessageIsReconciled(t *testing.T) {
	h := newHarness(t, testConfig(alice))
	h.fill(alice, 3)
	ctx := context.Background()
	h.engine.RunCycle(ctx)

	h.src.Remove(alice, "INBOX:1:2")
	got := outcome(t, h.engine.RunCycle(ctx), alice)
	if got.Deleted != 1 {
		t.Fatalf("cycle = %+v", got)
	}
	if _, ok := h.idx.Document(content.DocumentID(alice, "INBOX:1:2")); ok {
		t.Error("document of removed message still indexed")
	}
	if ok, _ := h.store.Exists(ctx, model.RecordKey{Account: alice, MessageID: "INBOX:1:2"}); ok {
		t.Error("record of removed message still stored")
	}
}

func TestAuthFailureSkipsOnlyThatAccount(t *testing.T) {
	h := newHarness(t, testConfig(alice, bob))
	h.fill(alice, 2)
	h.fill(bob, 2)
	h.src.FailAuth(bob)

	s := h.engine.RunCycle(context.Background())
	if got := outcome(t, s, bob); got.State != model.AccountAuthFailed {
		t.Errorf("bob = %+v", got)
	}
	if got := outcome(t, s, alice); got.Processed != 2 {
		t.Errorf("alice = %+v", got)
	}
}

func TestProcessingLimitIsProcessWide(t *testing.T) {
	cfg := testConfig(alice, bob)
	cfg.Sync.ProcessingLimit = 3
	h := newHarness(t, cfg)
	h.fill(alice, 4)
	h.fill(bob, 4)

	s := h.engine.RunCycle(context.Background())
	if total := s.Totals().Processed; total != 3 {
		t.Fatalf("processed %d messages, want 3", total)
	}
	if h.idx.Len() != 3 {
		t.Errorf("index has %d documents", h.idx.Len())
	}
}

func TestFullModeClearsAndResubmits(t *testing.T) {
	cfg := testConfig(alice)
	h := newHarness(t, cfg)
	h.fill(alice, 4)
	ctx := context.Background()
	h.engine.RunCycle(ctx)

	cfg.Sync.Mode = "full"
	got := outcome(t, h.engine.RunCycle(ctx), alice)
	if got.Deleted != 4 || got.Processed != 4 || got.Skipped != 0 {
		t.Fatalf("full cycle = %+v", got)
	}
	if h.idx.Len() != 4 {
		t.Errorf("index has %d documents", h.idx.Len())
	}
}

func TestConflictExhaustionFailsBatchesOnly(t *testing.T) {
	cfg := testConfig(alice)
	h := newHarness(t, cfg)
	h.fill(alice, 4)
	conflicts := make([]error, cfg.Conflicts.MaxRetries)
	for i := range conflicts {
		conflicts[i] = &index.ConflictError{Message: "busy"}
	}
	h.idx.FailNextStarts(conflicts...)
	ctx := context.Background()

	s := h.engine.RunCycle(ctx)
	got := outcome(t, s, alice)
	if got.Failed != 4 || got.Processed != 0 {
		t.Fatalf("cycle = %+v", got)
	}
	if h.idx.StartCalls() != cfg.Conflicts.MaxRetries {
		t.Errorf("start calls = %d, want %d", h.idx.StartCalls(), cfg.Conflicts.MaxRetries)
	}
	rec, _ := h.store.Get(ctx, model.RecordKey{Account: alice, MessageID: "INBOX:1:0"})
	if rec == nil || rec.Status != model.StatusFailed {
		t.Fatalf("record = %+v", rec)
	}

	// The next cycle gets a fresh budget and retries the failed messages.
	got = outcome(t, h.engine.RunCycle(ctx), alice)
	if got.Processed != 4 {
		t.Fatalf("retry cycle = %+v", got)
	}
}

func TestFailedMessageStopsAfterMaxAttempts(t *testing.T) {
	cfg := testConfig(alice)
	cfg.Sync.MaxMessageAttempts = 2
	h := newHarness(t, cfg)
	h.fill(alice, 1)
	h.idx.Reject(content.DocumentID(alice, "INBOX:1:0"), "invalid document")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if got := outcome(t, h.engine.RunCycle(ctx), alice); got.Failed != 1 {
			t.Fatalf("cycle %d = %+v", i, got)
		}
	}
	got := outcome(t, h.engine.RunCycle(ctx), alice)
	if got.Failed != 0 || got.Skipped != 1 {
		t.Fatalf("third cycle = %+v", got)
	}
}

func TestCancelledCycleStartsNoAccount(t *testing.T) {
	h := newHarness(t, testConfig(alice, bob))
	h.fill(alice, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := h.engine.RunCycle(ctx)
	for _, a := range s.Accounts {
		if a.State != model.AccountInterrupted {
			t.Errorf("%s state = %s", a.Account, a.State)
		}
	}
	if h.src.Opens() != 0 {
		t.Error("mailbox opened after cancellation")
	}
}

func TestWorkerProcessesOnlyItsAccounts(t *testing.T) {
	cfg := testConfig(alice, bob)
	cfg.Worker = model.WorkerConfig{Index: 1, Count: 2, Threads: 1}
	h := newHarness(t, cfg)
	h.fill(alice, 1)
	h.fill(bob, 1)

	s := h.engine.RunCycle(context.Background())
	if len(s.Accounts) != 1 || s.Accounts[0].Account != bob {
		t.Fatalf("accounts = %+v", s.Accounts)
	}
}

func TestShutdownMidAccountFlushesPendingBatch(t *testing.T) {
	cfg := testConfig(alice)
	cfg.Worker.Threads = 1
	h := newHarness(t, cfg)
	h.fill(alice, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetched := 0
	h.src.OnFetch(func(source.MessageRef) {
		fetched++
		if fetched == 4 {
			cancel()
		}
	})

	s := h.engine.RunCycle(ctx)
	got := outcome(t, s, alice)
	if got.State != model.AccountInterrupted {
		t.Fatalf("state = %s, want interrupted", got.State)
	}
	// The batch in progress when shutdown arrived is completed and
	// recorded; nothing after it is touched.
	if got.Processed != 6 || got.Failed != 0 || got.Deleted != 0 {
		t.Errorf("outcome = %+v, want 6 processed", got)
	}
	if h.src.Fetches() != 6 || h.idx.Len() != 6 {
		t.Errorf("fetches = %d, documents = %d; want 6 and 6", h.src.Fetches(), h.idx.Len())
	}
	recs, err := h.store.QueryByAccount(context.Background(), alice)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if r.Status != model.StatusProcessed {
			t.Errorf("record %s left %s", r.MessageID, r.Status)
		}
	}
	if len(recs) != 6 {
		t.Errorf("records = %d, want 6", len(recs))
	}
	if h.engine.Coordinator().State() != job.StateNone {
		t.Errorf("job left in state %s", h.engine.Coordinator().State())
	}
	if running, _ := h.idx.ListSyncJobs(context.Background(), index.JobFilter{RunningOnly: true}); len(running) != 0 {
		t.Errorf("sync job still running after shutdown: %+v", running)
	}

	// The next cycle picks up where the interrupted one stopped.
	h.src.OnFetch(nil)
	next := outcome(t, h.engine.RunCycle(context.Background()), alice)
	if next.Processed != 2 || next.Skipped != 6 || next.State != model.AccountSynced {
		t.Errorf("next cycle = %+v", next)
	}
}

func TestTransientFetchFailureIsRetried(t *testing.T) {
	h := newHarness(t, testConfig(alice))
	h.fill(alice, 3)
	reset := retry.MarkTransient(errors.New("connection reset by peer"))
	h.src.FailFetches("INBOX:1:1", reset, reset)
	h.src.FailFetches("INBOX:1:2", reset, reset, reset)

	got := outcome(t, h.engine.RunCycle(context.Background()), alice)
	if got.Processed != 2 || got.Failed != 1 {
		t.Fatalf("outcome = %+v, want 2 processed and 1 failed", got)
	}
	// One clean fetch, one success on the third try, one exhausted.
	if h.src.Fetches() != 7 {
		t.Errorf("fetches = %d, want 7", h.src.Fetches())
	}
	rec, _ := h.store.Get(context.Background(), model.RecordKey{Account: alice, MessageID: "INBOX:1:2"})
	if rec == nil || rec.Status != model.StatusFailed || rec.Attempts != 1 {
		t.Errorf("exhausted record = %+v", rec)
	}
}

func TestCycleRegistersAndReleasesJob(t *testing.T) {
	h := newHarness(t, testConfig(alice))
	h.fill(alice, 2)
	ctx := context.Background()

	h.engine.RunCycle(ctx)
	jobs, _ := h.idx.ListSyncJobs(ctx, index.JobFilter{})
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v, want one", jobs)
	}
	if members, _ := h.store.JobMembers(ctx, jobs[0].ID); len(members) != 0 {
		t.Errorf("registration left after the cycle: %+v", members)
	}
	if jobs[0].Status.Running() {
		t.Error("the only member left but the job is still running")
	}
}
