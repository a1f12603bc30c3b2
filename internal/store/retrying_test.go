package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
	"github.com/nhle/mailindex-sync/internal/store"
)

// flakyStore fails the first failures calls to Upsert with err.
type flakyStore struct {
	*store.MemoryStore
	failures int
	err      error
	calls    int
	deadline bool
}

func (f *flakyStore) Upsert(ctx context.Context, rec model.MessageRecord) error {
	f.calls++
	if _, ok := ctx.Deadline(); ok {
		f.deadline = true
	}
	if f.calls <= f.failures {
		return f.err
	}
	return f.MemoryStore.Upsert(ctx, rec)
}

func TestWithRetryRecoversFromTransientErrors(t *testing.T) {
	flaky := &flakyStore{
		MemoryStore: store.NewMemoryStore(),
		failures:    2,
		err:         retry.MarkTransient(errors.New("database is locked")),
	}
	s := store.WithRetry(flaky, retry.Policy{MaxAttempts: 3}, time.Second)

	rec := model.MessageRecord{Account: "a@example.com", MessageID: "1", Status: model.StatusPending}
	if err := s.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls)
	}
	if !flaky.deadline {
		t.Error("attempts should run under a per-call timeout")
	}
	ok, _ := s.Exists(context.Background(), rec.Key())
	if !ok {
		t.Error("record missing after retried upsert")
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	flaky := &flakyStore{
		MemoryStore: store.NewMemoryStore(),
		failures:    10,
		err:         retry.MarkTransient(errors.New("connection reset")),
	}
	s := store.WithRetry(flaky, retry.Policy{MaxAttempts: 3}, 0)

	err := s.Upsert(context.Background(), model.MessageRecord{Account: "a", MessageID: "1"})
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ExhaustedError", err)
	}
	if flaky.calls != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls)
	}
}

func TestWithRetryFatalErrorsAreNotRetried(t *testing.T) {
	flaky := &flakyStore{
		MemoryStore: store.NewMemoryStore(),
		failures:    10,
		err:         errors.New("constraint failed"),
	}
	s := store.WithRetry(flaky, retry.Policy{MaxAttempts: 3}, 0)

	if err := s.Upsert(context.Background(), model.MessageRecord{}); err == nil {
		t.Fatal("expected error")
	}
	if flaky.calls != 1 {
		t.Errorf("calls = %d, want 1", flaky.calls)
	}
}
