package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
	"github.com/nhle/mailindex-sync/internal/store"
	"github.com/nhle/mailindex-sync/tests/testutil"
)

// registryContract runs the membership behavior every backend shares.
func registryContract(t *testing.T, reg store.JobRegistry) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	owner := model.JobMember{JobID: "job-1", WorkerID: "w0", Owner: true, HeartbeatAt: at}
	joiner := model.JobMember{JobID: "job-1", WorkerID: "w1", HeartbeatAt: at.Add(-time.Hour)}
	other := model.JobMember{JobID: "job-2", WorkerID: "w0", HeartbeatAt: at}
	for _, m := range []model.JobMember{owner, joiner, other} {
		if err := reg.RegisterMember(ctx, m); err != nil {
			t.Fatalf("RegisterMember(%s/%s): %v", m.JobID, m.WorkerID, err)
		}
	}

	// A second registration is a heartbeat, not a new member.
	joiner.HeartbeatAt = at.Add(time.Minute)
	if err := reg.RegisterMember(ctx, joiner); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	members, err := reg.JobMembers(ctx, "job-1")
	if err != nil {
		t.Fatalf("JobMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("JobMembers = %+v, want 2 members", members)
	}
	byWorker := map[string]model.JobMember{}
	for _, m := range members {
		byWorker[m.WorkerID] = m
	}
	if !byWorker["w0"].Owner || byWorker["w1"].Owner {
		t.Errorf("owner flags = %+v", members)
	}
	if !byWorker["w1"].HeartbeatAt.Equal(joiner.HeartbeatAt) {
		t.Errorf("heartbeat = %v, want %v", byWorker["w1"].HeartbeatAt, joiner.HeartbeatAt)
	}

	if err := reg.RemoveMember(ctx, "job-1", "w1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if err := reg.RemoveMember(ctx, "job-1", "w1"); err != nil {
		t.Fatalf("RemoveMember(again): %v", err)
	}
	members, _ = reg.JobMembers(ctx, "job-1")
	if len(members) != 1 || members[0].WorkerID != "w0" {
		t.Fatalf("after RemoveMember: %+v", members)
	}

	stale := model.JobMember{JobID: "job-3", WorkerID: "w9", HeartbeatAt: at.Add(-30 * time.Minute)}
	if err := reg.RegisterMember(ctx, stale); err != nil {
		t.Fatal(err)
	}
	n, err := reg.RemoveStaleMembers(ctx, at.Add(-10*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RemoveStaleMembers = %d, %v; want 1", n, err)
	}
	if members, _ := reg.JobMembers(ctx, "job-3"); len(members) != 0 {
		t.Errorf("stale member survived: %+v", members)
	}
	if members, _ := reg.JobMembers(ctx, "job-2"); len(members) != 1 {
		t.Errorf("fresh member removed: %+v", members)
	}
}

func TestSQLiteJobRegistry(t *testing.T) {
	registryContract(t, testutil.NewTestStore(t))
}

func TestMemoryJobRegistry(t *testing.T) {
	registryContract(t, store.NewMemoryStore())
}

func TestRetryingStoreForwardsJobRegistry(t *testing.T) {
	s := store.WithRetry(store.NewMemoryStore(), retry.Policy{MaxAttempts: 2}, time.Second)
	reg, ok := s.(store.JobRegistry)
	if !ok {
		t.Fatal("retrying store does not expose the job registry")
	}
	registryContract(t, reg)
}
