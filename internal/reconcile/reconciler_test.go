package reconcile_test

import (
	"context"
	"slices"
	"testing"

	"github.com/nhle/mailindex-sync/internal/index"
	"github.com/nhle/mailindex-sync/internal/job"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/reconcile"
	"github.com/nhle/mailindex-sync/internal/store"
	"github.com/nhle/mailindex-sync/tests/testutil"
)

const account = "owner@example.com"

// seed stores a processed record and its indexed document for each id.
func seed(t *testing.T, st store.Store, coord *job.Coordinator, ids ...string) {
	t.Helper()
	ctx := context.Background()
	var docs []*model.NormalizedDocument
	for _, id := range ids {
		rec := testutil.Record(account, id)
		if err := st.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		docs = append(docs, &model.NormalizedDocument{ID: rec.DocumentID})
	}
	if _, err := coord.Submit(ctx, docs); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func setup(t *testing.T) (*index.MemoryIndex, store.Store, *job.Coordinator) {
	idx := index.NewMemoryIndex()
	st := testutil.NewTestStore(t)
	coord := job.New(idx, job.Options{AutoResolve: true, MaxRetries: 3})
	return idx, st, coord
}

func messageIDs(t *testing.T, st store.Store) []string {
	t.Helper()
	recs, err := st.QueryByAccount(context.Background(), account)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.MessageID)
	}
	slices.Sort(ids)
	return ids
}

func TestReconcileObservedDeletesOrphans(t *testing.T) {
	idx, st, coord := setup(t)
	seed(t, st, coord, "A", "B", "C")

	r := reconcile.New(coord, st, nil, nil)
	res, err := r.ReconcileObserved(context.Background(), account, map[string]bool{"A": true})
	if err != nil {
		t.Fatalf("ReconcileObserved: %v", err)
	}
	if res.Orphans != 2 || res.Deleted != 2 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if got := idx.DocumentIDs(); !slices.Equal(got, []string{"doc-A"}) {
		t.Errorf("index = %v, want [doc-A]", got)
	}
	if got := messageIDs(t, st); !slices.Equal(got, []string{"A"}) {
		t.Errorf("records = %v, want [A]", got)
	}
}

func TestRecordKeptWhenDocumentDeletionFails(t *testing.T) {
	idx, st, coord := setup(t)
	seed(t, st, coord, "A", "B", "C")
	idx.Reject("doc-B", "locked")

	r := reconcile.New(coord, st, nil, nil)
	res, err := r.ReconcileObserved(context.Background(), account, map[string]bool{"A": true})
	if err != nil {
		t.Fatalf("ReconcileObserved: %v", err)
	}
	if res.Deleted != 1 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := messageIDs(t, st); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("records = %v, want [A B]", got)
	}
	if _, ok := idx.Document("doc-B"); !ok {
		t.Error("rejected document should still be indexed")
	}
}

func TestReconcileAccountListsMailbox(t *testing.T) {
	idx, st, coord := setup(t)
	seed(t, st, coord, "INBOX:1", "INBOX:2")

	src := testutil.NewFakeSource()
	src.Add(account, "INBOX", "INBOX:1")

	r := reconcile.New(coord, st, src.Opener(), nil)
	res, err := r.ReconcileAccount(context.Background(), model.Account{Address: account})
	if err != nil {
		t.Fatalf("ReconcileAccount: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := idx.DocumentIDs(); !slices.Equal(got, []string{"doc-INBOX:1"}) {
		t.Errorf("index = %v", got)
	}
}

func TestReconcileAccountSkipsOnAuthFailure(t *testing.T) {
	_, st, coord := setup(t)
	seed(t, st, coord, "A")

	src := testutil.NewFakeSource()
	src.FailAuth(account)

	r := reconcile.New(coord, st, src.Opener(), nil)
	if _, err := r.ReconcileAccount(context.Background(), model.Account{Address: account}); err == nil {
		t.Fatal("expected error")
	}
	if got := messageIDs(t, st); len(got) != 1 {
		t.Errorf("records = %v, nothing should be deleted", got)
	}
}

func TestClearAccountChunksDeletes(t *testing.T) {
	idx, st, coord := setup(t)
	var ids []string
	for i := 0; i < 23; i++ {
		ids = append(ids, string(rune('a'+i)))
	}
	for start := 0; start < len(ids); start += index.MaxBatchDocuments {
		seed(t, st, coord, ids[start:min(start+index.MaxBatchDocuments, len(ids))]...)
	}

	r := reconcile.New(coord, st, nil, nil)
	res, err := r.ClearAccount(context.Background(), account)
	if err != nil {
		t.Fatalf("ClearAccount: %v", err)
	}
	if res.Deleted != 23 || idx.Len() != 0 {
		t.Errorf("result = %+v, index has %d", res, idx.Len())
	}
	if got := messageIDs(t, st); len(got) != 0 {
		t.Errorf("records left: %v", got)
	}
}
