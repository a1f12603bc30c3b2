// Package reconcile removes index documents whose source message is gone.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nhle/mailindex-sync/internal/index"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/source"
	"github.com/nhle/mailindex-sync/internal/store"
)

// Deleter removes documents from the index. *job.Coordinator satisfies it.
type Deleter interface {
	Delete(ctx context.Context, ids []string) ([]index.FailedDocument, error)
}

// SessionOpener opens a mailbox session for an account.
type SessionOpener interface {
	OpenSession(ctx context.Context, account model.Account) (source.Session, error)
}

// Result counts what one pass did.
type Result struct {
	Orphans int
	Deleted int
	Failed  int
}

// Reconciler pairs every index deletion with the matching state record
// deletion. The document always goes first; a record is only removed
// once its document is gone, so a failed pass is repeated next time.
type Reconciler struct {
	del    Deleter
	store  store.Store
	opener SessionOpener
	logger *slog.Logger
}

// New creates a reconciler. opener may be nil when only ReconcileObserved
// and ClearAccount are used.
func New(del Deleter, st store.Store, opener SessionOpener, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{del: del, store: st, opener: opener, logger: logger.With("component", "reconcile")}
}

// ReconcileAccount lists the account's mailbox and deletes what vanished.
// A listing failure deletes nothing.
func (r *Reconciler) ReconcileAccount(ctx context.Context, account model.Account) (Result, error) {
	if r.opener == nil {
		return Result{}, fmt.Errorf("reconciling %s: no mailbox opener configured", account)
	}
	sess, err := r.opener.OpenSession(ctx, account)
	if err != nil {
		return Result{}, fmt.Errorf("opening mailbox %s: %w", account, err)
	}
	defer sess.Close()

	observed, err := source.ObservedIDs(ctx, sess)
	if err != nil {
		return Result{}, fmt.Errorf("listing mailbox %s: %w", account, err)
	}
	return r.ReconcileObserved(ctx, account.Address, observed)
}

// ReconcileObserved deletes the records of account that are not in
// observed, together with their documents.
func (r *Reconciler) ReconcileObserved(ctx context.Context, account string, observed map[string]bool) (Result, error) {
	recs, err := r.store.QueryByAccount(ctx, account)
	if err != nil {
		return Result{}, fmt.Errorf("loading records of %s: %w", account, err)
	}
	var orphans []model.MessageRecord
	for _, rec := range recs {
		if !observed[rec.MessageID] {
			orphans = append(orphans, rec)
		}
	}
	if len(orphans) == 0 {
		return Result{}, nil
	}
	r.logger.Info("orphaned documents found", "account", account, "orphans", len(orphans), "tracked", len(recs))
	return r.deletePaired(ctx, account, orphans), nil
}

// ClearAccount deletes every document and record of account.
func (r *Reconciler) ClearAccount(ctx context.Context, account string) (Result, error) {
	recs, err := r.store.QueryByAccount(ctx, account)
	if err != nil {
		return Result{}, fmt.Errorf("loading records of %s: %w", account, err)
	}
	if len(recs) == 0 {
		return Result{}, nil
	}
	r.logger.Info("clearing account", "account", account, "records", len(recs))
	return r.deletePaired(ctx, account, recs), nil
}

func (r *Reconciler) deletePaired(ctx context.Context, account string, recs []model.MessageRecord) Result {
	res := Result{Orphans: len(recs)}

	byDoc := make(map[string]model.MessageRecord, len(recs))
	var docIDs []string
	for _, rec := range recs {
		if rec.DocumentID == "" {
			// Never submitted, so only the record exists.
			r.deleteRecord(ctx, rec, &res)
			continue
		}
		byDoc[rec.DocumentID] = rec
		docIDs = append(docIDs, rec.DocumentID)
	}

	for start := 0; start < len(docIDs); start += index.MaxBatchDocuments {
		chunk := docIDs[start:min(start+index.MaxBatchDocuments, len(docIDs))]
		failed, err := r.del.Delete(ctx, chunk)
		if err != nil {
			r.logger.Warn("index deletion failed, will retry next pass", "account", account, "documents", len(chunk), "err", err)
			res.Failed += len(chunk)
			continue
		}
		rejected := make(map[string]bool, len(failed))
		for _, f := range failed {
			rejected[f.ID] = true
			r.logger.Warn("document not deleted", "account", account, "documentID", f.ID, "reason", f.Reason)
		}
		for _, id := range chunk {
			if rejected[id] {
				res.Failed++
				continue
			}
			r.deleteRecord(ctx, byDoc[id], &res)
		}
	}
	return res
}

func (r *Reconciler) deleteRecord(ctx context.Context, rec model.MessageRecord, res *Result) {
	if err := r.store.Delete(ctx, rec.Key()); err != nil {
		r.logger.Warn("record deletion failed, will retry next pass", "account", rec.Account, "messageID", rec.MessageID, "err", err)
		res.Failed++
		return
	}
	res.Deleted++
}
