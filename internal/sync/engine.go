// Package sync runs sync cycles: it walks this worker's mailboxes, submits
// new and changed messages to the index and reconciles deletions.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailindex-sync/internal/batch"
	"github.com/nhle/mailindex-sync/internal/content"
	"github.com/nhle/mailindex-sync/internal/job"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/partition"
	"github.com/nhle/mailindex-sync/internal/reconcile"
	"github.com/nhle/mailindex-sync/internal/source"
	"github.com/nhle/mailindex-sync/internal/store"
)

// Engine runs one cycle at a time. The store and coordinator are shared
// by the account goroutines; everything else is per account.
type Engine struct {
	cfg    *model.AppConfig
	store  store.Store
	coord  *job.Coordinator
	opener reconcile.SessionOpener
	recon  *reconcile.Reconciler
	logger *slog.Logger
	now    func() time.Time

	// submitted counts messages handed to the pipeline this cycle, for
	// the processing limit.
	submitted atomic.Int64
}

// NewEngine wires an engine from its collaborators.
func NewEngine(cfg *model.AppConfig, st store.Store, coord *job.Coordinator, opener reconcile.SessionOpener, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		store:  st,
		coord:  coord,
		opener: opener,
		recon:  reconcile.New(coord, st, opener, logger),
		logger: logger.With("component", "engine"),
		now:    time.Now,
	}
}

// Coordinator returns the shared sync job coordinator.
func (e *Engine) Coordinator() *job.Coordinator {
	return e.coord
}

// RunCycle processes every account assigned to this worker and returns
// the summary. Cancelling ctx stops the cycle at the next batch or
// account boundary; calls already in flight complete.
func (e *Engine) RunCycle(ctx context.Context) model.CycleSummary {
	mode := e.cfg.SyncMode()
	summary := model.CycleSummary{
		RunID:     uuid.NewString(),
		Mode:      mode,
		StartedAt: e.now().UTC(),
	}
	logger := e.logger.With("runID", summary.RunID)

	accounts, err := partition.Assign(e.cfg.AccountList(), e.cfg.Worker.Index, e.cfg.Worker.Count)
	if err != nil {
		summary.Error = err.Error()
		summary.EndedAt = e.now().UTC()
		return summary
	}
	logger.Info("cycle started", "mode", mode, "accounts", len(accounts),
		"worker", e.cfg.Worker.Index, "workers", e.cfg.Worker.Count)

	e.coord.Reset()
	e.submitted.Store(0)

	// Network calls run detached from shutdown so a batch in flight is
	// never cut in half.
	netCtx := context.WithoutCancel(ctx)

	outcomes := make([]model.AccountOutcome, len(accounts))
	var g errgroup.Group
	g.SetLimit(max(e.cfg.Worker.Threads, 1))
	for i, account := range accounts {
		if ctx.Err() != nil {
			outcomes[i] = model.AccountOutcome{Account: account.Address, State: model.AccountInterrupted}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = model.AccountOutcome{Account: account.Address, State: model.AccountInterrupted}
				return nil
			}
			outcomes[i] = e.syncAccount(ctx, netCtx, account, logger)
			return nil
		})
	}
	_ = g.Wait()

	if err := e.coord.Stop(netCtx); err != nil {
		logger.Error("stopping sync job", "err", err)
		summary.Error = err.Error()
	}

	summary.Accounts = outcomes
	summary.EndedAt = e.now().UTC()
	logger.Info("cycle finished", summary.LogAttrs()...)
	return summary
}

// limitReached reserves one slot of the processing limit and reports
// whether the limit was already used up.
func (e *Engine) limitReached() bool {
	limit := e.cfg.Sync.ProcessingLimit
	if limit <= 0 {
		return false
	}
	return e.submitted.Add(1) > int64(limit)
}

func (e *Engine) syncAccount(ctx, netCtx context.Context, account model.Account, logger *slog.Logger) model.AccountOutcome {
	logger = logger.With("account", account.Address)
	out := model.AccountOutcome{Account: account.Address, State: model.AccountSynced}
	behavior := e.cfg.SyncMode().Behavior()

	if behavior.ClearBeforeSync {
		res, err := e.recon.ClearAccount(netCtx, account.Address)
		if err != nil {
			logger.Error("clearing account before full sync", "err", err)
		}
		out.Deleted += res.Deleted
	}

	sess, err := e.opener.OpenSession(netCtx, account)
	if err != nil {
		out.Error = err.Error()
		if source.IsAuthError(err) {
			logger.Warn("mailbox authentication failed, skipping account", "err", err)
			out.State = model.AccountAuthFailed
		} else {
			logger.Error("opening mailbox", "err", err)
			out.State = model.AccountFailed
		}
		return out
	}
	defer sess.Close()

	batcher, err := batch.New(e.coord, e.store, e.cfg.Sync.BatchSize, logger)
	if err != nil {
		out.State, out.Error = model.AccountFailed, err.Error()
		return out
	}
	w := &accountRun{
		engine:   e,
		account:  account,
		sess:     sess,
		pipeline: content.New(e.cfg.Content, logger),
		batcher:  batcher,
		behavior: behavior,
		logger:   logger,
		out:      &out,
		observed: make(map[string]bool),
	}

	complete, interrupted := w.walk(ctx, netCtx)

	if _, err := batcher.Flush(netCtx); err != nil {
		logger.Error("recording batch outcomes", "err", err)
	}
	stats := batcher.Stats()
	out.Processed += stats.Processed
	out.Failed += stats.Failed

	if interrupted {
		out.State = model.AccountInterrupted
		return out
	}

	switch {
	case !behavior.ReconcileOrphans:
	case !complete:
		logger.Warn("mailbox listing incomplete, skipping reconciliation")
	case e.cfg.Sync.Lookback > 0:
		logger.Debug("lookback window set, skipping reconciliation")
	default:
		res, err := e.recon.ReconcileObserved(netCtx, account.Address, w.observed)
		if err != nil {
			logger.Error("reconciling", "err", err)
		}
		out.Deleted += res.Deleted
	}

	logger.Info("account synced", "processed", out.Processed, "failed", out.Failed,
		"skipped", out.Skipped, "deleted", out.Deleted, "htmlTiers", w.pipeline.TierCounts(), "truncated", w.pipeline.Truncated())
	return out
}

// accountRun is the per-account state of one cycle.
type accountRun struct {
	engine   *Engine
	account  model.Account
	sess     source.Session
	pipeline *content.Pipeline
	batcher  *batch.Batcher
	behavior model.ModeBehavior
	logger   *slog.Logger
	out      *model.AccountOutcome
	observed map[string]bool
	limited  bool
}

// walk lists every folder and feeds new or changed messages to the
// batcher. It reports whether the listing saw the whole mailbox and
// whether shutdown interrupted it.
func (w *accountRun) walk(ctx, netCtx context.Context) (complete, interrupted bool) {
	folders, err := w.sess.ListFolders(netCtx)
	if err != nil {
		w.logger.Error("listing folders", "err", err)
		w.out.State, w.out.Error = model.AccountFailed, err.Error()
		return false, false
	}

	var since time.Time
	if lb := w.engine.cfg.Sync.Lookback; lb > 0 {
		since = w.engine.now().Add(-lb)
	}

	complete = true
	for _, folder := range folders {
		w.engine.coord.Heartbeat(netCtx)
		for ref, err := range w.sess.Messages(netCtx, folder, since) {
			if err != nil {
				w.logger.Error("listing messages", "folder", folder, "err", err)
				w.out.Error = err.Error()
				complete = false
				break
			}
			w.observed[ref.ID] = true

			// Shutdown is honored only between batches.
			if w.batcher.Len() == 0 && ctx.Err() != nil {
				w.logger.Info("shutdown requested, stopping account")
				return false, true
			}
			w.handle(netCtx, ref)
		}
	}
	return complete, false
}

func (w *accountRun) handle(ctx context.Context, ref source.MessageRef) {
	e := w.engine
	key := model.RecordKey{Account: w.account.Address, MessageID: ref.ID}
	rec, err := e.store.Get(ctx, key)
	if err != nil {
		w.logger.Error("reading state", "messageID", ref.ID, "err", err)
		w.out.Failed++
		return
	}

	if rec != nil {
		switch {
		case rec.Status == model.StatusProcessed && w.behavior.SkipUnchanged && rec.Fingerprint == ref.Fingerprint:
			w.out.Skipped++
			return
		case rec.Status == model.StatusFailed && e.cfg.Sync.MaxMessageAttempts > 0 && rec.Attempts >= e.cfg.Sync.MaxMessageAttempts:
			w.out.Skipped++
			return
		}
	}

	if w.limited || e.limitReached() {
		if !w.limited {
			w.logger.Info("processing limit reached", "limit", e.cfg.Sync.ProcessingLimit)
		}
		w.limited = true
		return
	}

	pending := model.MessageRecord{
		Account:    w.account.Address,
		MessageID:  ref.ID,
		DocumentID: content.DocumentID(w.account.Address, ref.ID),
		Status:     model.StatusPending,
	}
	if rec != nil {
		pending = *rec
		if rec.Status.CanTransition(model.StatusPending) {
			pending.Status = model.StatusPending
		}
	}
	pending.Folder = ref.Folder
	pending.ReceivedAt = ref.ReceivedAt
	pending.Fingerprint = ref.Fingerprint

	msg, err := w.sess.FetchBody(ctx, ref)
	if err != nil {
		if source.IsNotFound(err) {
			// Gone since listing; reconciliation handles the record.
			delete(w.observed, ref.ID)
			return
		}
		w.fail(ctx, pending, fmt.Errorf("fetching message: %w", err))
		return
	}

	doc, err := w.pipeline.Build(msg, w.account)
	if err != nil {
		w.fail(ctx, pending, err)
		return
	}
	if err := w.batcher.Add(ctx, batch.Item{Doc: doc, Record: pending}); err != nil {
		w.logger.Error("recording batch outcomes", "err", err)
	}
}

// fail records a message that never reached the index.
func (w *accountRun) fail(ctx context.Context, rec model.MessageRecord, cause error) {
	w.out.Failed++
	w.logger.Warn("message failed", "messageID", rec.MessageID, "err", cause)

	rec.Status = model.StatusFailed
	rec.Attempts++
	rec.ProcessedAt = w.engine.now().UTC()
	rec.LastError = cause.Error()
	if err := w.engine.store.Upsert(ctx, rec); err != nil {
		w.logger.Error("recording failure", "messageID", rec.MessageID, "err", err)
	}
}
