// Package batch groups built documents into index submissions and records
// their outcomes in the state store.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/mailindex-sync/internal/index"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/store"
)

// Submitter puts documents into the index. *job.Coordinator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, docs []*model.NormalizedDocument) ([]index.FailedDocument, error)
}

// Item is a document waiting for submission together with its pending
// record.
type Item struct {
	Doc    *model.NormalizedDocument
	Record model.MessageRecord
}

// FlushResult is the outcome of one flush.
type FlushResult struct {
	Processed int
	Failed    int

	// SubmitErr is set when the whole batch was refused, in which case
	// every item counts as failed.
	SubmitErr error
}

// Stats accumulates over the batcher's life.
type Stats struct {
	Flushes     int
	Processed   int
	Failed      int
	StoreErrors int
}

// Batcher collects items and flushes them when the batch is full or when
// asked. It is owned by one goroutine.
type Batcher struct {
	sub    Submitter
	store  store.Store
	size   int
	items  []Item
	stats  Stats
	logger *slog.Logger
	now    func() time.Time
}

// New creates a batcher that flushes every size items.
func New(sub Submitter, st store.Store, size int, logger *slog.Logger) (*Batcher, error) {
	if size < 1 || size > index.MaxBatchDocuments {
		return nil, &model.ConfigError{
			Field:   "sync.batch_size",
			Message: fmt.Sprintf("must be in [1, %d], got %d", index.MaxBatchDocuments, size),
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		sub:    sub,
		store:  st,
		size:   size,
		items:  make([]Item, 0, size),
		logger: logger.With("component", "batch"),
		now:    time.Now,
	}, nil
}

// Len is the number of items waiting.
func (b *Batcher) Len() int { return len(b.items) }

// Stats returns the running totals.
func (b *Batcher) Stats() Stats { return b.stats }

// Add queues it and flushes when the batch is full. The returned error
// reports state store writes that failed during that flush.
func (b *Batcher) Add(ctx context.Context, it Item) error {
	b.items = append(b.items, it)
	if len(b.items) < b.size {
		return nil
	}
	_, err := b.Flush(ctx)
	return err
}

// Flush submits the queued items and writes one outcome record per item.
// An empty batch is a no-op.
func (b *Batcher) Flush(ctx context.Context) (FlushResult, error) {
	if len(b.items) == 0 {
		return FlushResult{}, nil
	}
	items := b.items
	b.items = make([]Item, 0, b.size)

	docs := make([]*model.NormalizedDocument, len(items))
	for i, it := range items {
		docs[i] = it.Doc
	}

	var res FlushResult
	rejected := make(map[string]string)
	failed, err := b.sub.Submit(ctx, docs)
	if err != nil {
		res.SubmitErr = err
		b.logger.Error("batch submission failed", "documents", len(docs), "err", err)
	} else {
		for _, f := range failed {
			rejected[f.ID] = f.Reason
		}
	}

	now := b.now().UTC()
	var storeErrs []error
	for _, it := range items {
		rec := it.Record
		rec.DocumentID = it.Doc.ID
		rec.ProcessedAt = now

		next := model.StatusProcessed
		reason, isRejected := rejected[it.Doc.ID]
		switch {
		case res.SubmitErr != nil:
			next, reason = model.StatusFailed, res.SubmitErr.Error()
		case isRejected:
			next = model.StatusFailed
		}
		rec.Status = next
		if next == model.StatusFailed {
			rec.Attempts++
			rec.LastError = reason
			res.Failed++
		} else {
			rec.Attempts = 0
			rec.LastError = ""
			res.Processed++
		}

		if err := b.store.Upsert(ctx, rec); err != nil {
			b.stats.StoreErrors++
			storeErrs = append(storeErrs, fmt.Errorf("recording %s: %w", rec.MessageID, err))
		}
	}

	b.stats.Flushes++
	b.stats.Processed += res.Processed
	b.stats.Failed += res.Failed
	b.logger.Debug("batch flushed", "processed", res.Processed, "failed", res.Failed)
	return res, errors.Join(storeErrs...)
}
