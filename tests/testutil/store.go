package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/store"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// Record returns a processed record for account and id with fixed times.
func Record(account, id string) model.MessageRecord {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.MessageRecord{
		Account:     account,
		MessageID:   id,
		DocumentID:  "doc-" + id,
		Folder:      "INBOX",
		ReceivedAt:  at,
		Status:      model.StatusProcessed,
		Attempts:    1,
		ProcessedAt: at.Add(time.Minute),
		Fingerprint: "fp-" + id,
	}
}
