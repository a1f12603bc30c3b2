// Package store persists the dedup state of processed messages.
package store

import (
	"context"
	"errors"

	"github.com/nhle/mailindex-sync/internal/model"
)

// ErrNotFound is returned by backends for a missing record where a nil
// result is not enough.
var ErrNotFound = errors.New("record not found")

// Store defines the dedup state store contract. Every backend provisions
// its own schema when opened and treats a racing provisioner as success.
type Store interface {
	// --- Lookups ---

	// Exists reports whether a record exists for key.
	Exists(ctx context.Context, key model.RecordKey) (bool, error)

	// Get returns the record for key, or nil when there is none.
	Get(ctx context.Context, key model.RecordKey) (*model.MessageRecord, error)

	// QueryByAccount returns every record owned by account. Backends
	// serve it from an index on the account, never a full scan.
	QueryByAccount(ctx context.Context, account string) ([]model.MessageRecord, error)

	// --- Mutations ---

	// Upsert creates or replaces the record with the same key.
	Upsert(ctx context.Context, rec model.MessageRecord) error

	// Delete removes the record for key. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, key model.RecordKey) error

	// DeleteAccount removes every record of account and returns how
	// many were removed.
	DeleteAccount(ctx context.Context, account string) (int, error)

	// Close releases the backend's resources.
	Close() error
}
