package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name       string
	migrations []migration

	// lockSQL serializes concurrent migrators inside the migration
	// transaction. Empty when the driver's transaction lock is enough.
	lockSQL string

	// alreadyExists recognises errors raised by a racing provisioner.
	alreadyExists func(error) bool

	// classify marks transient driver errors.
	classify func(error) error
}

// SQLStore implements Store on top of sqlx. SQLite and Postgres share it
// and differ only in their dialect.
type SQLStore struct {
	db *sqlx.DB
	d  dialect
}

const recordColumns = `
	account, message_id, document_id, folder, received_at,
	status, attempts, processed_at, fingerprint, last_error`

// newSQLStore provisions the schema on db and wraps it.
func newSQLStore(ctx context.Context, db *sqlx.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}

	policy := retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Name:        "provision " + d.name,
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		err := s.runMigrations(ctx)
		if err != nil && d.alreadyExists(err) {
			// Another worker won the race part way; the next pass sees
			// its committed version and skips ahead.
			return retry.MarkTransient(err)
		}
		return d.classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// runMigrations creates the version table if needed, then applies every
// migration newer than the recorded version inside one transaction.
func (s *SQLStore) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`)
	if err != nil && !s.d.alreadyExists(err) {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	if s.d.lockSQL != "" {
		if _, err := tx.ExecContext(ctx, s.d.lockSQL); err != nil {
			return fmt.Errorf("locking schema: %w", err)
		}
	}

	currentVersion := 0
	if err := tx.GetContext(ctx, &currentVersion,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	insertVersion := tx.Rebind(
		"INSERT INTO schema_version (version) VALUES (?) ON CONFLICT (version) DO NOTHING")
	for _, m := range s.d.migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, insertVersion, m.version); err != nil {
			return fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
	}

	return tx.Commit()
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", s.d.classify(err))
	}
	return v, nil
}

// Exists reports whether a record exists for key.
func (s *SQLStore) Exists(ctx context.Context, key model.RecordKey) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		"SELECT COUNT(*) FROM message_records WHERE account = ? AND message_id = ?"),
		key.Account, key.MessageID,
	)
	if err != nil {
		return false, fmt.Errorf("checking record %s: %w", key.MessageID, s.d.classify(err))
	}
	return n > 0, nil
}

// Get returns the record for key, or nil when there is none.
func (s *SQLStore) Get(ctx context.Context, key model.RecordKey) (*model.MessageRecord, error) {
	var rec model.MessageRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(
		"SELECT"+recordColumns+" FROM message_records WHERE account = ? AND message_id = ?"),
		key.Account, key.MessageID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", key.MessageID, s.d.classify(err))
	}
	return &rec, nil
}

// QueryByAccount returns every record owned by account, ordered by
// message id.
func (s *SQLStore) QueryByAccount(
	ctx context.Context,
	account string,
) ([]model.MessageRecord, error) {
	var records []model.MessageRecord
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(
		"SELECT"+recordColumns+" FROM message_records WHERE account = ? ORDER BY message_id"),
		account,
	)
	if err != nil {
		return nil, fmt.Errorf("querying records for %s: %w", account, s.d.classify(err))
	}
	return records, nil
}

// Upsert inserts the record or replaces the existing one with the same key.
func (s *SQLStore) Upsert(ctx context.Context, rec model.MessageRecord) error {
	query := s.db.Rebind(`
		INSERT INTO message_records (` + recordColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account, message_id) DO UPDATE SET
			document_id  = excluded.document_id,
			folder       = excluded.folder,
			received_at  = excluded.received_at,
			status       = excluded.status,
			attempts     = excluded.attempts,
			processed_at = excluded.processed_at,
			fingerprint  = excluded.fingerprint,
			last_error   = excluded.last_error`)

	_, err := s.db.ExecContext(ctx, query,
		rec.Account, rec.MessageID, rec.DocumentID, rec.Folder, rec.ReceivedAt.UTC(),
		string(rec.Status), rec.Attempts, rec.ProcessedAt.UTC(), rec.Fingerprint, rec.LastError,
	)
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", rec.MessageID, s.d.classify(err))
	}
	return nil
}

// Delete removes the record for key.
func (s *SQLStore) Delete(ctx context.Context, key model.RecordKey) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM message_records WHERE account = ? AND message_id = ?"),
		key.Account, key.MessageID,
	)
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", key.MessageID, s.d.classify(err))
	}
	return nil
}

// DeleteAccount removes every record of account.
func (s *SQLStore) DeleteAccount(ctx context.Context, account string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM message_records WHERE account = ?"), account)
	if err != nil {
		return 0, fmt.Errorf("deleting records for %s: %w", account, s.d.classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted records: %w", err)
	}
	return int(n), nil
}
