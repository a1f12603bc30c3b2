package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nhle/mailindex-sync/internal/retry"
)

// postgresMigrationLock is the advisory lock key held while migrating.
const postgresMigrationLock = 7734120031

var postgresDialect = dialect{
	name:          "postgres",
	migrations:    postgresMigrations,
	lockSQL:       fmt.Sprintf("SELECT pg_advisory_xact_lock(%d)", postgresMigrationLock),
	alreadyExists: pgAlreadyExists,
	classify:      pgClassify,
}

// pgAlreadyExists matches the errors Postgres raises when two sessions
// create the same relation at once.
func pgAlreadyExists(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "42P07", // duplicate_table
		"42710", // duplicate_object
		"23505": // unique_violation on pg_type during concurrent CREATE
		return true
	}
	return false
}

// pgClassify marks connection, serialization and capacity errors as
// transient.
func pgClassify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08", // connection_exception
			pqErr.Code == "40001", // serialization_failure
			pqErr.Code == "40P01", // deadlock_detected
			pqErr.Code == "53300", // too_many_connections
			pqErr.Code == "57P03": // cannot_connect_now
			return retry.MarkTransient(err)
		}
		return err
	}
	if retry.Classify(err) == retry.Transient {
		return retry.MarkTransient(err)
	}
	return err
}

// NewPostgresStore connects to Postgres with the given DSN and runs any
// pending schema migrations under an advisory lock.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s, err := newSQLStore(ctx, db, postgresDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
