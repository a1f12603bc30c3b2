package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailindex-sync/internal/retry"
)

var sqliteDialect = dialect{
	name:       "sqlite",
	migrations: sqliteMigrations,
	alreadyExists: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "already exists")
	},
	classify: func(err error) error {
		if err == nil {
			return nil
		}
		msg := err.Error()
		if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
			return retry.MarkTransient(err)
		}
		return err
	},
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations. Writers take
// the database lock when their transaction begins, so several processes
// provisioning the same file serialize instead of failing.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLStore, error) {
	memory := dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")

	dsn := dbPath
	if !memory {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = "file:" + dsn + sep + "_pragma=busy_timeout(5000)&_txlock=immediate"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if memory {
		// Every pooled connection would otherwise see its own empty
		// database.
		db.SetMaxOpenConns(1)
	} else {
		// Enable WAL mode for better concurrent read performance.
		wal := retry.Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, Name: "sqlite wal"}
		err := wal.Do(ctx, func(ctx context.Context) error {
			_, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL")
			return sqliteDialect.classify(err)
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s, err := newSQLStore(ctx, db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
