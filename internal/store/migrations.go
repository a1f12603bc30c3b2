package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// sqliteMigrations is the ordered list of SQLite schema migrations.
// Each migration's version must be sequential starting from 1, and every
// statement must be safe to run twice.
var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS message_records (
	account      TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	document_id  TEXT NOT NULL DEFAULT '',
	folder       TEXT NOT NULL DEFAULT '',
	received_at  DATETIME NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	processed_at DATETIME NOT NULL,
	fingerprint  TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account, message_id)
);

CREATE INDEX IF NOT EXISTS idx_message_records_account_status
	ON message_records(account, status);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_message_records_account_folder
	ON message_records(account, folder);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS sync_job_members (
	job_id    TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	owner     INTEGER NOT NULL DEFAULT 0,
	heartbeat BIGINT NOT NULL,
	PRIMARY KEY (job_id, worker_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_job_members_heartbeat
	ON sync_job_members(heartbeat);
`,
	},
}

// postgresMigrations mirrors sqliteMigrations with Postgres types.
var postgresMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS message_records (
	account      TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	document_id  TEXT NOT NULL DEFAULT '',
	folder       TEXT NOT NULL DEFAULT '',
	received_at  TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INTEGER NOT NULL DEFAULT 0,
	processed_at TIMESTAMPTZ NOT NULL,
	fingerprint  TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account, message_id)
);

CREATE INDEX IF NOT EXISTS idx_message_records_account_status
	ON message_records(account, status);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_message_records_account_folder
	ON message_records(account, folder);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS sync_job_members (
	job_id    TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	owner     BOOLEAN NOT NULL DEFAULT FALSE,
	heartbeat BIGINT NOT NULL,
	PRIMARY KEY (job_id, worker_id)
);

CREATE INDEX IF NOT EXISTS idx_sync_job_members_heartbeat
	ON sync_job_members(heartbeat);
`,
	},
}
