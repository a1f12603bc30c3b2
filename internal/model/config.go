package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// IndexBatchLimit is the largest number of documents the index accepts in
// one put or delete call.
const IndexBatchLimit = 10

// WorkerConfig places this process within the horizontally split fleet.
type WorkerConfig struct {
	// Index is the zero-based position of this worker.
	Index int `mapstructure:"index" yaml:"index"`

	// Count is the total number of workers sharing the account list.
	Count int `mapstructure:"count" yaml:"count"`

	// Threads bounds how many accounts are processed in parallel.
	Threads int `mapstructure:"threads" yaml:"threads"`
}

// SyncConfig controls cycle behavior.
type SyncConfig struct {
	// Mode is "delta" or "full".
	Mode string `mapstructure:"mode" yaml:"mode"`

	// RunOnce runs a single cycle and exits.
	RunOnce bool `mapstructure:"run_once" yaml:"run_once"`

	// ForceStop stops every running sync job before the first cycle.
	ForceStop bool `mapstructure:"force_stop" yaml:"force_stop"`

	// Interval is the pause between the end of one cycle and the start
	// of the next.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// BatchSize is the number of documents submitted per index call.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// ProcessingLimit caps submitted messages per cycle. Zero means no
	// limit.
	ProcessingLimit int `mapstructure:"processing_limit" yaml:"processing_limit"`

	// Lookback restricts listing to messages received within the window.
	// Zero lists every message.
	Lookback time.Duration `mapstructure:"lookback" yaml:"lookback"`

	// MaxMessageAttempts stops retrying a failed message after this many
	// recorded attempts. Zero retries forever.
	MaxMessageAttempts int `mapstructure:"max_message_attempts" yaml:"max_message_attempts"`
}

// ContentConfig sizes the content pipeline tiers.
type ContentConfig struct {
	HTMLThreshold    int `mapstructure:"html_threshold" yaml:"html_threshold"`
	HTMLChunkSize    int `mapstructure:"html_chunk_size" yaml:"html_chunk_size"`
	MaxContentMB     int `mapstructure:"max_content_mb" yaml:"max_content_mb"`
	MaxDocumentBytes int `mapstructure:"max_document_bytes" yaml:"max_document_bytes"`
}

// ConflictConfig controls sync job conflict handling.
type ConflictConfig struct {
	// AutoResolve stops a conflicting job and retries the start.
	AutoResolve bool `mapstructure:"auto_resolve" yaml:"auto_resolve"`

	// MaxRetries is the total number of start attempts per cycle.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// Backoff is the base delay between start attempts.
	Backoff time.Duration `mapstructure:"backoff" yaml:"backoff"`

	// StaleAfter is how long a worker's registration under a shared
	// sync job stays live without a heartbeat.
	StaleAfter time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// RetryConfig bounds retries of transient I/O errors.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// TimeoutConfig bounds every network call.
type TimeoutConfig struct {
	Mailbox time.Duration `mapstructure:"mailbox" yaml:"mailbox"`
	Index   time.Duration `mapstructure:"index" yaml:"index"`
	State   time.Duration `mapstructure:"state" yaml:"state"`
}

// StateConfig selects the dedup state store.
type StateConfig struct {
	// DSN picks the backend by scheme: sqlite://, postgres://,
	// dynamodb://<table>, memory://.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// IndexConfig selects and addresses the document index.
type IndexConfig struct {
	// Backend is "qbusiness" or "memory".
	Backend       string  `mapstructure:"backend" yaml:"backend"`
	ApplicationID string  `mapstructure:"application_id" yaml:"application_id"`
	IndexID       string  `mapstructure:"index_id" yaml:"index_id"`
	DataSourceID  string  `mapstructure:"data_source_id" yaml:"data_source_id"`
	Region        string  `mapstructure:"region" yaml:"region"`
	Endpoint      string  `mapstructure:"endpoint" yaml:"endpoint"`
	RateLimit     float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// MailboxConfig selects and addresses the mailbox source.
type MailboxConfig struct {
	// Backend is "imap" or "mbox".
	Backend string `mapstructure:"backend" yaml:"backend"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    string `mapstructure:"port" yaml:"port"`
	TLS     bool   `mapstructure:"tls" yaml:"tls"`

	// Auth is "login", "plain-proxy" or "oauthbearer".
	Auth string `mapstructure:"auth" yaml:"auth"`

	// MboxRoot holds one directory of .mbox files per account.
	MboxRoot string `mapstructure:"mbox_root" yaml:"mbox_root"`
}

// CredentialsConfig selects the credential provider chain.
type CredentialsConfig struct {
	// Backend is a comma separated list of "env", "keyring" and "ssm",
	// tried in order.
	Backend string `mapstructure:"backend" yaml:"backend"`

	// SSMPrefix is the parameter path prefix for per-account secrets.
	SSMPrefix string `mapstructure:"ssm_prefix" yaml:"ssm_prefix"`

	// KeyringDir is the file backend directory of the keyring.
	KeyringDir string `mapstructure:"keyring_dir" yaml:"keyring_dir"`
}

// HealthConfig controls the status server.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
}

// AppConfig is the top-level configuration, built once at startup and
// passed to every component.
type AppConfig struct {
	Accounts    []string          `mapstructure:"accounts" yaml:"accounts"`
	Worker      WorkerConfig      `mapstructure:"worker" yaml:"worker"`
	Sync        SyncConfig        `mapstructure:"sync" yaml:"sync"`
	Content     ContentConfig     `mapstructure:"content" yaml:"content"`
	Conflicts   ConflictConfig    `mapstructure:"conflicts" yaml:"conflicts"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	Timeouts    TimeoutConfig     `mapstructure:"timeouts" yaml:"timeouts"`
	State       StateConfig       `mapstructure:"state" yaml:"state"`
	Index       IndexConfig       `mapstructure:"index" yaml:"index"`
	Mailbox     MailboxConfig     `mapstructure:"mailbox" yaml:"mailbox"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// SyncMode returns the parsed sync mode. Validate guarantees it parses.
func (c *AppConfig) SyncMode() SyncMode {
	m, err := ParseSyncMode(c.Sync.Mode)
	if err != nil {
		return ModeDelta
	}
	return m
}

// AccountList returns the configured accounts in order.
func (c *AppConfig) AccountList() []Account {
	return ParseAccounts(c.Accounts)
}

// defaults lists every key with its default value. Keys double as the
// names that env bindings and flags attach to.
var defaults = map[string]any{
	"worker.index":               0,
	"worker.count":               1,
	"worker.threads":             4,
	"sync.mode":                  string(ModeDelta),
	"sync.run_once":              false,
	"sync.force_stop":            false,
	"sync.interval":              24 * time.Hour,
	"sync.batch_size":            10,
	"sync.processing_limit":      0,
	"sync.lookback":              time.Duration(0),
	"sync.max_message_attempts":  5,
	"content.html_threshold":     100000,
	"content.html_chunk_size":    500000,
	"content.max_content_mb":     10,
	"content.max_document_bytes": 50000000,
	"conflicts.auto_resolve":     true,
	"conflicts.max_retries":      3,
	"conflicts.backoff":          5 * time.Second,
	"conflicts.stale_after":      10 * time.Minute,
	"retry.max_attempts":         3,
	"retry.base_delay":           500 * time.Millisecond,
	"retry.max_delay":            10 * time.Second,
	"timeouts.mailbox":           60 * time.Second,
	"timeouts.index":             60 * time.Second,
	"timeouts.state":             10 * time.Second,
	"state.dsn":                  "sqlite://processed-emails.db",
	"index.backend":              "qbusiness",
	"index.rate_limit":           5.0,
	"mailbox.backend":            "imap",
	"mailbox.port":               "993",
	"mailbox.tls":                true,
	"mailbox.auth":               "login",
	"credentials.backend":        "env",
	"credentials.ssm_prefix":     "/mailindex-sync/accounts",
	"health.enabled":             true,
	"health.addr":                ":8080",
	"log.level":                  "info",
}

// envBindings maps configuration keys to the environment variables that
// set them.
var envBindings = map[string]string{
	"accounts":                   "ACCOUNTS",
	"worker.index":               "WORKER_INDEX",
	"worker.count":               "WORKER_COUNT",
	"worker.threads":             "MAX_WORKER_THREADS",
	"sync.mode":                  "SYNC_MODE",
	"sync.run_once":              "RUN_ONCE",
	"sync.force_stop":            "FORCE_STOP",
	"sync.interval":              "SYNC_INTERVAL",
	"sync.batch_size":            "DOCUMENT_BATCH_SIZE",
	"sync.processing_limit":      "EMAIL_PROCESSING_LIMIT",
	"sync.lookback":              "SYNC_LOOKBACK",
	"sync.max_message_attempts":  "MAX_MESSAGE_ATTEMPTS",
	"content.html_threshold":     "HTML_PROCESSING_THRESHOLD",
	"content.html_chunk_size":    "HTML_CHUNK_SIZE",
	"content.max_content_mb":     "MAX_CONTENT_SIZE_MB",
	"content.max_document_bytes": "MAX_DOCUMENT_BYTES",
	"conflicts.auto_resolve":     "AUTO_RESOLVE_SYNC_CONFLICTS",
	"conflicts.max_retries":      "MAX_SYNC_CONFLICT_RETRIES",
	"conflicts.backoff":          "SYNC_CONFLICT_BACKOFF",
	"conflicts.stale_after":      "SYNC_JOB_STALE_AFTER",
	"state.dsn":                  "STATE_DSN",
	"index.backend":              "INDEX_BACKEND",
	"index.application_id":       "Q_APPLICATION_ID",
	"index.index_id":             "Q_INDEX_ID",
	"index.data_source_id":       "Q_DATA_SOURCE_ID",
	"index.region":               "AWS_REGION",
	"index.endpoint":             "Q_ENDPOINT",
	"index.rate_limit":           "INDEX_RATE_LIMIT",
	"mailbox.backend":            "MAILBOX_BACKEND",
	"mailbox.host":               "IMAP_HOST",
	"mailbox.port":               "IMAP_PORT",
	"mailbox.tls":                "IMAP_TLS",
	"mailbox.auth":               "MAILBOX_AUTH",
	"mailbox.mbox_root":          "MBOX_ROOT",
	"credentials.backend":        "CREDENTIALS_BACKEND",
	"credentials.ssm_prefix":     "SSM_PARAMETER_PREFIX",
	"credentials.keyring_dir":    "KEYRING_DIR",
	"health.enabled":             "HEALTH_ENABLED",
	"health.addr":                "HEALTH_ADDR",
	"log.level":                  "LOG_LEVEL",
	"log.dir":                    "LOG_DIR",
}

// flagBindings maps command-line flag names to configuration keys.
var flagBindings = map[string]string{
	"mode":         "sync.mode",
	"once":         "sync.run_once",
	"force-stop":   "sync.force_stop",
	"worker-index": "worker.index",
	"worker-count": "worker.count",
	"threads":      "worker.threads",
	"state-dsn":    "state.dsn",
	"health-addr":  "health.addr",
	"log-level":    "log.level",
	"log-dir":      "log.dir",
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailindex-sync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailindex-sync", "config.yaml")
}

// LoadConfig builds the configuration from defaults, the optional YAML
// file at path, environment variables and, when fs is non-nil, the flags
// that were explicitly set. Later sources win. The caller validates the
// result with Validate or ValidateIndex depending on what it needs.
func LoadConfig(path string, fs *pflag.FlagSet) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding env %s: %w", env, err)
		}
	}
	if fs != nil {
		for name, key := range flagBindings {
			flag := fs.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("binding flag --%s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Accounts = splitList(cfg.Accounts)
	return cfg, nil
}

// Validate checks the configuration and returns a *ConfigError describing
// the first problem found.
func (c *AppConfig) Validate() error {
	if len(c.AccountList()) == 0 {
		return &ConfigError{Field: "accounts", Message: "at least one account is required"}
	}
	if c.Worker.Count < 1 {
		return &ConfigError{Field: "worker.count", Message: "must be at least 1"}
	}
	if c.Worker.Index < 0 || c.Worker.Index >= c.Worker.Count {
		return &ConfigError{
			Field:   "worker.index",
			Message: fmt.Sprintf("must be in [0, %d), got %d", c.Worker.Count, c.Worker.Index),
		}
	}
	if c.Worker.Threads < 1 {
		return &ConfigError{Field: "worker.threads", Message: "must be at least 1"}
	}
	if _, err := ParseSyncMode(c.Sync.Mode); err != nil {
		return err
	}
	if c.Sync.Interval <= 0 {
		return &ConfigError{Field: "sync.interval", Message: "must be positive"}
	}
	if c.Sync.BatchSize < 1 || c.Sync.BatchSize > IndexBatchLimit {
		return &ConfigError{
			Field:   "sync.batch_size",
			Message: fmt.Sprintf("must be in [1, %d], got %d", IndexBatchLimit, c.Sync.BatchSize),
		}
	}
	if c.Sync.ProcessingLimit < 0 {
		return &ConfigError{Field: "sync.processing_limit", Message: "must not be negative"}
	}
	if c.Content.HTMLThreshold < 1 || c.Content.HTMLChunkSize < 1 {
		return &ConfigError{Field: "content", Message: "html threshold and chunk size must be positive"}
	}
	if c.Content.MaxContentMB < 1 {
		return &ConfigError{Field: "content.max_content_mb", Message: "must be at least 1"}
	}
	if c.Content.MaxDocumentBytes < 1024 {
		return &ConfigError{Field: "content.max_document_bytes", Message: "must be at least 1024"}
	}
	if c.Conflicts.MaxRetries < 1 {
		return &ConfigError{Field: "conflicts.max_retries", Message: "must be at least 1"}
	}
	if c.Conflicts.StaleAfter <= 0 {
		return &ConfigError{Field: "conflicts.stale_after", Message: "must be positive"}
	}
	if c.Retry.MaxAttempts < 1 {
		return &ConfigError{Field: "retry.max_attempts", Message: "must be at least 1"}
	}
	if strings.TrimSpace(c.State.DSN) == "" {
		return &ConfigError{Field: "state.dsn", Message: "is required"}
	}

	if err := c.ValidateIndex(); err != nil {
		return err
	}

	switch c.Mailbox.Backend {
	case "imap":
		if c.Mailbox.Host == "" {
			return &ConfigError{Field: "mailbox.host", Message: "is required for imap"}
		}
		switch c.Mailbox.Auth {
		case "login", "plain-proxy", "oauthbearer":
		default:
			return &ConfigError{Field: "mailbox.auth", Message: fmt.Sprintf("unknown mechanism %q", c.Mailbox.Auth)}
		}
	case "mbox":
		if c.Mailbox.MboxRoot == "" {
			return &ConfigError{Field: "mailbox.mbox_root", Message: "is required for mbox"}
		}
	default:
		return &ConfigError{Field: "mailbox.backend", Message: fmt.Sprintf("unknown backend %q", c.Mailbox.Backend)}
	}

	return nil
}

// ValidateIndex checks only the index settings, which is all the job
// administration commands need.
func (c *AppConfig) ValidateIndex() error {
	switch c.Index.Backend {
	case "qbusiness":
		if c.Index.ApplicationID == "" || c.Index.IndexID == "" || c.Index.DataSourceID == "" {
			return &ConfigError{
				Field:   "index",
				Message: "application_id, index_id and data_source_id are required for qbusiness",
			}
		}
	case "memory":
	default:
		return &ConfigError{Field: "index.backend", Message: fmt.Sprintf("unknown backend %q", c.Index.Backend)}
	}
	return nil
}

// splitList flattens comma separated entries, which is how list values
// arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
