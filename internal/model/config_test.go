package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ACCOUNTS", "Alice@example.com, bob@example.com,,alice@example.com")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	accounts := cfg.AccountList()
	if len(accounts) != 2 || accounts[0].Address != "alice@example.com" || accounts[1].Address != "bob@example.com" {
		t.Errorf("accounts = %v", accounts)
	}
	if cfg.Worker.Count != 1 || cfg.Worker.Threads != 4 {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.SyncMode() != ModeDelta || cfg.Sync.Interval != 24*time.Hour || cfg.Sync.BatchSize != 10 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Content.HTMLThreshold != 100000 || cfg.Content.HTMLChunkSize != 500000 || cfg.Content.MaxContentMB != 10 {
		t.Errorf("content = %+v", cfg.Content)
	}
	if !cfg.Conflicts.AutoResolve || cfg.Conflicts.MaxRetries != 3 {
		t.Errorf("conflicts = %+v", cfg.Conflicts)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
accounts:
  - alice@example.com
worker:
  index: 1
  count: 3
sync:
  mode: full
  interval: 1h
  batch_size: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WORKER_INDEX", "2")
	t.Setenv("SYNC_MODE", "full")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("mode", "", "")
	fs.Int("threads", 0, "")
	if err := fs.Parse([]string{"--mode=delta"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, fs)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Worker.Index != 2 {
		t.Errorf("worker.index = %d, env should win over file", cfg.Worker.Index)
	}
	if cfg.Worker.Count != 3 || cfg.Sync.Interval != time.Hour || cfg.Sync.BatchSize != 5 {
		t.Errorf("file values lost: worker=%+v sync=%+v", cfg.Worker, cfg.Sync)
	}
	if cfg.SyncMode() != ModeDelta {
		t.Errorf("mode = %s, flag should win over env", cfg.SyncMode())
	}
	if cfg.Worker.Threads != 4 {
		t.Errorf("threads = %d, an unset flag must not override the default", cfg.Worker.Threads)
	}
}

func validConfig(t *testing.T) *AppConfig {
	t.Helper()
	cfg, err := LoadConfig("", nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Accounts = []string{"alice@example.com"}
	cfg.Index.Backend = "memory"
	cfg.Mailbox.Backend = "imap"
	cfg.Mailbox.Host = "imap.example.com"
	cfg.Mailbox.Auth = "login"
	cfg.Worker = WorkerConfig{Index: 0, Count: 1, Threads: 4}
	cfg.Sync.Mode = "delta"
	cfg.State.DSN = "memory://"
	return cfg
}

func TestValidate(t *testing.T) {
	if err := validConfig(t).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"no accounts", func(c *AppConfig) { c.Accounts = nil }},
		{"zero workers", func(c *AppConfig) { c.Worker.Count = 0 }},
		{"index out of range", func(c *AppConfig) { c.Worker.Index, c.Worker.Count = 3, 3 }},
		{"negative index", func(c *AppConfig) { c.Worker.Index = -1 }},
		{"no threads", func(c *AppConfig) { c.Worker.Threads = 0 }},
		{"unknown mode", func(c *AppConfig) { c.Sync.Mode = "incremental" }},
		{"batch too large", func(c *AppConfig) { c.Sync.BatchSize = IndexBatchLimit + 1 }},
		{"batch zero", func(c *AppConfig) { c.Sync.BatchSize = 0 }},
		{"no conflict retries", func(c *AppConfig) { c.Conflicts.MaxRetries = 0 }},
		{"no stale window", func(c *AppConfig) { c.Conflicts.StaleAfter = 0 }},
		{"imap without host", func(c *AppConfig) { c.Mailbox.Host = "" }},
		{"unknown auth", func(c *AppConfig) { c.Mailbox.Auth = "ntlm" }},
		{"mbox without root", func(c *AppConfig) { c.Mailbox.Backend = "mbox" }},
		{"qbusiness without ids", func(c *AppConfig) { c.Index.Backend = "qbusiness"; c.Index.ApplicationID = "" }},
		{"no state dsn", func(c *AppConfig) { c.State.DSN = " " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsConfigError(err) {
				t.Errorf("error %v is not a ConfigError", err)
			}
		})
	}
}

func TestParseSyncModeBehavior(t *testing.T) {
	m, err := ParseSyncMode(" FULL ")
	if err != nil || m != ModeFull {
		t.Fatalf("ParseSyncMode = %v, %v", m, err)
	}
	if b := m.Behavior(); !b.ClearBeforeSync || b.SkipUnchanged || b.ReconcileOrphans {
		t.Errorf("full behavior = %+v", b)
	}
	if b := ModeDelta.Behavior(); b.ClearBeforeSync || !b.SkipUnchanged || !b.ReconcileOrphans {
		t.Errorf("delta behavior = %+v", b)
	}
}
