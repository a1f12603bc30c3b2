package model

import (
	"log/slog"
	"time"
)

// AccountState is the outcome class of one account within a cycle.
type AccountState string

const (
	AccountSynced      AccountState = "synced"
	AccountAuthFailed  AccountState = "auth_failed"
	AccountFailed      AccountState = "failed"
	AccountInterrupted AccountState = "interrupted"
)

// AccountOutcome holds per-account counters for a cycle.
type AccountOutcome struct {
	Account   string       `json:"account"`
	State     AccountState `json:"state"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Deleted   int          `json:"deleted"`
	Error     string       `json:"error,omitempty"`
}

// CycleSummary describes one SyncRun.
type CycleSummary struct {
	RunID     string           `json:"run_id"`
	Mode      SyncMode         `json:"mode"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	Accounts  []AccountOutcome `json:"accounts"`
	Error     string           `json:"error,omitempty"`
}

// Totals sums the per-account counters.
func (s CycleSummary) Totals() AccountOutcome {
	var t AccountOutcome
	for _, a := range s.Accounts {
		t.Processed += a.Processed
		t.Failed += a.Failed
		t.Skipped += a.Skipped
		t.Deleted += a.Deleted
	}
	return t
}

// Duration is the wall time of the cycle.
func (s CycleSummary) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// LogAttrs returns the summary as slog attributes.
func (s CycleSummary) LogAttrs() []any {
	t := s.Totals()
	authFailed := 0
	for _, a := range s.Accounts {
		if a.State == AccountAuthFailed {
			authFailed++
		}
	}
	return []any{
		slog.String("runID", s.RunID),
		slog.String("mode", string(s.Mode)),
		slog.Int("accounts", len(s.Accounts)),
		slog.Int("authFailed", authFailed),
		slog.Int("processed", t.Processed),
		slog.Int("failed", t.Failed),
		slog.Int("skipped", t.Skipped),
		slog.Int("deleted", t.Deleted),
		slog.Duration("duration", s.Duration()),
	}
}
