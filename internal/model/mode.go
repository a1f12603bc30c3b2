package model

import (
	"fmt"
	"strings"
)

// SyncMode selects how a cycle treats previously processed messages.
type SyncMode string

const (
	ModeDelta SyncMode = "delta"
	ModeFull  SyncMode = "full"
)

// ModeBehavior is the explicit set of decisions a mode implies.
type ModeBehavior struct {
	// ClearBeforeSync removes every index document and state record of
	// an account before it is processed.
	ClearBeforeSync bool

	// SkipUnchanged skips messages already processed whose fingerprint
	// did not change.
	SkipUnchanged bool

	// ReconcileOrphans deletes documents whose source message vanished.
	ReconcileOrphans bool
}

var modeBehaviors = map[SyncMode]ModeBehavior{
	ModeDelta: {ClearBeforeSync: false, SkipUnchanged: true, ReconcileOrphans: true},
	ModeFull:  {ClearBeforeSync: true, SkipUnchanged: false, ReconcileOrphans: false},
}

// ParseSyncMode converts a configuration string into a SyncMode.
func ParseSyncMode(s string) (SyncMode, error) {
	m := SyncMode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := modeBehaviors[m]; !ok {
		return "", &ConfigError{
			Field:   "sync.mode",
			Message: fmt.Sprintf("unknown sync mode %q (want delta or full)", s),
		}
	}
	return m, nil
}

// Behavior returns the behavior table entry for m. Unknown modes get the
// delta behavior.
func (m SyncMode) Behavior() ModeBehavior {
	if b, ok := modeBehaviors[m]; ok {
		return b
	}
	return modeBehaviors[ModeDelta]
}

// String returns the mode name.
func (m SyncMode) String() string {
	return string(m)
}
