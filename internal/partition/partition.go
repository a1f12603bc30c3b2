// Package partition splits the configured account list across a fleet of
// worker processes.
package partition

import (
	"fmt"

	"github.com/nhle/mailindex-sync/internal/model"
)

// Assign returns the accounts owned by worker index out of count workers:
// every account whose position k satisfies k mod count == index, in the
// original order. The result depends only on its inputs, so a restarted
// worker always owns the same accounts (and the same state records).
func Assign(accounts []model.Account, index, count int) ([]model.Account, error) {
	if count < 1 {
		return nil, &model.ConfigError{
			Field:   "worker.count",
			Message: fmt.Sprintf("must be at least 1, got %d", count),
		}
	}
	if index < 0 || index >= count {
		return nil, &model.ConfigError{
			Field:   "worker.index",
			Message: fmt.Sprintf("must be in [0, %d), got %d", count, index),
		}
	}

	if count == 1 {
		out := make([]model.Account, len(accounts))
		copy(out, accounts)
		return out, nil
	}

	out := make([]model.Account, 0, len(accounts)/count+1)
	for k, a := range accounts {
		if k%count == index {
			out = append(out, a)
		}
	}
	return out, nil
}

// Owner returns the worker index that owns the account at position k.
func Owner(k, count int) int {
	if count < 1 {
		return 0
	}
	return k % count
}
