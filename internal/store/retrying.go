package store

import (
	"context"
	"time"

	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
)

// retrying decorates a Store so every call runs under a per-attempt
// timeout and transient failures are retried.
type retrying struct {
	next    Store
	policy  retry.Policy
	timeout time.Duration
}

// WithRetry wraps s. Each attempt gets its own timeout when timeout is
// positive. Exhaustion returns the last error wrapped in a
// *retry.ExhaustedError.
func WithRetry(s Store, policy retry.Policy, timeout time.Duration) Store {
	if policy.Name == "" {
		policy.Name = "state store"
	}
	return &retrying{next: s, policy: policy, timeout: timeout}
}

func (r *retrying) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	return r.policy.Do(ctx, func(ctx context.Context) error {
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		return op(ctx)
	})
}

func (r *retrying) Exists(ctx context.Context, key model.RecordKey) (bool, error) {
	var ok bool
	err := r.attempt(ctx, func(ctx context.Context) error {
		var err error
		ok, err = r.next.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (r *retrying) Get(ctx context.Context, key model.RecordKey) (*model.MessageRecord, error) {
	var rec *model.MessageRecord
	err := r.attempt(ctx, func(ctx context.Context) error {
		var err error
		rec, err = r.next.Get(ctx, key)
		return err
	})
	return rec, err
}

func (r *retrying) QueryByAccount(ctx context.Context, account string) ([]model.MessageRecord, error) {
	var records []model.MessageRecord
	err := r.attempt(ctx, func(ctx context.Context) error {
		var err error
		records, err = r.next.QueryByAccount(ctx, account)
		return err
	})
	return records, err
}

func (r *retrying) Upsert(ctx context.Context, rec model.MessageRecord) error {
	return r.attempt(ctx, func(ctx context.Context) error {
		return r.next.Upsert(ctx, rec)
	})
}

func (r *retrying) Delete(ctx context.Context, key model.RecordKey) error {
	return r.attempt(ctx, func(ctx context.Context) error {
		return r.next.Delete(ctx, key)
	})
}

func (r *retrying) DeleteAccount(ctx context.Context, account string) (int, error) {
	var n int
	err := r.attempt(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.next.DeleteAccount(ctx, account)
		return err
	})
	return n, err
}

func (r *retrying) registry() (JobRegistry, error) {
	reg, ok := r.next.(JobRegistry)
	if !ok {
		return nil, errNoRegistry
	}
	return reg, nil
}

func (r *retrying) RegisterMember(ctx context.Context, m model.JobMember) error {
	reg, err := r.registry()
	if err != nil {
		return err
	}
	return r.attempt(ctx, func(ctx context.Context) error {
		return reg.RegisterMember(ctx, m)
	})
}

func (r *retrying) JobMembers(ctx context.Context, jobID string) ([]model.JobMember, error) {
	reg, err := r.registry()
	if err != nil {
		return nil, err
	}
	var members []model.JobMember
	err = r.attempt(ctx, func(ctx context.Context) error {
		var err error
		members, err = reg.JobMembers(ctx, jobID)
		return err
	})
	return members, err
}

func (r *retrying) RemoveMember(ctx context.Context, jobID, workerID string) error {
	reg, err := r.registry()
	if err != nil {
		return err
	}
	return r.attempt(ctx, func(ctx context.Context) error {
		return reg.RemoveMember(ctx, jobID, workerID)
	})
}

func (r *retrying) RemoveStaleMembers(ctx context.Context, cutoff time.Time) (int, error) {
	reg, err := r.registry()
	if err != nil {
		return 0, err
	}
	var n int
	err = r.attempt(ctx, func(ctx context.Context) error {
		var err error
		n, err = reg.RemoveStaleMembers(ctx, cutoff)
		return err
	})
	return n, err
}

func (r *retrying) Close() error { return r.next.Close() }
