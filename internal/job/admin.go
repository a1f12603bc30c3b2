package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailindex-sync/internal/index"
)

// Cleanup stops running jobs older than maxAge and returns them.
func Cleanup(ctx context.Context, idx index.Index, maxAge time.Duration, now time.Time) ([]index.Job, error) {
	jobs, err := idx.ListSyncJobs(ctx, index.JobFilter{RunningOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing running sync jobs: %w", err)
	}
	var stopped []index.Job
	var errs []error
	for _, j := range jobs {
		if j.Age(now) < maxAge {
			continue
		}
		if err := idx.StopSyncJob(ctx, j.ID); err != nil && !index.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("stopping %s: %w", j.ID, err))
			continue
		}
		stopped = append(stopped, j)
	}
	return stopped, errors.Join(errs...)
}

// Monitor polls the running jobs every interval, reporting each poll to
// fn, until none is running or ctx ends.
func Monitor(ctx context.Context, idx index.Index, interval time.Duration, fn func([]index.Job)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		jobs, err := idx.ListSyncJobs(ctx, index.JobFilter{RunningOnly: true})
		if err != nil {
			return fmt.Errorf("listing running sync jobs: %w", err)
		}
		fn(jobs)
		if len(jobs) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
