package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailindex-sync/internal/model"
)

// errNoRegistry is returned by a wrapped backend that keeps no job
// registrations.
var errNoRegistry = errors.New("state backend has no job registry")

// JobRegistry records which workers submit under a shared sync job.
// Every backend implements it next to Store.
type JobRegistry interface {
	// RegisterMember creates or refreshes a membership. Calling it again
	// is the heartbeat.
	RegisterMember(ctx context.Context, m model.JobMember) error

	// JobMembers returns every registration of jobID, stale ones
	// included.
	JobMembers(ctx context.Context, jobID string) ([]model.JobMember, error)

	// RemoveMember deletes one registration. A missing one is not an
	// error.
	RemoveMember(ctx context.Context, jobID, workerID string) error

	// RemoveStaleMembers deletes registrations whose last heartbeat is
	// before cutoff and returns how many were removed.
	RemoveStaleMembers(ctx context.Context, cutoff time.Time) (int, error)
}

// sqlMember is the sync_job_members row. Heartbeats are unix
// milliseconds so both dialects compare them as integers.
type sqlMember struct {
	JobID     string `db:"job_id"`
	WorkerID  string `db:"worker_id"`
	Owner     bool   `db:"owner"`
	Heartbeat int64  `db:"heartbeat"`
}

func (r sqlMember) member() model.JobMember {
	return model.JobMember{
		JobID:       r.JobID,
		WorkerID:    r.WorkerID,
		Owner:       r.Owner,
		HeartbeatAt: time.UnixMilli(r.Heartbeat).UTC(),
	}
}

// RegisterMember upserts the membership row.
func (s *SQLStore) RegisterMember(ctx context.Context, m model.JobMember) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sync_job_members (job_id, worker_id, owner, heartbeat)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id, worker_id) DO UPDATE SET
			owner     = excluded.owner,
			heartbeat = excluded.heartbeat`),
		m.JobID, m.WorkerID, m.Owner, m.HeartbeatAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("registering %s under job %s: %w", m.WorkerID, m.JobID, s.d.classify(err))
	}
	return nil
}

// JobMembers returns the registrations of jobID ordered by worker.
func (s *SQLStore) JobMembers(ctx context.Context, jobID string) ([]model.JobMember, error) {
	var rows []sqlMember
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		"SELECT job_id, worker_id, owner, heartbeat FROM sync_job_members WHERE job_id = ? ORDER BY worker_id"),
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing members of job %s: %w", jobID, s.d.classify(err))
	}
	members := make([]model.JobMember, 0, len(rows))
	for _, r := range rows {
		members = append(members, r.member())
	}
	return members, nil
}

// RemoveMember deletes one membership row.
func (s *SQLStore) RemoveMember(ctx context.Context, jobID, workerID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM sync_job_members WHERE job_id = ? AND worker_id = ?"),
		jobID, workerID,
	)
	if err != nil {
		return fmt.Errorf("removing %s from job %s: %w", workerID, jobID, s.d.classify(err))
	}
	return nil
}

// RemoveStaleMembers deletes rows whose heartbeat is older than cutoff.
func (s *SQLStore) RemoveStaleMembers(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM sync_job_members WHERE heartbeat < ?"), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("removing stale job members: %w", s.d.classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting removed job members: %w", err)
	}
	return int(n), nil
}
