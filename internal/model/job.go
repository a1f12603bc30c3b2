package model

import "time"

// JobMember registers one worker under a sync job that several workers
// share.
type JobMember struct {
	JobID       string
	WorkerID    string
	Owner       bool
	HeartbeatAt time.Time
}

// Fresh reports whether the last heartbeat is within staleAfter of now.
func (m JobMember) Fresh(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(m.HeartbeatAt) < staleAfter
}
