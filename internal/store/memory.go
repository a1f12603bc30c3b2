package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nhle/mailindex-sync/internal/model"
)

// MemoryStore keeps records in process memory. It is used for dry runs
// and tests; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]model.MessageRecord
	members map[string]map[string]model.JobMember
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]model.MessageRecord),
		members: make(map[string]map[string]model.JobMember),
	}
}

// Exists reports whether a record exists for key.
func (s *MemoryStore) Exists(_ context.Context, key model.RecordKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key.Account][key.MessageID]
	return ok, nil
}

// Get returns a copy of the record for key, or nil.
func (s *MemoryStore) Get(_ context.Context, key model.RecordKey) (*model.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key.Account][key.MessageID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// QueryByAccount returns the account's records ordered by message id.
func (s *MemoryStore) QueryByAccount(_ context.Context, account string) ([]model.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.records[account]
	out := make([]model.MessageRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

// Upsert stores rec, replacing any record with the same key.
func (s *MemoryStore) Upsert(_ context.Context, rec model.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.records[rec.Account]
	if !ok {
		byID = make(map[string]model.MessageRecord)
		s.records[rec.Account] = byID
	}
	byID[rec.MessageID] = rec
	return nil
}

// Delete removes the record for key.
func (s *MemoryStore) Delete(_ context.Context, key model.RecordKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[key.Account], key.MessageID)
	return nil
}

// DeleteAccount removes every record of account.
func (s *MemoryStore) DeleteAccount(_ context.Context, account string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records[account])
	delete(s.records, account)
	return n, nil
}

// RegisterMember stores or refreshes m.
func (s *MemoryStore) RegisterMember(_ context.Context, m model.JobMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byWorker, ok := s.members[m.JobID]
	if !ok {
		byWorker = make(map[string]model.JobMember)
		s.members[m.JobID] = byWorker
	}
	byWorker[m.WorkerID] = m
	return nil
}

// JobMembers returns the registrations of jobID ordered by worker.
func (s *MemoryStore) JobMembers(_ context.Context, jobID string) ([]model.JobMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.JobMember, 0, len(s.members[jobID]))
	for _, m := range s.members[jobID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// RemoveMember deletes one registration.
func (s *MemoryStore) RemoveMember(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[jobID], workerID)
	if len(s.members[jobID]) == 0 {
		delete(s.members, jobID)
	}
	return nil
}

// RemoveStaleMembers deletes registrations that last beat before cutoff.
func (s *MemoryStore) RemoveStaleMembers(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for jobID, byWorker := range s.members {
		for worker, m := range byWorker {
			if m.HeartbeatAt.Before(cutoff) {
				delete(byWorker, worker)
				n++
			}
		}
		if len(byWorker) == 0 {
			delete(s.members, jobID)
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
