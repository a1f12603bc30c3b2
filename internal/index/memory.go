package index

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailindex-sync/internal/model"
)

// MemoryIndex keeps documents in a map and allows a single running job,
// like the real service. It backs dry runs and tests.
type MemoryIndex struct {
	mu     sync.Mutex
	docs   map[string]*model.NormalizedDocument
	jobs   map[string]*Job
	order  []string
	active string

	startErrs  []error
	reject     map[string]string
	startCalls int
	stopCalls  int
	putCalls   int

	now func() time.Time
}

// NewMemoryIndex returns an empty index with no running job.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		docs:   make(map[string]*model.NormalizedDocument),
		jobs:   make(map[string]*Job),
		reject: make(map[string]string),
		now:    time.Now,
	}
}

// FailNextStarts queues errors returned by the following StartSyncJob
// calls, one per call, before normal behavior resumes.
func (m *MemoryIndex) FailNextStarts(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErrs = append(m.startErrs, errs...)
}

// Reject makes puts and deletes of id fail with reason.
func (m *MemoryIndex) Reject(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject[id] = reason
}

// StartExternalJob simulates a job started by another worker.
func (m *MemoryIndex) StartExternalJob() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *MemoryIndex) startLocked() string {
	id := uuid.NewString()
	m.jobs[id] = &Job{ID: id, Status: JobSyncing, StartedAt: m.now()}
	m.order = append(m.order, id)
	m.active = id
	return id
}

// StartCalls counts StartSyncJob calls, failed ones included.
func (m *MemoryIndex) StartCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

// StopCalls counts StopSyncJob calls.
func (m *MemoryIndex) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

// PutCalls counts BatchPut calls.
func (m *MemoryIndex) PutCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCalls
}

// Document returns the stored document with id.
func (m *MemoryIndex) Document(id string) (*model.NormalizedDocument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	return d, ok
}

// DocumentIDs returns the stored ids in sorted order.
func (m *MemoryIndex) DocumentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.docs))
}

// Len is the number of stored documents.
func (m *MemoryIndex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *MemoryIndex) checkJob(jobID string) error {
	if jobID == "" || jobID != m.active {
		return fmt.Errorf("sync job %q: %w", jobID, ErrJobNotRunning)
	}
	return nil
}

func (m *MemoryIndex) BatchPut(ctx context.Context, jobID string, docs []*model.NormalizedDocument) ([]FailedDocument, error) {
	if err := checkBatch(len(docs)); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if err := m.checkJob(jobID); err != nil {
		return nil, err
	}
	var failed []FailedDocument
	for _, d := range docs {
		if reason, ok := m.reject[d.ID]; ok {
			failed = append(failed, FailedDocument{ID: d.ID, Reason: reason})
			continue
		}
		m.docs[d.ID] = d
	}
	return failed, nil
}

func (m *MemoryIndex) BatchDelete(ctx context.Context, jobID string, ids []string) ([]FailedDocument, error) {
	if err := checkBatch(len(ids)); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkJob(jobID); err != nil {
		return nil, err
	}
	var failed []FailedDocument
	for _, id := range ids {
		if reason, ok := m.reject[id]; ok {
			failed = append(failed, FailedDocument{ID: id, Reason: reason})
			continue
		}
		delete(m.docs, id)
	}
	return failed, nil
}

func (m *MemoryIndex) StartSyncJob(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if len(m.startErrs) > 0 {
		err := m.startErrs[0]
		m.startErrs = m.startErrs[1:]
		return "", err
	}
	if m.active != "" {
		return "", &ConflictError{Message: fmt.Sprintf("job %s is already syncing", m.active)}
	}
	return m.startLocked(), nil
}

func (m *MemoryIndex) StopSyncJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	if job.Status.Running() {
		job.Status = JobAborted
		job.EndedAt = m.now()
	}
	if m.active == jobID {
		m.active = ""
	}
	return nil
}

func (m *MemoryIndex) SyncJobStatus(ctx context.Context, jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	return *job, nil
}

func (m *MemoryIndex) ListSyncJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, id := range m.order {
		if j := *m.jobs[id]; filter.Match(j) {
			out = append(out, j)
		}
	}
	return out, nil
}
