// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

// JobStore keeps the collection-job ledger in process memory.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]collection.CollectionJob
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]collection.CollectionJob),
	}
}

// CreateJob stores a new ledger row.
func (s *JobStore) CreateJob(_ context.Context, job collection.CollectionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus advances a job along its lifecycle. Regressions are
// rejected so the ledger stays monotonic even under buggy callers.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status collection.JobStatus,
	errText string,
	attempt int,
	nextRetryAt *time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status != status && !job.Status.CanTransition(status) {
		return fmt.Errorf("job %s cannot transition %s -> %s", jobID, job.Status, status)
	}
	job.Status = status
	job.LastError = errText
	job.AttemptCount = attempt
	job.NextRetryAt = nextRetryAt
	if status == collection.JobStatusSucceeded ||
		status == collection.JobStatusFailed ||
		status == collection.JobStatusDeadLettered {
		now := time.Now().UTC()
		job.FinishedAt = &now
	}
	s.jobs[jobID] = job
	return nil
}

// RecordStats attaches collection counters to a job row.
func (s *JobStore) RecordStats(_ context.Context, jobID string, stats collection.CollectStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.Stats = stats
	s.jobs[jobID] = job
	return nil
}

// Heartbeat refreshes the liveness marker for a running job.
func (s *JobStore) Heartbeat(_ context.Context, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	job.HeartbeatAt = &at
	s.jobs[jobID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (collection.CollectionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return collection.CollectionJob{}, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest trigger first.
func (s *JobStore) ListJobs(_ context.Context, filter collection.JobFilter) ([]collection.CollectionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []collection.CollectionJob
	for _, job := range s.jobs {
		if filter.SourceKey != "" && job.SourceKey != filter.SourceKey {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TriggerTime.After(out[j].TriggerTime)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ResetForReplay returns an orphaned job to scheduled and clears its
// heartbeat. Rows in any other state are left untouched.
func (s *JobStore) ResetForReplay(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if job.Status != collection.JobStatusScheduled && job.Status != collection.JobStatusRunning {
		return fmt.Errorf("job %s is %s, not replayable", jobID, job.Status)
	}
	job.Status = collection.JobStatusScheduled
	job.HeartbeatAt = nil
	s.jobs[jobID] = job
	return nil
}

// OrphanedJobs returns scheduled or running jobs whose last sign of life
// predates cutoff. These are the crash-recovery candidates.
func (s *JobStore) OrphanedJobs(_ context.Context, cutoff time.Time) ([]collection.CollectionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []collection.CollectionJob
	for _, job := range s.jobs {
		if job.Status != collection.JobStatusScheduled && job.Status != collection.JobStatusRunning {
			continue
		}
		lastSeen := job.TriggerTime
		if job.HeartbeatAt != nil && job.HeartbeatAt.After(lastSeen) {
			lastSeen = *job.HeartbeatAt
		}
		if lastSeen.Before(cutoff) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TriggerTime.Before(out[j].TriggerTime)
	})
	return out, nil
}
