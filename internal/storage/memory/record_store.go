package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
)

type dedupKey struct {
	sourceKey   string
	contentHash string
}

// RecordStore keeps persisted records and alerts in memory, enforcing the
// (source_key, content_hash) uniqueness the Postgres store gets from its
// constraint.
type RecordStore struct {
	mu      sync.RWMutex
	records map[dedupKey]collection.PersistedRecord
	alerts  []collection.Alert

	// FailNext makes the next SaveBatch return err, for rollback tests.
	FailNext error
}

// NewRecordStore constructs a RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[dedupKey]collection.PersistedRecord),
	}
}

// SaveBatch stores records and alerts atomically. Duplicate records are
// counted and skipped; they never fail the batch.
func (s *RecordStore) SaveBatch(
	_ context.Context,
	records []collection.PersistedRecord,
	alerts []collection.Alert,
) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailNext; err != nil {
		s.FailNext = nil
		return 0, 0, err
	}
	stored, duplicate := 0, 0
	for _, rec := range records {
		key := dedupKey{sourceKey: rec.SourceKey, contentHash: rec.ContentHash}
		if _, exists := s.records[key]; exists {
			duplicate++
			continue
		}
		s.records[key] = rec
		stored++
	}
	s.alerts = append(s.alerts, alerts...)
	return stored, duplicate, nil
}

// ExistingHashes reports which of the hashes are already stored for the
// source.
func (s *RecordStore) ExistingHashes(_ context.Context, sourceKey string, hashes []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(hashes))
	for _, hash := range hashes {
		if _, exists := s.records[dedupKey{sourceKey: sourceKey, contentHash: hash}]; exists {
			out[hash] = struct{}{}
		}
	}
	return out, nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (s *RecordStore) ListAlerts(_ context.Context, filter collection.AlertFilter) ([]collection.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []collection.Alert
	for _, alert := range s.alerts {
		if filter.SourceKey != "" && alert.SourceKey != filter.SourceKey {
			continue
		}
		if filter.Kind != "" && alert.Kind != filter.Kind {
			continue
		}
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// RecordCount reports how many unique records were stored.
func (s *RecordStore) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a copy of every stored record, in no particular order.
func (s *RecordStore) Records() []collection.PersistedRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collection.PersistedRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	return out
}
