package collection

import (
	"context"
	"time"
)

// SourceAdapter is the capability interface every source must satisfy.
// Fetch errors must be classifiable via the error taxonomy in this package
// so the scheduler can pick the right retry policy.
type SourceAdapter interface {
	Fetch(ctx context.Context) ([]RawItem, error)
	TestConnection(ctx context.Context) bool
}

// JobStore persists the collection-job ledger.
type JobStore interface {
	CreateJob(ctx context.Context, job CollectionJob) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, attempt int, nextRetryAt *time.Time) error
	RecordStats(ctx context.Context, jobID string, stats CollectStats) error
	Heartbeat(ctx context.Context, jobID string, at time.Time) error
	GetJob(ctx context.Context, jobID string) (CollectionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]CollectionJob, error)
	// OrphanedJobs returns jobs still scheduled or running whose heartbeat
	// (or trigger time, if never started) is older than cutoff.
	OrphanedJobs(ctx context.Context, cutoff time.Time) ([]CollectionJob, error)
	// ResetForReplay returns an orphaned job to scheduled so the recovery
	// scan can replay it exactly once. It is the one sanctioned exception
	// to status monotonicity and applies only to scheduled/running rows.
	ResetForReplay(ctx context.Context, jobID string) error
}

// RecordStore persists records and alerts. SaveBatch commits everything from
// one Collect call in a single transaction. ExistingHashes lets callers skip
// already-stored items before derivation; the (source_key, content_hash)
// constraint inside SaveBatch stays authoritative when writers race.
type RecordStore interface {
	SaveBatch(ctx context.Context, records []PersistedRecord, alerts []Alert) (stored int, duplicate int, err error)
	ExistingHashes(ctx context.Context, sourceKey string, hashes []string) (map[string]struct{}, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
}

// CacheStore is the backing key-value store consumed by the cache manager.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// BlobStore archives raw payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes alert and job-completion events downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Enricher is the external NLP model. One call per batch; results align
// positionally with texts.
type Enricher interface {
	EnrichBatch(ctx context.Context, texts []string) ([]EnrichmentResult, error)
}

// Collector runs one collection pass for a source.
type Collector interface {
	Collect(ctx context.Context, source SourceDefinition) (CollectStats, error)
}

// Limiter gates outbound requests per source.
type Limiter interface {
	Wait(ctx context.Context, sourceKey string) error
}

// Hasher computes digests for deduplication and cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
