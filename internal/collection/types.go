// Package collection defines core types shared across subsystems.
package collection

import (
	"time"
)

// SourceKind distinguishes structured API clients from HTML scrapers.
type SourceKind string

// Source kinds supported by the adapter registry.
const (
	SourceKindAPI     SourceKind = "api"
	SourceKindScraper SourceKind = "scraper"
)

// Priority is the scheduling tier assigned to a source.
type Priority string

// Priority tiers, each with its own interval band and worker pool.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// AlertRule is a threshold check evaluated against structured payload fields.
type AlertRule struct {
	Field     string  `json:"field" mapstructure:"field"`
	Threshold float64 `json:"threshold" mapstructure:"threshold"`
	Kind      string  `json:"kind" mapstructure:"kind"`
}

// SourceDefinition is the immutable configuration for one external source.
// It is loaded once at startup and passed by value from then on.
type SourceDefinition struct {
	Key          string            `json:"key" mapstructure:"key"`
	Kind         SourceKind        `json:"kind" mapstructure:"kind"`
	Priority     Priority          `json:"priority" mapstructure:"priority"`
	Interval     time.Duration     `json:"interval" mapstructure:"interval"`
	RateLimit    float64           `json:"rate_limit" mapstructure:"rate_limit"` // requests per minute
	MaxRetries   int               `json:"max_retries" mapstructure:"max_retries"`
	Enabled      bool              `json:"enabled" mapstructure:"enabled"`
	Endpoint     string            `json:"endpoint" mapstructure:"endpoint"`
	Selectors    map[string]string `json:"selectors,omitempty" mapstructure:"selectors"`
	AlertRules   []AlertRule       `json:"alert_rules,omitempty" mapstructure:"alert_rules"`
	FetchTimeout time.Duration     `json:"fetch_timeout" mapstructure:"fetch_timeout"`
}

// JobStatus represents the lifecycle state of a collection job.
type JobStatus string

// Job status values persisted in the job ledger. Transitions are monotonic:
// scheduled -> running -> succeeded|failed -> dead_lettered.
const (
	JobStatusScheduled    JobStatus = "scheduled"
	JobStatusRunning      JobStatus = "running"
	JobStatusSucceeded    JobStatus = "succeeded"
	JobStatusFailed       JobStatus = "failed"
	JobStatusDeadLettered JobStatus = "dead_lettered"
)

// Terminal reports whether no further transition is allowed from status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusDeadLettered:
		return true
	default:
		return false
	}
}

// rank orders statuses along the permitted lifecycle.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusScheduled:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusSucceeded, JobStatusFailed:
		return 2
	case JobStatusDeadLettered:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next preserves monotonicity.
// A failed job may return to scheduled for a retry; that is the one loop the
// ledger permits, and it never leaves a terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if s == JobStatusFailed && next == JobStatusScheduled {
		return true
	}
	return next.rank() > s.rank()
}

// CollectionJob is one ledger row: a single scheduled invocation of a source.
type CollectionJob struct {
	ID           string       `json:"job_id"`
	SourceKey    string       `json:"source_key"`
	TriggerTime  time.Time    `json:"trigger_time"`
	AttemptCount int          `json:"attempt_count"`
	Status       JobStatus    `json:"status"`
	LastError    string       `json:"last_error,omitempty"`
	NextRetryAt  *time.Time   `json:"next_retry_at,omitempty"`
	HeartbeatAt  *time.Time   `json:"heartbeat_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Stats        CollectStats `json:"stats"`
}

// JobFilter narrows ListJobs queries on the admin surface.
type JobFilter struct {
	SourceKey string
	Status    JobStatus
	Limit     int
}

// RawItem is the ephemeral unit produced by a source adapter.
type RawItem struct {
	SourceKey string
	FetchedAt time.Time
	Payload   map[string]any
}

// Title returns the payload title, if any.
func (r RawItem) Title() string {
	s, _ := r.Payload["title"].(string)
	return s
}

// Content returns the payload content, if any.
func (r RawItem) Content() string {
	s, _ := r.Payload["content"].(string)
	return s
}

// PersistedRecord is the append-only row written for each accepted item.
// (source_key, content_hash) is unique; the store enforces it.
type PersistedRecord struct {
	ID          string         `json:"id"`
	SourceKey   string         `json:"source_key"`
	ContentHash string         `json:"content_hash"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content,omitempty"`
	Difficulty  float64        `json:"difficulty"`
	Entities    []string       `json:"entities,omitempty"`
	Sentiment   float64        `json:"sentiment"`
	ArchiveURI  string         `json:"archive_uri,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Alert is a first-class queryable record raised by threshold rules or by
// the scheduler when a job dead-letters.
type Alert struct {
	ID            string    `json:"id"`
	SourceKey     string    `json:"source_key"`
	Kind          string    `json:"kind"`
	Threshold     float64   `json:"threshold"`
	ObservedValue float64   `json:"observed_value"`
	CreatedAt     time.Time `json:"created_at"`
}

// AlertFilter narrows ListAlerts queries.
type AlertFilter struct {
	SourceKey string
	Kind      string
	Limit     int
}

// CollectStats summarizes one Collect call.
type CollectStats struct {
	ItemsFetched   int `json:"items_fetched"`
	ItemsStored    int `json:"items_stored"`
	ItemsDuplicate int `json:"items_duplicate"`
	Errors         int `json:"errors"`
}

// EnrichmentPriority orders batches in the enrichment processor.
type EnrichmentPriority int

// Enrichment priorities, highest first.
const (
	EnrichCritical EnrichmentPriority = iota
	EnrichHigh
	EnrichNormal
	EnrichLow
)

// EnrichmentResult holds NLP-derived fields for one text. It is a pure
// function of the text, keyed and cached by TextHash.
type EnrichmentResult struct {
	TextHash  string   `json:"text_hash"`
	Entities  []string `json:"entities"`
	Sentiment float64  `json:"sentiment"`
}

// SourceStatus is the scheduler's view of one source, for the admin surface.
type SourceStatus struct {
	SourceKey           string     `json:"source_key"`
	Paused              bool       `json:"paused"`
	InFlight            bool       `json:"in_flight"`
	NextRun             time.Time  `json:"next_run"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}
