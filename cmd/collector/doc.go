// Package main hosts the collector service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and the admin surface (source status, trigger,
//     pause/resume, job and alert listings). The scheduler and stores are driven through explicit interfaces.
//   - Scheduler: internal/scheduler runs one serial trigger loop per source, grouped into high/medium/low tiers
//     with bounded worker slots. Every trigger writes a ledger row before execution; restarts replay orphaned
//     jobs exactly once via the startup recovery scan.
//   - Collection pipeline: internal/orchestrator pulls items through the per-source rate limiter and adapter,
//     validates, deduplicates by (source_key, content_hash), scores difficulty, evaluates alert rules, and
//     commits each pass in a single transaction. Raw payloads are archived to the configured BlobStore and
//     completion/alert events are published.
//   - Enrichment: internal/enrichment batches texts into model invocations through a four-level priority queue
//     with text-hash result caching and in-flight coalescing, so each distinct text costs one model call.
//   - Configuration & plumbing: Viper populates config from env/files (COLLECTOR_ prefix); zap provides
//     structured logging; Prometheus metrics are exported on /metrics. Postgres, Redis, GCS and Pub/Sub are
//     selected by config, with in-memory twins for development.
//
// Operational notes:
//   - Concurrency model: per-source serialization with tiered slot pools; the enrichment processor runs its own
//     dispatch loop. Shutdown is coordinated via context cancellation from main.
//   - Failure handling: transient errors retry with jittered exponential backoff, validation errors dead-letter
//     immediately, capacity errors requeue without consuming the retry budget, and fatal store errors halt
//     triggering until restart (readyz flips to 503).
//   - Run locally: go run ./cmd/collector -config config.yaml (or rely solely on env overrides).
package main
