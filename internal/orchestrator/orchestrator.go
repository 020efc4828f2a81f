// Package orchestrator runs one collection pass per source: fetch under the
// rate limiter, validate, deduplicate, enrich, evaluate alert rules, and
// commit everything from the pass in a single transaction.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bjpl/open-learn-co-sub001/internal/cache"
	"github.com/bjpl/open-learn-co-sub001/internal/collection"
	"github.com/bjpl/open-learn-co-sub001/internal/enrichment"
	"github.com/bjpl/open-learn-co-sub001/internal/metrics"
)

// Topics for downstream events.
const (
	TopicCollectionCompleted = "collection.completed"
	TopicAlerts              = "collection.alerts"
)

// AdapterResolver resolves a source key to its adapter.
type AdapterResolver interface {
	Get(key string) (collection.SourceAdapter, error)
}

// TextEnricher is the submission side of the batch enrichment processor.
type TextEnricher interface {
	Submit(ctx context.Context, text string, priority collection.EnrichmentPriority) (*enrichment.Pending, error)
}

// Orchestrator implements collection.Collector.
type Orchestrator struct {
	adapters  AdapterResolver
	limiter   collection.Limiter
	records   collection.RecordStore
	enricher  TextEnricher
	cache     *cache.Manager
	archive   collection.BlobStore
	publisher collection.Publisher
	hasher    collection.Hasher
	clock     collection.Clock
	ids       collection.IDGenerator
	logger    *zap.Logger
}

// Options carries the optional collaborators. Archive and Publisher may be
// nil; the corresponding steps are skipped.
type Options struct {
	Archive   collection.BlobStore
	Publisher collection.Publisher
}

// New constructs an Orchestrator.
func New(
	adapters AdapterResolver,
	limiter collection.Limiter,
	records collection.RecordStore,
	enricher TextEnricher,
	cacheManager *cache.Manager,
	hasher collection.Hasher,
	clock collection.Clock,
	ids collection.IDGenerator,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		adapters:  adapters,
		limiter:   limiter,
		records:   records,
		enricher:  enricher,
		cache:     cacheManager,
		archive:   opts.Archive,
		publisher: opts.Publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// pendingRecord pairs a built record with its outstanding enrichment.
type pendingRecord struct {
	record  collection.PersistedRecord
	payload map[string]any
	enrich  *enrichment.Pending
}

// Collect fetches from the source and persists the accepted items. Per-item
// validation failures and duplicates are counted, never fatal; only fetch
// and commit failures fail the pass.
func (o *Orchestrator) Collect(ctx context.Context, source collection.SourceDefinition) (collection.CollectStats, error) {
	var stats collection.CollectStats

	if err := o.limiter.Wait(ctx, source.Key); err != nil {
		return stats, collection.Transient(fmt.Errorf("rate limiter: %w", err))
	}

	adapter, err := o.adapters.Get(source.Key)
	if err != nil {
		return stats, collection.Fatal(fmt.Errorf("resolve adapter: %w", err))
	}

	items, err := adapter.Fetch(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch %q: %w", source.Key, err)
	}
	stats.ItemsFetched = len(items)

	now := o.clock.Now()

	type candidate struct {
		item collection.RawItem
		hash string
	}
	candidates := make([]candidate, 0, len(items))
	hashes := make([]string, 0, len(items))
	for _, item := range items {
		if err := collection.ValidateItem(source.Kind, item); err != nil {
			stats.Errors++
			metrics.ObserveItem(source.Key, "invalid")
			o.logger.Debug("item rejected",
				zap.String("source", source.Key),
				zap.Error(err),
			)
			continue
		}
		hash, err := collection.ContentHash(o.hasher, item)
		if err != nil {
			stats.Errors++
			metrics.ObserveItem(source.Key, "error")
			continue
		}
		candidates = append(candidates, candidate{item: item, hash: hash})
		hashes = append(hashes, hash)
	}

	// Duplicates are skipped before alerting, enrichment, and archival so a
	// source re-serving a known item cannot re-fire its alerts. The store's
	// unique constraint still closes the race between concurrent writers.
	seen, err := o.records.ExistingHashes(ctx, source.Key, hashes)
	if err != nil {
		return stats, fmt.Errorf("existing hashes for %q: %w", source.Key, err)
	}

	pending := make([]pendingRecord, 0, len(candidates))
	var alerts []collection.Alert
	for _, c := range candidates {
		if _, dup := seen[c.hash]; dup {
			stats.ItemsDuplicate++
			metrics.ObserveItem(source.Key, "duplicate")
			continue
		}
		seen[c.hash] = struct{}{}
		item, hash := c.item, c.hash

		for _, alert := range collection.EvaluateAlertRules(source.AlertRules, item) {
			id, err := o.ids.NewID()
			if err != nil {
				return stats, collection.Fatal(fmt.Errorf("alert id: %w", err))
			}
			alert.ID = id
			alert.CreatedAt = now
			alerts = append(alerts, alert)
		}

		recordID, err := o.ids.NewID()
		if err != nil {
			return stats, collection.Fatal(fmt.Errorf("record id: %w", err))
		}
		text := enrichmentText(item)
		record := collection.PersistedRecord{
			ID:          recordID,
			SourceKey:   source.Key,
			ContentHash: hash,
			Title:       item.Title(),
			Content:     item.Content(),
			Difficulty:  collection.DifficultyScore(text),
			CreatedAt:   now,
		}

		pr := pendingRecord{record: record, payload: item.Payload}
		if o.enricher != nil && text != "" {
			handle, err := o.enricher.Submit(ctx, text, enrichPriority(source.Priority))
			if err != nil {
				stats.Errors++
				o.logger.Warn("enrichment submit failed",
					zap.String("source", source.Key),
					zap.Error(err),
				)
			} else {
				pr.enrich = handle
			}
		}
		pending = append(pending, pr)
	}

	// All submissions are in before the first wait so identical texts
	// coalesce and the processor can batch the whole pass.
	records := make([]collection.PersistedRecord, 0, len(pending))
	for _, pr := range pending {
		if pr.enrich != nil {
			result, err := pr.enrich.Wait(ctx)
			if err != nil {
				stats.Errors++
				o.logger.Warn("enrichment failed, storing without it",
					zap.String("source", source.Key),
					zap.Error(err),
				)
			} else {
				pr.record.Entities = result.Entities
				pr.record.Sentiment = result.Sentiment
			}
		}
		o.archiveRecord(ctx, source, &pr.record, pr.payload, &stats)
		pr.record.Payload = pr.payload
		records = append(records, pr.record)
	}

	stored, duplicate, err := o.records.SaveBatch(ctx, records, alerts)
	if err != nil {
		return stats, fmt.Errorf("persist batch for %q: %w", source.Key, err)
	}
	stats.ItemsStored = stored
	stats.ItemsDuplicate += duplicate
	for i := 0; i < stored; i++ {
		metrics.ObserveItem(source.Key, "stored")
	}
	for i := 0; i < duplicate; i++ {
		metrics.ObserveItem(source.Key, "duplicate")
	}

	if o.cache != nil && stored > 0 {
		if _, err := o.cache.InvalidatePattern(ctx, "records:"+source.Key+":*"); err != nil {
			o.logger.Warn("cache invalidation failed",
				zap.String("source", source.Key),
				zap.Error(err),
			)
		}
	}

	o.publishResults(ctx, source, stats, alerts)

	o.logger.Info("collection pass finished",
		zap.String("source", source.Key),
		zap.Int("fetched", stats.ItemsFetched),
		zap.Int("stored", stats.ItemsStored),
		zap.Int("duplicate", stats.ItemsDuplicate),
		zap.Int("errors", stats.Errors),
	)
	return stats, nil
}

// archiveRecord writes the raw payload to the blob store and stamps the
// record with the resulting URI. Archival is best effort.
func (o *Orchestrator) archiveRecord(ctx context.Context, source collection.SourceDefinition, record *collection.PersistedRecord, payload map[string]any, stats *collection.CollectStats) {
	if o.archive == nil {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		stats.Errors++
		return
	}
	path := fmt.Sprintf("%s/%s/%s.json", source.Key, record.CreatedAt.UTC().Format("2006-01-02"), record.ID)
	uri, err := o.archive.PutObject(ctx, path, "application/json", encoded)
	if err != nil {
		stats.Errors++
		o.logger.Warn("payload archival failed",
			zap.String("source", source.Key),
			zap.Error(err),
		)
		return
	}
	record.ArchiveURI = uri
}

// publishResults emits the completion event and one event per alert.
// Publishing never fails the pass.
func (o *Orchestrator) publishResults(ctx context.Context, source collection.SourceDefinition, stats collection.CollectStats, alerts []collection.Alert) {
	if o.publisher == nil {
		return
	}
	event := struct {
		SourceKey  string                  `json:"source_key"`
		Stats      collection.CollectStats `json:"stats"`
		FinishedAt time.Time               `json:"finished_at"`
	}{source.Key, stats, o.clock.Now()}
	if _, err := o.publisher.Publish(ctx, TopicCollectionCompleted, event); err != nil {
		o.logger.Warn("completion event publish failed", zap.Error(err))
	}
	for _, alert := range alerts {
		if _, err := o.publisher.Publish(ctx, TopicAlerts, alert); err != nil {
			o.logger.Warn("alert publish failed",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
}

// enrichmentText picks the text the NLP model sees: the content when
// present, else the title.
func enrichmentText(item collection.RawItem) string {
	if content := item.Content(); content != "" {
		return content
	}
	return item.Title()
}

// enrichPriority maps a source tier to an enrichment priority. Critical is
// reserved for interactive admin triggers.
func enrichPriority(p collection.Priority) collection.EnrichmentPriority {
	switch p {
	case collection.PriorityHigh:
		return collection.EnrichHigh
	case collection.PriorityMedium:
		return collection.EnrichNormal
	default:
		return collection.EnrichLow
	}
}
