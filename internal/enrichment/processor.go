// Package enrichment batches texts into NLP model invocations. Submissions
// enter a four-level priority queue and flush as one model call when the
// queue reaches the batch size or the batch timeout elapses, whichever
// comes first. Results are pure functions of the text and are cached by
// text hash with a long TTL.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bjpl/open-learn-co-sub001/internal/cache"
	"github.com/bjpl/open-learn-co-sub001/internal/collection"
	"github.com/bjpl/open-learn-co-sub001/internal/metrics"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	defaultBatchSize    = 16
	defaultBatchTimeout = 200 * time.Millisecond
	defaultResultTTL    = 24 * time.Hour
)

// ErrStopped is returned by Submit after the processor has shut down.
var ErrStopped = errors.New("enrichment processor stopped")

// Config tunes batching behavior.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	ResultTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = defaultResultTTL
	}
	return c
}

// Pending is the handle returned by Submit. Wait blocks until the result
// is available or ctx is done.
type Pending struct {
	done   chan struct{}
	result collection.EnrichmentResult
	err    error
}

// Wait returns the enrichment result once its batch has been processed.
func (p *Pending) Wait(ctx context.Context) (collection.EnrichmentResult, error) {
	select {
	case <-ctx.Done():
		return collection.EnrichmentResult{}, ctx.Err()
	case <-p.done:
		return p.result, p.err
	}
}

func resolvedPending(result collection.EnrichmentResult, err error) *Pending {
	p := &Pending{done: make(chan struct{}), result: result, err: err}
	close(p.done)
	return p
}

// request is one enqueued text awaiting a model call. All submissions for
// the same hash share a single request through the in-flight map, so each
// distinct text costs at most one model invocation while it is pending.
type request struct {
	hash      string
	text      string
	arrivedAt time.Time
}

// Processor implements priority-batched enrichment over an Enricher.
type Processor struct {
	cfg    Config
	model  collection.Enricher
	cache  *cache.Manager
	hasher collection.Hasher
	logger *zap.Logger

	mu       sync.Mutex
	queues   [4][]*request
	queued   int
	inflight map[string][]*Pending
	stopped  bool

	wake chan struct{}
}

// New constructs a Processor. Run must be started for submissions to flush.
func New(cfg Config, model collection.Enricher, cacheManager *cache.Manager, hasher collection.Hasher, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg.withDefaults(),
		model:    model,
		cache:    cacheManager,
		hasher:   hasher,
		logger:   logger,
		inflight: make(map[string][]*Pending),
		wake:     make(chan struct{}, 1),
	}
}

func resultKey(hash string) string {
	return "enrichment:" + hash
}

// Submit queues text for enrichment at the given priority and returns a
// handle to wait on. A cached result resolves immediately; an identical
// text already queued or in flight shares that invocation instead of
// producing another.
func (p *Processor) Submit(ctx context.Context, text string, priority collection.EnrichmentPriority) (*Pending, error) {
	if text == "" {
		return resolvedPending(collection.EnrichmentResult{}, nil), nil
	}
	if priority < collection.EnrichCritical || priority > collection.EnrichLow {
		return nil, fmt.Errorf("invalid enrichment priority %d", priority)
	}

	hash, err := p.hasher.Hash([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("hash text: %w", err)
	}

	var cached collection.EnrichmentResult
	found, err := p.cache.Get(ctx, resultKey(hash), &cached)
	if err != nil {
		p.logger.Warn("enrichment cache read failed", zap.Error(err))
	}
	if found {
		metrics.ObserveEnrichmentCache(true)
		return resolvedPending(cached, nil), nil
	}
	metrics.ObserveEnrichmentCache(false)

	pending := &Pending{done: make(chan struct{})}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	if waiters, ok := p.inflight[hash]; ok {
		p.inflight[hash] = append(waiters, pending)
		p.mu.Unlock()
		return pending, nil
	}
	p.inflight[hash] = []*Pending{pending}
	p.queues[priority] = append(p.queues[priority], &request{
		hash:      hash,
		text:      text,
		arrivedAt: time.Now(),
	})
	p.queued++
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return pending, nil
}

// Run drives batching until ctx is done. Anything still pending on
// shutdown resolves with the context error.
func (p *Processor) Run(ctx context.Context) {
	for {
		batch, wait := p.nextBatch()
		if batch != nil {
			p.dispatch(ctx, batch)
			continue
		}

		var deadline <-chan time.Time
		var timer *time.Timer
		if wait > 0 {
			timer = time.NewTimer(wait)
			deadline = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			p.drain(ctx.Err())
			return
		case <-p.wake:
		case <-deadline:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// nextBatch returns a ready batch, or the duration until the oldest queued
// request's timeout. wait is zero when the queue is empty.
func (p *Processor) nextBatch() ([]*request, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.queued == 0 {
		return nil, 0
	}
	if p.queued >= p.cfg.BatchSize {
		return p.takeBatchLocked(), 0
	}
	oldest := p.oldestArrivalLocked()
	remaining := p.cfg.BatchTimeout - time.Since(oldest)
	if remaining <= 0 {
		return p.takeBatchLocked(), 0
	}
	return nil, remaining
}

// takeBatchLocked pops up to BatchSize requests, highest priority first,
// FIFO within each priority.
func (p *Processor) takeBatchLocked() []*request {
	batch := make([]*request, 0, p.cfg.BatchSize)
	for tier := range p.queues {
		for len(p.queues[tier]) > 0 && len(batch) < p.cfg.BatchSize {
			batch = append(batch, p.queues[tier][0])
			p.queues[tier] = p.queues[tier][1:]
			p.queued--
		}
		if len(batch) == p.cfg.BatchSize {
			break
		}
	}
	return batch
}

func (p *Processor) oldestArrivalLocked() time.Time {
	var oldest time.Time
	for tier := range p.queues {
		if len(p.queues[tier]) == 0 {
			continue
		}
		if head := p.queues[tier][0].arrivedAt; oldest.IsZero() || head.Before(oldest) {
			oldest = head
		}
	}
	return oldest
}

// dispatch sends one batch to the model. A model failure resolves every
// request in the batch with the error and nothing else; the processor
// keeps accepting submissions.
func (p *Processor) dispatch(ctx context.Context, batch []*request) {
	texts := make([]string, len(batch))
	for i, req := range batch {
		texts[i] = req.text
	}
	metrics.ObserveEnrichmentBatch(len(texts))

	results, err := p.model.EnrichBatch(ctx, texts)
	if err == nil && len(results) != len(texts) {
		err = fmt.Errorf("model returned %d results for %d texts", len(results), len(texts))
	}
	if err != nil {
		p.logger.Error("enrichment batch failed",
			zap.Int("batch_size", len(texts)),
			zap.Error(err),
		)
		for _, req := range batch {
			p.resolve(req.hash, collection.EnrichmentResult{}, fmt.Errorf("enrich batch: %w", err))
		}
		return
	}

	for i, req := range batch {
		result := results[i]
		result.TextHash = req.hash
		// Cache before resolving waiters so a submission racing the
		// resolution finds either the in-flight entry or the cache.
		if cerr := p.cache.Set(ctx, resultKey(req.hash), result, p.cfg.ResultTTL); cerr != nil {
			p.logger.Warn("enrichment cache write failed", zap.Error(cerr))
		}
		p.resolve(req.hash, result, nil)
	}
}

// resolve delivers one outcome to every waiter coalesced under hash.
func (p *Processor) resolve(hash string, result collection.EnrichmentResult, err error) {
	p.mu.Lock()
	waiters := p.inflight[hash]
	delete(p.inflight, hash)
	p.mu.Unlock()

	for _, pending := range waiters {
		pending.result = result
		pending.err = err
		close(pending.done)
	}
}

// drain fails everything still queued or in flight on shutdown.
func (p *Processor) drain(cause error) {
	p.mu.Lock()
	p.stopped = true
	inflight := p.inflight
	p.inflight = make(map[string][]*Pending)
	for tier := range p.queues {
		p.queues[tier] = nil
	}
	p.queued = 0
	p.mu.Unlock()

	for _, waiters := range inflight {
		for _, pending := range waiters {
			pending.err = fmt.Errorf("%w: %w", ErrStopped, cause)
			close(pending.done)
		}
	}
}
