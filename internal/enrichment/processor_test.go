package enrichment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bjpl/open-learn-co-sub001/internal/cache"
	"github.com/bjpl/open-learn-co-sub001/internal/collection"
	"github.com/bjpl/open-learn-co-sub001/internal/hash/sha256"
)

// fakeModel records each EnrichBatch call and answers with canned
// per-text results, or an error when failNext is set.
type fakeModel struct {
	mu       sync.Mutex
	batches  [][]string
	failNext bool
}

func (m *fakeModel) EnrichBatch(_ context.Context, texts []string) ([]collection.EnrichmentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]string(nil), texts...))
	if m.failNext {
		m.failNext = false
		return nil, errors.New("model unavailable")
	}
	results := make([]collection.EnrichmentResult, len(texts))
	for i, text := range texts {
		results[i] = collection.EnrichmentResult{
			Entities:  []string{"entity:" + text},
			Sentiment: 0.5,
		}
	}
	return results, nil
}

func (m *fakeModel) calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.batches))
	copy(out, m.batches)
	return out
}

func newTestProcessor(t *testing.T, cfg Config, model collection.Enricher) (*Processor, context.CancelFunc) {
	t.Helper()
	manager := cache.NewManager(cache.NewMemoryStore(), zap.NewNop())
	proc := New(cfg, model, manager, sha256.New(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		proc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return proc, cancel
}

func TestProcessor_FlushesOnBatchSize(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	proc, _ := newTestProcessor(t, Config{BatchSize: 3, BatchTimeout: time.Hour}, model)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pendings []*Pending
	for _, text := range []string{"uno", "dos", "tres"} {
		p, err := proc.Submit(ctx, text, collection.EnrichNormal)
		require.NoError(t, err)
		pendings = append(pendings, p)
	}
	for _, p := range pendings {
		result, err := p.Wait(ctx)
		require.NoError(t, err)
		require.Len(t, result.Entities, 1)
		require.NotEmpty(t, result.TextHash)
	}

	calls := model.calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 3)
}

func TestProcessor_FlushesOnTimeout(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	proc, _ := newTestProcessor(t, Config{BatchSize: 100, BatchTimeout: 20 * time.Millisecond}, model)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := proc.Submit(ctx, "solo", collection.EnrichLow)
	require.NoError(t, err)

	result, err := p.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"entity:solo"}, result.Entities)
	require.Len(t, model.calls(), 1)
}

func TestProcessor_CoalescesIdenticalTexts(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	proc, _ := newTestProcessor(t, Config{BatchSize: 100, BatchTimeout: 20 * time.Millisecond}, model)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var pendings []*Pending
	for i := 0; i < 5; i++ {
		p, err := proc.Submit(ctx, "mismo texto", collection.EnrichNormal)
		require.NoError(t, err)
		pendings = append(pendings, p)
	}
	for _, p := range pendings {
		result, err := p.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"entity:mismo texto"}, result.Entities)
	}

	calls := model.calls()
	require.Len(t, calls, 1, "identical texts share one model invocation")
	require.Len(t, calls[0], 1)
}

func TestProcessor_CacheHitSkipsModel(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	proc, _ := newTestProcessor(t, Config{BatchSize: 100, BatchTimeout: 10 * time.Millisecond}, model)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := proc.Submit(ctx, "texto cacheado", collection.EnrichNormal)
	require.NoError(t, err)
	_, err = first.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, model.calls(), 1)

	second, err := proc.Submit(ctx, "texto cacheado", collection.EnrichNormal)
	require.NoError(t, err)
	result, err := second.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"entity:texto cacheado"}, result.Entities)
	require.Len(t, model.calls(), 1, "cached result must not reach the model")
}

func TestProcessor_PriorityOrdersBatches(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	manager := cache.NewManager(cache.NewMemoryStore(), zap.NewNop())
	proc := New(Config{BatchSize: 2, BatchTimeout: time.Hour}, model, manager, sha256.New(), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Queue everything before the dispatcher starts so dispatch order is
	// determined purely by priority.
	submissions := []struct {
		text     string
		priority collection.EnrichmentPriority
	}{
		{"bajo", collection.EnrichLow},
		{"normal", collection.EnrichNormal},
		{"critico", collection.EnrichCritical},
		{"alto", collection.EnrichHigh},
	}
	var pendings []*Pending
	for _, s := range submissions {
		p, err := proc.Submit(ctx, s.text, s.priority)
		require.NoError(t, err)
		pendings = append(pendings, p)
	}

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		proc.Run(runCtx)
	}()
	defer func() {
		stop()
		<-done
	}()

	for _, p := range pendings {
		_, err := p.Wait(ctx)
		require.NoError(t, err)
	}

	calls := model.calls()
	require.Len(t, calls, 2)
	require.Equal(t, []string{"critico", "alto"}, calls[0])
	require.Equal(t, []string{"normal", "bajo"}, calls[1])
}

func TestProcessor_ModelFailureIsolatedToBatch(t *testing.T) {
	t.Parallel()

	model := &fakeModel{failNext: true}
	proc, _ := newTestProcessor(t, Config{BatchSize: 1, BatchTimeout: time.Hour}, model)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	failed, err := proc.Submit(ctx, "primero", collection.EnrichNormal)
	require.NoError(t, err)
	_, err = failed.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model unavailable")

	recovered, err := proc.Submit(ctx, "segundo", collection.EnrichNormal)
	require.NoError(t, err)
	result, err := recovered.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"entity:segundo"}, result.Entities)
}

func TestProcessor_EmptyTextResolvesImmediately(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	proc, _ := newTestProcessor(t, Config{}, model)

	p, err := proc.Submit(context.Background(), "", collection.EnrichCritical)
	require.NoError(t, err)
	result, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Entities)
	require.Empty(t, model.calls())
}

func TestProcessor_SubmitAfterShutdown(t *testing.T) {
	t.Parallel()

	model := &fakeModel{}
	proc, cancel := newTestProcessor(t, Config{}, model)
	cancel()

	require.Eventually(t, func() bool {
		_, err := proc.Submit(context.Background(), "tarde", collection.EnrichNormal)
		return errors.Is(err, ErrStopped)
	}, 2*time.Second, 10*time.Millisecond)
}
