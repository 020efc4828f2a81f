package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bjpl/open-learn-co-sub001/internal/clock/system"
	"github.com/bjpl/open-learn-co-sub001/internal/collection"
	storemem "github.com/bjpl/open-learn-co-sub001/internal/storage/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

// scriptedCollector returns outcomes in order; the last one repeats.
// A non-nil gate blocks each call until the gate closes.
type scriptedCollector struct {
	mu       sync.Mutex
	outcomes []error
	calls    int
	gate     chan struct{}
	stats    collection.CollectStats
}

func (c *scriptedCollector) Collect(ctx context.Context, _ collection.SourceDefinition) (collection.CollectStats, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return collection.CollectStats{}, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.calls
	c.calls++
	if idx >= len(c.outcomes) {
		idx = len(c.outcomes) - 1
	}
	if idx < 0 {
		return c.stats, nil
	}
	return c.stats, c.outcomes[idx]
}

func (c *scriptedCollector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testSource(maxRetries int, interval time.Duration) collection.SourceDefinition {
	return collection.SourceDefinition{
		Key:        "dane_ipc",
		Kind:       collection.SourceKindAPI,
		Priority:   collection.PriorityHigh,
		Interval:   interval,
		MaxRetries: maxRetries,
		Enabled:    true,
	}
}

type fixture struct {
	sched   *Scheduler
	jobs    *storemem.JobStore
	records *storemem.RecordStore
}

func newFixture(t *testing.T, source collection.SourceDefinition, coll collection.Collector, jobs *storemem.JobStore) *fixture {
	t.Helper()
	if jobs == nil {
		jobs = storemem.NewJobStore()
	}
	records := storemem.NewRecordStore()
	cfg := Config{
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		OrphanAfter: 50 * time.Millisecond,
	}
	sched := New(cfg, []collection.SourceDefinition{source}, jobs, records, coll, system.New(), &seqIDs{}, zap.NewNop())
	return &fixture{sched: sched, jobs: jobs, records: records}
}

func (fx *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fx.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (fx *fixture) jobWithStatus(t *testing.T, status collection.JobStatus) collection.CollectionJob {
	t.Helper()
	var job collection.CollectionJob
	require.Eventually(t, func() bool {
		jobs, err := fx.jobs.ListJobs(context.Background(), collection.JobFilter{Status: status})
		if err != nil || len(jobs) == 0 {
			return false
		}
		job = jobs[0]
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestScheduler_TransientRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{outcomes: []error{collection.Transient(errors.New("upstream 502"))}}
	fx := newFixture(t, testSource(3, time.Hour), coll, nil)
	fx.start(t)

	job := fx.jobWithStatus(t, collection.JobStatusDeadLettered)
	require.Equal(t, 4, job.AttemptCount, "initial attempt plus three retries")
	require.Contains(t, job.LastError, "upstream 502")
	require.Equal(t, 4, coll.callCount())

	alerts, err := fx.records.ListAlerts(context.Background(), collection.AlertFilter{Kind: AlertKindDeadLetter})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "dane_ipc", alerts[0].SourceKey)
	require.Equal(t, 3.0, alerts[0].Threshold)

	status, err := fx.sched.Status("dane_ipc")
	require.NoError(t, err)
	require.Equal(t, 4, status.ConsecutiveFailures)
}

func TestScheduler_SuccessAfterRetryResetsFailures(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{
		outcomes: []error{collection.Transient(errors.New("flaky")), nil},
		stats:    collection.CollectStats{ItemsFetched: 5, ItemsStored: 5},
	}
	fx := newFixture(t, testSource(3, time.Hour), coll, nil)
	fx.start(t)

	job := fx.jobWithStatus(t, collection.JobStatusSucceeded)
	require.Equal(t, 1, job.AttemptCount)
	require.Equal(t, 5, job.Stats.ItemsStored)

	status, err := fx.sched.Status("dane_ipc")
	require.NoError(t, err)
	require.Zero(t, status.ConsecutiveFailures)
	require.Empty(t, status.LastError)
}

func TestScheduler_ValidationDeadLettersWithoutRetry(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{outcomes: []error{collection.Invalid(errors.New("selectors stale"))}}
	fx := newFixture(t, testSource(3, time.Hour), coll, nil)
	fx.start(t)

	fx.jobWithStatus(t, collection.JobStatusDeadLettered)
	require.Equal(t, 1, coll.callCount(), "deterministic failures are not retried")
}

func TestScheduler_CapacityRequeueKeepsAttemptCount(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{outcomes: []error{collection.Capacity(errors.New("429")), nil}}
	fx := newFixture(t, testSource(3, time.Hour), coll, nil)
	fx.start(t)

	job := fx.jobWithStatus(t, collection.JobStatusSucceeded)
	require.Zero(t, job.AttemptCount, "backpressure must not consume the retry budget")
	require.Equal(t, 2, coll.callCount())
}

func TestScheduler_FatalHaltsTriggering(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{outcomes: []error{collection.Fatal(errors.New("store down"))}}
	fx := newFixture(t, testSource(3, 10*time.Millisecond), coll, nil)
	fx.start(t)

	fx.jobWithStatus(t, collection.JobStatusFailed)
	require.Eventually(t, func() bool {
		halted, _ := fx.sched.Halted()
		return halted
	}, 5*time.Second, 5*time.Millisecond)

	calls := coll.callCount()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, calls, coll.callCount(), "no new triggers after halt")

	err := fx.sched.TriggerNow("dane_ipc")
	require.ErrorIs(t, err, ErrHalted)
}

func TestScheduler_TriggerNowRejectedWhileInFlight(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	coll := &scriptedCollector{gate: gate}
	fx := newFixture(t, testSource(3, time.Hour), coll, nil)
	fx.start(t)

	require.Eventually(t, func() bool {
		status, err := fx.sched.Status("dane_ipc")
		return err == nil && status.InFlight
	}, 5*time.Second, 5*time.Millisecond)

	err := fx.sched.TriggerNow("dane_ipc")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(gate)
	fx.jobWithStatus(t, collection.JobStatusSucceeded)
}

func TestScheduler_PauseAndResume(t *testing.T) {
	t.Parallel()

	coll := &scriptedCollector{}
	fx := newFixture(t, testSource(3, 10*time.Millisecond), coll, nil)
	require.NoError(t, fx.sched.Pause("dane_ipc"))
	fx.start(t)

	time.Sleep(60 * time.Millisecond)
	require.Zero(t, coll.callCount(), "paused sources never trigger")

	status, err := fx.sched.Status("dane_ipc")
	require.NoError(t, err)
	require.True(t, status.Paused)

	require.NoError(t, fx.sched.Resume("dane_ipc"))
	require.Eventually(t, func() bool {
		return coll.callCount() > 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_ReplaysOrphanExactlyOnce(t *testing.T) {
	t.Parallel()

	jobs := storemem.NewJobStore()
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, jobs.CreateJob(context.Background(), collection.CollectionJob{
		ID:          "orphan-1",
		SourceKey:   "dane_ipc",
		TriggerTime: stale,
		Status:      collection.JobStatusRunning,
	}))

	coll := &scriptedCollector{}
	fx := newFixture(t, testSource(3, time.Hour), coll, jobs)
	// Pause periodic triggers so only the recovery scan can run anything.
	require.NoError(t, fx.sched.Pause("dane_ipc"))
	fx.start(t)

	require.Eventually(t, func() bool {
		job, err := jobs.GetJob(context.Background(), "orphan-1")
		return err == nil && job.Status == collection.JobStatusSucceeded
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, coll.callCount(), "an orphan replays once, never twice")
}

func TestScheduler_OrphanForUnknownSourceParked(t *testing.T) {
	t.Parallel()

	jobs := storemem.NewJobStore()
	require.NoError(t, jobs.CreateJob(context.Background(), collection.CollectionJob{
		ID:          "orphan-2",
		SourceKey:   "decommissioned",
		TriggerTime: time.Now().Add(-time.Hour),
		Status:      collection.JobStatusScheduled,
	}))

	coll := &scriptedCollector{}
	fx := newFixture(t, testSource(3, time.Hour), coll, jobs)
	require.NoError(t, fx.sched.Pause("dane_ipc"))
	fx.start(t)

	require.Eventually(t, func() bool {
		job, err := jobs.GetJob(context.Background(), "orphan-2")
		return err == nil && job.Status == collection.JobStatusFailed
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_AdminUnknownSource(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, testSource(3, time.Hour), &scriptedCollector{}, nil)

	require.ErrorIs(t, fx.sched.TriggerNow("nope"), ErrUnknownSource)
	require.ErrorIs(t, fx.sched.Pause("nope"), ErrUnknownSource)
	_, err := fx.sched.Status("nope")
	require.ErrorIs(t, err, ErrUnknownSource)

	statuses := fx.sched.ListSources()
	require.Len(t, statuses, 1)
	require.Equal(t, "dane_ipc", statuses[0].SourceKey)
}
