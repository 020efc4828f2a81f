// Package scheduler drives recurring collection jobs. Sources are grouped
// into three priority tiers, each with its own bounded worker pool, so a
// burst of low-priority work cannot starve high-priority sources. Every
// trigger is written to the job ledger before execution, which makes a
// crash between trigger and run detectable and replayable on restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bjpl/open-learn-co-sub001/internal/collection"
	"github.com/bjpl/open-learn-co-sub001/internal/metrics"
)

// Alert kind raised when a job exhausts its retry budget.
const AlertKindDeadLetter = "job_dead_letter"

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultOrphanAfter       = 2 * time.Minute
)

// Errors surfaced to the admin layer.
var (
	ErrUnknownSource  = errors.New("unknown source")
	ErrAlreadyRunning = errors.New("a run is already in flight for this source")
	ErrHalted         = errors.New("scheduling halted after fatal error")
)

// Config tunes the scheduler.
type Config struct {
	// TierWorkers bounds concurrent jobs per priority tier.
	TierWorkers map[collection.Priority]int
	// BaseDelay and MaxDelay shape the retry backoff curve.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// HeartbeatInterval is how often a running job refreshes its
	// liveness marker in the ledger.
	HeartbeatInterval time.Duration
	// OrphanAfter is how stale a scheduled/running job's last sign of
	// life must be before the startup scan replays it.
	OrphanAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.TierWorkers == nil {
		c.TierWorkers = map[collection.Priority]int{
			collection.PriorityHigh:   4,
			collection.PriorityMedium: 2,
			collection.PriorityLow:    1,
		}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = defaultOrphanAfter
	}
	return c
}

// sourceState is the scheduler's mutable view of one source. All fields
// are guarded by Scheduler.mu.
type sourceState struct {
	def       collection.SourceDefinition
	paused    bool
	inFlight  bool
	nextRun   time.Time
	lastRun   *time.Time
	failures  int
	lastError string
	trigger   chan struct{}
}

// Scheduler owns the per-source trigger loops and the retry state machine.
type Scheduler struct {
	cfg       Config
	policy    *RetryPolicy
	jobs      collection.JobStore
	records   collection.RecordStore
	collector collection.Collector
	clock     collection.Clock
	ids       collection.IDGenerator
	logger    *zap.Logger

	mu      sync.Mutex
	states  map[string]*sourceState
	order   []string
	slots   map[collection.Priority]chan struct{}
	halted  bool
	haltErr error
}

// New constructs a Scheduler over the enabled sources.
func New(
	cfg Config,
	sources []collection.SourceDefinition,
	jobs collection.JobStore,
	records collection.RecordStore,
	collector collection.Collector,
	clock collection.Clock,
	ids collection.IDGenerator,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	s := &Scheduler{
		cfg:       cfg,
		policy:    NewRetryPolicy(cfg.BaseDelay, cfg.MaxDelay),
		jobs:      jobs,
		records:   records,
		collector: collector,
		clock:     clock,
		ids:       ids,
		logger:    logger,
		states:    make(map[string]*sourceState),
		slots:     make(map[collection.Priority]chan struct{}),
	}
	for tier, n := range cfg.TierWorkers {
		if n <= 0 {
			n = 1
		}
		s.slots[tier] = make(chan struct{}, n)
	}
	now := clock.Now()
	for _, def := range sources {
		if !def.Enabled {
			continue
		}
		s.states[def.Key] = &sourceState{
			def:     def,
			nextRun: now,
			trigger: make(chan struct{}, 1),
		}
		s.order = append(s.order, def.Key)
	}
	sort.Strings(s.order)
	return s
}

// Run replays orphaned jobs, then blocks driving all source loops until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.recoverOrphans(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range s.order {
		state := s.states[key]
		g.Go(func() error {
			s.runSource(ctx, state)
			return nil
		})
	}
	return g.Wait()
}

// recoverOrphans resets jobs stranded by a previous process and replays
// each exactly once, before the periodic loops start.
func (s *Scheduler) recoverOrphans(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.OrphanAfter)
	orphans, err := s.jobs.OrphanedJobs(ctx, cutoff)
	if err != nil {
		s.halt(collection.Fatal(fmt.Errorf("orphan scan: %w", err)))
		return
	}
	if len(orphans) == 0 {
		return
	}
	s.logger.Info("replaying orphaned jobs", zap.Int("count", len(orphans)))

	for _, job := range orphans {
		s.mu.Lock()
		state, known := s.states[job.SourceKey]
		s.mu.Unlock()
		if !known {
			err := s.jobs.UpdateJobStatus(ctx, job.ID, collection.JobStatusFailed,
				"source no longer configured", job.AttemptCount, nil)
			if err != nil {
				s.logger.Warn("could not park orphan", zap.String("job_id", job.ID), zap.Error(err))
			}
			continue
		}
		if err := s.jobs.ResetForReplay(ctx, job.ID); err != nil {
			s.logger.Warn("orphan not replayable", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		job.Status = collection.JobStatusScheduled
		s.runJob(ctx, state, &job)
	}
}

// runSource is the serial loop for one source. Per-source runs never
// overlap because this loop is the only place they start.
func (s *Scheduler) runSource(ctx context.Context, state *sourceState) {
	for {
		s.mu.Lock()
		next := state.nextRun
		s.mu.Unlock()

		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-state.trigger:
			timer.Stop()
			s.runJob(ctx, state, nil)
		case <-timer.C:
			s.mu.Lock()
			skip := state.paused || s.halted
			s.mu.Unlock()
			if !skip {
				s.runJob(ctx, state, nil)
			}
		}

		s.mu.Lock()
		state.nextRun = s.clock.Now().Add(state.def.Interval)
		s.mu.Unlock()
	}
}

// runJob acquires a tier slot and drives one job through the attempt
// state machine. A nil job means a fresh trigger; a non-nil one is a
// replay of an existing ledger row.
func (s *Scheduler) runJob(ctx context.Context, state *sourceState, job *collection.CollectionJob) {
	s.mu.Lock()
	state.inFlight = true
	s.mu.Unlock()
	defer func() {
		now := s.clock.Now()
		s.mu.Lock()
		state.inFlight = false
		state.lastRun = &now
		s.mu.Unlock()
	}()

	tier := state.def.Priority
	select {
	case s.slots[tier] <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.slots[tier] }()

	metrics.IncActiveWorkers(string(tier))
	defer metrics.DecActiveWorkers(string(tier))

	if job == nil {
		id, err := s.ids.NewID()
		if err != nil {
			s.halt(collection.Fatal(fmt.Errorf("job id: %w", err)))
			return
		}
		created := collection.CollectionJob{
			ID:          id,
			SourceKey:   state.def.Key,
			TriggerTime: s.clock.Now(),
			Status:      collection.JobStatusScheduled,
		}
		if err := s.jobs.CreateJob(ctx, created); err != nil {
			// The ledger write precedes execution on purpose; if it
			// fails, duplicate-trigger avoidance is gone and we stop.
			s.halt(collection.Fatal(fmt.Errorf("create job: %w", err)))
			return
		}
		job = &created
	}

	s.execute(ctx, state, job)
}

// execute runs attempts for one job until it reaches a terminal outcome.
func (s *Scheduler) execute(ctx context.Context, state *sourceState, job *collection.CollectionJob) {
	attempt := job.AttemptCount
	for {
		if err := s.jobs.UpdateJobStatus(ctx, job.ID, collection.JobStatusRunning, "", attempt, nil); err != nil {
			s.halt(collection.Fatal(fmt.Errorf("mark running: %w", err)))
			return
		}

		stopHeartbeat := s.startHeartbeat(ctx, job.ID)
		stats, err := s.collector.Collect(ctx, state.def)
		stopHeartbeat()

		if err == nil {
			if serr := s.jobs.RecordStats(ctx, job.ID, stats); serr != nil {
				s.logger.Warn("stats not recorded", zap.String("job_id", job.ID), zap.Error(serr))
			}
			if uerr := s.jobs.UpdateJobStatus(ctx, job.ID, collection.JobStatusSucceeded, "", attempt, nil); uerr != nil {
				s.halt(collection.Fatal(fmt.Errorf("mark succeeded: %w", uerr)))
				return
			}
			metrics.ObserveJob(string(collection.JobStatusSucceeded))
			s.mu.Lock()
			state.failures = 0
			state.lastError = ""
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		state.failures++
		state.lastError = err.Error()
		s.mu.Unlock()
		s.logger.Warn("collection attempt failed",
			zap.String("source", state.def.Key),
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		switch collection.Classify(err) {
		case collection.ClassFatal:
			s.park(ctx, job.ID, collection.JobStatusFailed, err, attempt)
			metrics.ObserveJob(string(collection.JobStatusFailed))
			s.halt(err)
			return

		case collection.ClassValidation:
			// Deterministic failures recur on every retry; park now.
			s.deadLetter(ctx, state, job.ID, err, attempt)
			return

		case collection.ClassCapacity:
			// Backpressure consumes no attempt; requeue after a
			// fraction of the source interval.
			delay := s.policy.CapacityDelay(state.def.Interval)
			if !s.requeue(ctx, job.ID, err, attempt, delay) {
				return
			}

		default:
			attempt++
			if attempt > state.def.MaxRetries {
				s.deadLetter(ctx, state, job.ID, err, attempt)
				return
			}
			delay := s.policy.Backoff(attempt - 1)
			if !s.requeue(ctx, job.ID, err, attempt, delay) {
				return
			}
		}
	}
}

// requeue parks the job as failed with a retry timestamp, waits out the
// delay, and moves it back to scheduled. Returns false when the wait was
// cut short or the ledger rejected a transition.
func (s *Scheduler) requeue(ctx context.Context, jobID string, cause error, attempt int, delay time.Duration) bool {
	retryAt := s.clock.Now().Add(delay)
	if err := s.jobs.UpdateJobStatus(ctx, jobID, collection.JobStatusFailed, cause.Error(), attempt, &retryAt); err != nil {
		s.halt(collection.Fatal(fmt.Errorf("mark failed: %w", err)))
		return false
	}
	if !s.sleep(ctx, delay) {
		return false
	}
	if err := s.jobs.UpdateJobStatus(ctx, jobID, collection.JobStatusScheduled, cause.Error(), attempt, nil); err != nil {
		s.halt(collection.Fatal(fmt.Errorf("reschedule: %w", err)))
		return false
	}
	return true
}

// park moves the job to status with the error text, logging rather than
// failing when the ledger rejects it.
func (s *Scheduler) park(ctx context.Context, jobID string, status collection.JobStatus, cause error, attempt int) {
	if err := s.jobs.UpdateJobStatus(ctx, jobID, status, cause.Error(), attempt, nil); err != nil {
		s.logger.Error("job not parked",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// deadLetter exhausts the job and raises a first-class Alert for the
// operator.
func (s *Scheduler) deadLetter(ctx context.Context, state *sourceState, jobID string, cause error, attempt int) {
	s.park(ctx, jobID, collection.JobStatusFailed, cause, attempt)
	s.park(ctx, jobID, collection.JobStatusDeadLettered, cause, attempt)
	metrics.ObserveJob(string(collection.JobStatusDeadLettered))

	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("dead-letter alert id", zap.Error(err))
		return
	}
	alert := collection.Alert{
		ID:            id,
		SourceKey:     state.def.Key,
		Kind:          AlertKindDeadLetter,
		Threshold:     float64(state.def.MaxRetries),
		ObservedValue: float64(attempt),
		CreatedAt:     s.clock.Now(),
	}
	if _, _, err := s.records.SaveBatch(ctx, nil, []collection.Alert{alert}); err != nil {
		s.logger.Error("dead-letter alert not saved",
			zap.String("source", state.def.Key),
			zap.Error(err),
		)
	}
	s.logger.Error("job dead-lettered",
		zap.String("source", state.def.Key),
		zap.String("job_id", jobID),
		zap.Int("attempts", attempt),
		zap.String("last_error", cause.Error()),
	)
}

// startHeartbeat refreshes the job's liveness marker until the returned
// stop function is called.
func (s *Scheduler) startHeartbeat(ctx context.Context, jobID string) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.jobs.Heartbeat(ctx, jobID, s.clock.Now()); err != nil {
					s.logger.Warn("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// halt stops new triggers after a fatal error. Loops keep running so the
// admin surface stays responsive, but nothing fires until restart.
func (s *Scheduler) halt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return
	}
	s.halted = true
	s.haltErr = err
	s.logger.Error("scheduling halted", zap.Error(err))
}

// Halted reports whether a fatal error stopped triggering, and why.
func (s *Scheduler) Halted() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted, s.haltErr
}

// TriggerNow forces an out-of-band run. It is rejected while a run for
// the same source is in flight; it never preempts one.
func (s *Scheduler) TriggerNow(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, key)
	}
	if s.halted {
		return fmt.Errorf("%w: %w", ErrHalted, s.haltErr)
	}
	if state.inFlight {
		return fmt.Errorf("%w: %q", ErrAlreadyRunning, key)
	}
	select {
	case state.trigger <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrAlreadyRunning, key)
	}
}

// Pause stops periodic triggers for the source. An in-flight run finishes.
func (s *Scheduler) Pause(key string) error {
	return s.setPaused(key, true)
}

// Resume re-enables periodic triggers for the source.
func (s *Scheduler) Resume(key string) error {
	return s.setPaused(key, false)
}

func (s *Scheduler) setPaused(key string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, key)
	}
	state.paused = paused
	return nil
}

// Status returns the scheduler's view of one source.
func (s *Scheduler) Status(key string) (collection.SourceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	if !ok {
		return collection.SourceStatus{}, fmt.Errorf("%w: %q", ErrUnknownSource, key)
	}
	return s.statusLocked(state), nil
}

// ListSources returns the status of every source, ordered by key.
func (s *Scheduler) ListSources() []collection.SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collection.SourceStatus, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.statusLocked(s.states[key]))
	}
	return out
}

func (s *Scheduler) statusLocked(state *sourceState) collection.SourceStatus {
	status := collection.SourceStatus{
		SourceKey:           state.def.Key,
		Paused:              state.paused,
		InFlight:            state.inFlight,
		NextRun:             state.nextRun,
		ConsecutiveFailures: state.failures,
		LastError:           state.lastError,
	}
	if state.lastRun != nil {
		t := *state.lastRun
		status.LastRun = &t
	}
	return status
}
