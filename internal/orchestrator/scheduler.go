package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/events"
	"github.com/aristath/pipeline/internal/persistence"
	"github.com/aristath/pipeline/internal/scheduler"
)

// SubmitResult is the per-task outcome of SubmitBatch.
type SubmitResult struct {
	TaskID string
	Err    error
}

// Option configures a Scheduler.
type Option func(*options)

type options struct {
	logger    zerolog.Logger
	bus       *events.EventBus
	store     persistence.Store
	runID     string
	onFailure FailureCallback
	breakers  *CircuitBreakerRegistry
}

// WithLogger sets the scheduler's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventBus publishes lifecycle and progress events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithResultStore archives every terminal result in store.
func WithResultStore(store persistence.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRunID tags archived records. A random ID is used otherwise.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithFailureCallback registers fn for tasks that fail after exhausting
// their attempts.
func WithFailureCallback(fn FailureCallback) Option {
	return func(o *options) { o.onFailure = fn }
}

// WithBreakers routes executor calls through registry instead of one built
// from the retry config.
func WithBreakers(registry *CircuitBreakerRegistry) Option {
	return func(o *options) { o.breakers = registry }
}

// taskEntry is the scheduler's own copy of a non-terminal task.
type taskEntry struct {
	task      *scheduler.Task
	attempts  int // Attempts started so far
	workerID  int
	startedAt time.Time // First attempt
}

// runningTask is an admitted attempt. Release always uses committed.
type runningTask struct {
	task      *scheduler.Task
	attempt   int
	workerID  int
	committed scheduler.Resources
	timeout   time.Duration
	startedAt time.Time
}

// Scheduler runs tasks on a fixed worker pool in priority order, admitting a
// task only once its dependencies are satisfied and its resources fit.
type Scheduler[O any] struct {
	mu  sync.Mutex
	cfg *config.Config

	executor scheduler.Executor[O]
	logger   zerolog.Logger
	bus      *events.EventBus
	store    persistence.Store
	runID    string
	chains   *scheduler.ChainManager
	breakers *CircuitBreakerRegistry
	fallback *FallbackHandler
	notifier *FailureNotifier

	queue   *scheduler.PriorityQueue
	ledger  *scheduler.ResourceLedger
	deps    *scheduler.DependencyIndex
	pool    *WorkerPool[*runningTask]
	metrics Metrics

	tasks    map[string]*taskEntry
	running  map[string]*runningTask
	retrying map[string]*time.Timer
	results  *resultCache[O]

	wake        chan struct{}
	idleWaiters []chan struct{}
	reporting   int // Completions still running their effects

	started        bool
	closed         bool
	halted         bool // Start's context ended before Shutdown
	execCtx        context.Context
	cancelExec     context.CancelFunc
	cancelDispatch context.CancelFunc
	dispatchDone   chan struct{}
	drained        chan struct{}
	drainedClosed  bool
	done           chan struct{}
}

// New creates a scheduler. A nil cfg means config.DefaultConfig(). The pool
// size is fixed here; UpdateConfig cannot change it.
func New[O any](cfg *config.Config, executor scheduler.Executor[O], opts ...Option) (*Scheduler[O], error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := PolicyFromConfig(cfg.Retry)
	if err != nil {
		return nil, err
	}
	chains, err := scheduler.NewChainManager(cfg.Chains)
	if err != nil {
		return nil, fmt.Errorf("invalid chains: %w", err)
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.breakers == nil && cfg.Retry.BreakerThreshold > 0 {
		o.breakers = NewCircuitBreakerRegistry(cfg.Retry.BreakerThreshold, cfg.Retry.BreakerCooldown.Std(), o.logger)
	}
	if o.breakers != nil {
		executor = breakerExecutor[O]{inner: executor, breakers: o.breakers}
	}

	s := &Scheduler[O]{
		cfg:          cfg,
		executor:     executor,
		logger:       o.logger,
		bus:          o.bus,
		store:        o.store,
		runID:        o.runID,
		chains:       chains,
		breakers:     o.breakers,
		fallback:     NewFallbackHandler(policy),
		queue:        scheduler.NewPriorityQueue(),
		ledger:       scheduler.NewResourceLedger(limitsFromConfig(cfg.Limits), o.logger),
		deps:         scheduler.NewDependencyIndex(),
		pool:         NewWorkerPool[*runningTask](cfg.Workers),
		tasks:        make(map[string]*taskEntry),
		running:      make(map[string]*runningTask),
		retrying:     make(map[string]*time.Timer),
		results:      newResultCache[O](cfg.ResultRetention),
		wake:         make(chan struct{}, 1),
		dispatchDone: make(chan struct{}),
		drained:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.notifier = NewFailureNotifier(o.onFailure, o.logger)
	s.notifier.Start()
	return s, nil
}

func limitsFromConfig(l config.ResourceLimits) scheduler.Limits {
	return scheduler.Limits{
		MemoryMB:           l.MemoryMB,
		CPUPercent:         l.CPUPercent,
		NetworkMbps:        l.NetworkMbps,
		StorageMB:          l.StorageMB,
		MaxConcurrentTasks: l.MaxConcurrentTasks,
	}
}

// Start launches the workers and the dispatch loop. Tasks submitted before
// Start wait in the queue. Cancelling ctx cancels in-flight executions,
// fails queued and retry-pending tasks as cancelled and refuses further
// submissions; Shutdown is still needed to release the workers.
func (s *Scheduler[O]) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return scheduler.ErrSchedulerClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.execCtx, s.cancelExec = context.WithCancel(ctx)
	dispatchCtx, cancelDispatch := context.WithCancel(ctx)
	s.cancelDispatch = cancelDispatch
	poll := s.cfg.PollInterval.Std()
	s.mu.Unlock()

	s.pool.Start(s.execCtx, s.runTask)
	go s.dispatchLoop(dispatchCtx, poll)

	s.logger.Info().Int("workers", s.pool.Size()).Str("run_id", s.runID).Msg("scheduler started")
	return nil
}

// RunID identifies this scheduler's records in the archive.
func (s *Scheduler[O]) RunID() string {
	return s.runID
}

// Submit validates task and queues a copy of it. Its dependencies must
// already be known to the scheduler.
func (s *Scheduler[O]) Submit(task *scheduler.Task) (string, error) {
	res := s.SubmitBatch([]*scheduler.Task{task})[0]
	return res.TaskID, res.Err
}

// SubmitBatch submits tasks as one group: members may depend on each other
// in any order. Each task is accepted or rejected on its own.
func (s *Scheduler[O]) SubmitBatch(tasks []*scheduler.Task) []SubmitResult {
	var fx effects

	s.mu.Lock()
	results := s.submitLocked(tasks, &fx)
	s.mu.Unlock()

	fx.run()
	s.notify()
	return results
}

// Status returns the lifecycle state of id. Terminal results evicted by
// retention report StatusNotFound.
func (s *Scheduler[O]) Status(id string) scheduler.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[id]; ok {
		return scheduler.StatusRunning
	}
	if _, ok := s.tasks[id]; ok {
		return scheduler.StatusQueued
	}
	if res, ok := s.results.get(id); ok {
		return res.Status
	}
	return scheduler.StatusNotFound
}

// Result returns the terminal result of id.
func (s *Scheduler[O]) Result(id string) (Result[O], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results.get(id)
}

// Results returns the terminal results of ids, in order. Unknown and
// non-terminal IDs are omitted.
func (s *Scheduler[O]) Results(ids []string) []Result[O] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Result[O], 0, len(ids))
	for _, id := range ids {
		if res, ok := s.results.get(id); ok {
			out = append(out, res)
		}
	}
	return out
}

// Statistics returns a snapshot of counters and current load.
func (s *Scheduler[O]) Statistics() Statistics {
	s.mu.Lock()
	running, queued, retrying := len(s.running), s.queue.Len(), len(s.retrying)
	s.mu.Unlock()

	completed, failed := s.metrics.completed.Load(), s.metrics.failed.Load()
	snap := s.ledger.Snapshot()
	return Statistics{
		TotalQueued:    s.metrics.queued.Load(),
		TotalProcessed: completed + failed,
		Completed:      completed,
		Failed:         failed,
		Rejected:       s.metrics.rejected.Load(),
		Retried:        s.metrics.retried.Load(),
		Timeouts:       s.metrics.timeouts.Load(),
		Cancelled:      s.metrics.cancelled.Load(),
		DeadlineMisses: s.metrics.deadlineMisses.Load(),
		Anomalies:      snap.Anomalies,
		Running:        running,
		QueueLength:    queued,
		RetryPending:   retrying,
		ActiveWorkers:  s.pool.Active(),
		Workers:        s.pool.Size(),
		AvgLatency:     s.metrics.AvgLatency(),
		Resources:      snap,
	}
}

// ResetMetrics zeroes the counters reported by Statistics.
func (s *Scheduler[O]) ResetMetrics() {
	s.metrics.Reset()
}

// Config returns a copy of the active configuration.
func (s *Scheduler[O]) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// UpdateConfig applies new limits, retry policy, timeouts and retention.
// Running tasks keep what they committed; the changes affect admission
// from now on. Queued tasks that can no longer fit the limits are failed.
func (s *Scheduler[O]) UpdateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, err := PolicyFromConfig(cfg.Retry)
	if err != nil {
		return err
	}
	chains, err := scheduler.NewChainManager(cfg.Chains)
	if err != nil {
		return fmt.Errorf("invalid chains: %w", err)
	}

	var fx effects

	s.mu.Lock()
	if cfg.Workers != s.pool.Size() {
		s.logger.Warn().Int("workers", s.pool.Size()).Int("requested", cfg.Workers).Msg("worker count is fixed at construction, ignoring")
		cfg.Workers = s.pool.Size()
	}
	s.cfg = cfg
	s.chains = chains
	s.fallback.SetPolicy(policy)
	s.ledger.SetLimits(limitsFromConfig(cfg.Limits))
	s.results.setRetention(cfg.ResultRetention)

	var zero O
	for _, id := range s.queue.IDs() {
		entry := s.tasks[id]
		if entry == nil || s.ledger.Fits(entry.task.Resources) {
			continue
		}
		s.queue.Remove(id)
		s.finishLocked(id, zero, s.limitError(id), &fx)
	}
	s.checkIdleLocked(&fx)
	s.mu.Unlock()

	fx.run()
	s.notify()
	s.logger.Info().Msg("configuration updated")
	return nil
}

// WaitIdle blocks until nothing is queued, running or waiting to retry.
func (s *Scheduler[O]) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.idleLocked() {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idleWaiters = append(s.idleWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler[O]) idleLocked() bool {
	return s.queue.Len() == 0 && len(s.running) == 0 && len(s.retrying) == 0 && s.reporting == 0
}

// checkIdleLocked releases WaitIdle callers once nothing is left to do. The
// release is queued last so waiters observe every earlier effect.
func (s *Scheduler[O]) checkIdleLocked(fx *effects) {
	if len(s.idleWaiters) == 0 || !s.idleLocked() {
		return
	}
	waiters := s.idleWaiters
	s.idleWaiters = nil
	fx.add(func() {
		for _, ch := range waiters {
			close(ch)
		}
	})
}

func (s *Scheduler[O]) checkDrainedLocked() {
	if s.closed && !s.drainedClosed && len(s.running) == 0 {
		close(s.drained)
		s.drainedClosed = true
	}
}

// Shutdown stops dispatching and fails every queued or retry-pending task
// as cancelled. In-flight tasks get the configured grace period (or until
// ctx ends) to finish; whatever is still running after that is abandoned
// and reported as cancelled. Queued failure callbacks get another grace
// period to be delivered. Returns ctx.Err() if ctx ended first.
func (s *Scheduler[O]) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.closed = true
	grace := s.cfg.GracePeriod.Std()

	var (
		fx   effects
		zero O
	)
	for _, task := range s.queue.Drain() {
		s.finishLocked(task.ID, zero, s.cancelError(task.ID, "scheduler shutting down"), &fx)
	}
	for id, timer := range s.retrying {
		timer.Stop()
		delete(s.retrying, id)
		s.finishLocked(id, zero, s.cancelError(id, "scheduler shutting down"), &fx)
	}
	s.checkDrainedLocked()
	s.checkIdleLocked(&fx)
	started := s.started
	s.mu.Unlock()
	fx.run()

	s.logger.Info().Dur("grace", grace).Msg("scheduler shutting down")

	if started {
		s.cancelDispatch()
		<-s.dispatchDone
	}

	var err error
	timer := time.NewTimer(grace)
	select {
	case <-s.drained:
	case <-timer.C:
	case <-ctx.Done():
		err = ctx.Err()
	}
	timer.Stop()

	s.abandonRunning()

	if started {
		s.cancelExec()
		s.pool.Stop()
	}
	notifyCtx, cancelNotify := context.WithTimeout(ctx, grace)
	if nerr := s.notifier.Stop(notifyCtx); nerr != nil && err == nil {
		err = ctx.Err()
	}
	cancelNotify()
	s.publishProgress()
	close(s.done)

	s.logger.Info().Msg("scheduler stopped")
	return err
}

func (s *Scheduler[O]) stoppedLocked() bool {
	return s.closed || s.halted
}

// halt settles everything that can no longer run once Start's context has
// ended. Running attempts see the cancelled context and report themselves.
func (s *Scheduler[O]) halt() {
	var (
		fx   effects
		zero O
	)

	s.mu.Lock()
	if s.closed || s.halted {
		s.mu.Unlock()
		return
	}
	s.halted = true
	for _, task := range s.queue.Drain() {
		s.finishLocked(task.ID, zero, s.cancelError(task.ID, "scheduler context cancelled"), &fx)
	}
	for id, timer := range s.retrying {
		timer.Stop()
		delete(s.retrying, id)
		s.finishLocked(id, zero, s.cancelError(id, "scheduler context cancelled"), &fx)
	}
	s.checkIdleLocked(&fx)
	s.mu.Unlock()
	fx.run()

	s.logger.Warn().Msg("scheduler context cancelled, queued tasks cancelled")
}

// abandonRunning fails every attempt still in flight. Their late reports
// find no running entry and are ignored, so resources are released once.
func (s *Scheduler[O]) abandonRunning() {
	var (
		fx   effects
		zero O
	)

	s.mu.Lock()
	for id, rt := range s.running {
		delete(s.running, id)
		s.ledger.Release(rt.committed)
		s.logger.Warn().Str("task_id", id).Int("worker_id", rt.workerID).Msg("abandoning task after grace period")
		s.finishLocked(id, zero, s.cancelError(id, "abandoned after grace period"), &fx)
	}
	s.checkDrainedLocked()
	s.checkIdleLocked(&fx)
	s.mu.Unlock()

	fx.run()
}

func (s *Scheduler[O]) cancelError(id, reason string) error {
	attempts := 0
	if entry, ok := s.tasks[id]; ok {
		attempts = entry.attempts
	}
	return &scheduler.ExecutionError{
		TaskID:  id,
		Kind:    scheduler.ErrorKindCancelled,
		Attempt: attempts,
		Err:     fmt.Errorf("%w: %s", scheduler.ErrCancelled, reason),
	}
}

// Breakers returns the circuit breaker registry, or nil when breaking is
// disabled.
func (s *Scheduler[O]) Breakers() *CircuitBreakerRegistry {
	return s.breakers
}

// Done is closed once Shutdown has finished.
func (s *Scheduler[O]) Done() <-chan struct{} {
	return s.done
}
