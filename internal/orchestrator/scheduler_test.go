package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/events"
	"github.com/aristath/pipeline/internal/persistence"
	"github.com/aristath/pipeline/internal/scheduler"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Workers = 4
	cfg.Limits = config.ResourceLimits{
		MemoryMB:           4096,
		CPUPercent:         400,
		NetworkMbps:        100,
		StorageMB:          10240,
		MaxConcurrentTasks: 4,
	}
	cfg.Retry = config.RetryConfig{
		Strategy:      config.RetryExponential,
		MaxRetries:    3,
		BaseDelay:     config.Duration(10 * time.Millisecond),
		MaxDelay:      config.Duration(time.Second),
		Multiplier:    2,
		RetryTimeouts: true,
	}
	cfg.DefaultTimeout = config.Duration(5 * time.Second)
	cfg.GracePeriod = config.Duration(time.Second)
	cfg.PollInterval = config.Duration(20 * time.Millisecond)
	cfg.Store = config.StoreConfig{}
	return cfg
}

func newTask(id string, priority scheduler.Priority, deps ...string) *scheduler.Task {
	task := scheduler.NewTask(id, "pkg/"+id+".go", scheduler.KindSyntax, priority)
	task.Dependencies = deps
	task.Resources = scheduler.Resources{MemoryMB: 64, CPUPercent: 25}
	return task
}

// newStarted builds and starts a scheduler that is shut down when the test ends.
func newStarted(t *testing.T, cfg *config.Config, ex scheduler.Executor[string], opts ...Option) *Scheduler[string] {
	t.Helper()
	s := newStopped(t, cfg, ex, opts...)
	require.NoError(t, s.Start(context.Background()))
	return s
}

// newStopped builds a scheduler without starting it.
func newStopped(t *testing.T, cfg *config.Config, ex scheduler.Executor[string], opts ...Option) *Scheduler[string] {
	t.Helper()
	s, err := New[string](cfg, ex, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func waitIdle(t *testing.T, s *Scheduler[string]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx), "scheduler did not become idle")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func echo(ctx context.Context, task scheduler.Task) (string, error) {
	return "done:" + task.ID, nil
}

func TestScheduler_RunsTasks(t *testing.T) {
	s := newStarted(t, testConfig(), scheduler.ExecutorFunc[string](echo))

	id, err := s.Submit(newTask("a", scheduler.PriorityMedium))
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	waitIdle(t, s)

	res, ok := s.Result("a")
	require.True(t, ok)
	assert.Equal(t, scheduler.StatusCompleted, res.Status)
	assert.Equal(t, "done:a", res.Output)
	assert.Equal(t, 1, res.Attempts)
	assert.GreaterOrEqual(t, res.WorkerID, 0)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	stats := s.Statistics()
	assert.Equal(t, uint64(1), stats.TotalQueued)
	assert.Equal(t, uint64(1), stats.TotalProcessed)
	assert.Equal(t, 4, stats.Workers)
	assert.Zero(t, stats.Running)
	assert.Zero(t, stats.QueueLength)
}

func TestScheduler_FiveTasksMaxTwoConcurrent(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxConcurrentTasks = 2

	var current, peak atomic.Int32
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return task.ID, nil
	})
	s := newStarted(t, cfg, ex)

	stop := make(chan struct{})
	sampled := make(chan int)
	go func() {
		maxRunning := 0
		for {
			select {
			case <-stop:
				sampled <- maxRunning
				return
			default:
			}
			if r := s.Statistics().Running; r > maxRunning {
				maxRunning = r
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var ids []string
	for i := range 5 {
		id, err := s.Submit(newTask(fmt.Sprintf("t%d", i), scheduler.PriorityMedium))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	waitIdle(t, s)
	close(stop)

	assert.LessOrEqual(t, <-sampled, 2, "statistics reported more than 2 running tasks")
	assert.LessOrEqual(t, peak.Load(), int32(2), "executor saw more than 2 concurrent tasks")
	for _, id := range ids {
		assert.Equal(t, scheduler.StatusCompleted, s.Status(id), id)
	}
	assert.Len(t, s.Results(ids), 5)
}

func TestScheduler_PriorityOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxConcurrentTasks = 1

	var (
		mu    sync.Mutex
		order []string
	)
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return "", nil
	})
	s := newStopped(t, cfg, ex)

	for _, task := range []*scheduler.Task{
		newTask("A", scheduler.PriorityLow),
		newTask("B", scheduler.PriorityHigh),
		newTask("C", scheduler.PriorityMedium),
	} {
		_, err := s.Submit(task)
		require.NoError(t, err)
	}
	assert.Equal(t, scheduler.StatusQueued, s.Status("A"))

	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"B", "C", "A"}, order)
}

func TestScheduler_DependencySubmittedLater(t *testing.T) {
	release := make(chan struct{})
	yStarted := make(chan struct{})
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		if task.ID == "Y" {
			close(yStarted)
			<-release
		}
		return task.ID, nil
	})
	s := newStarted(t, testConfig(), ex)

	// X names Y before Y exists; the batch resolves the forward reference
	results := s.SubmitBatch([]*scheduler.Task{
		newTask("X", scheduler.PriorityCritical, "Y"),
		newTask("Y", scheduler.PriorityLow),
	})
	for _, r := range results {
		require.NoError(t, r.Err, r.TaskID)
	}

	<-yStarted
	assert.Equal(t, scheduler.StatusRunning, s.Status("Y"))
	time.Sleep(50 * time.Millisecond) // several poll intervals
	assert.Equal(t, scheduler.StatusQueued, s.Status("X"), "X must wait for Y")

	close(release)
	waitIdle(t, s)

	x, ok := s.Result("X")
	require.True(t, ok)
	y, ok := s.Result("Y")
	require.True(t, ok)
	assert.Equal(t, scheduler.StatusCompleted, x.Status)
	assert.False(t, x.StartedAt.Before(y.FinishedAt), "X started before Y finished")
	assert.Less(t, x.StartedAt.Sub(y.FinishedAt), 200*time.Millisecond, "X was not dispatched promptly after Y")
}

func TestScheduler_SubmitRejections(t *testing.T) {
	s := newStopped(t, testConfig(), scheduler.ExecutorFunc[string](echo))
	_, err := s.Submit(newTask("existing", scheduler.PriorityMedium))
	require.NoError(t, err)

	huge := newTask("huge", scheduler.PriorityMedium)
	huge.Resources.MemoryMB = 1 << 20

	noTarget := newTask("no-target", scheduler.PriorityMedium)
	noTarget.Target = ""

	badKind := newTask("bad-kind", scheduler.PriorityMedium)
	badKind.Kind = scheduler.TaskKind(99)

	tests := []struct {
		name string
		task *scheduler.Task
		want error
	}{
		{"nil task", nil, scheduler.ErrInvalidTask},
		{"empty id", &scheduler.Task{Target: "x"}, scheduler.ErrInvalidTask},
		{"empty target", noTarget, scheduler.ErrInvalidTask},
		{"unknown kind", badKind, scheduler.ErrInvalidTask},
		{"exceeds limits", huge, scheduler.ErrResourceLimit},
		{"unknown dependency", newTask("orphan", scheduler.PriorityMedium, "ghost"), scheduler.ErrUnknownDependency},
		{"self dependency", newTask("loop", scheduler.PriorityMedium, "loop"), scheduler.ErrCycle},
		{"duplicate", newTask("existing", scheduler.PriorityMedium), scheduler.ErrDuplicateTask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Submit(tt.task)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var subErr *scheduler.SubmissionError
			assert.ErrorAs(t, err, &subErr)
		})
	}

	assert.Equal(t, uint64(len(tests)), s.Statistics().Rejected)
	assert.Equal(t, 1, s.Statistics().QueueLength, "rejected tasks must not be queued")
}

func TestScheduler_BatchCycleRejected(t *testing.T) {
	s := newStopped(t, testConfig(), scheduler.ExecutorFunc[string](echo))

	results := s.SubmitBatch([]*scheduler.Task{
		newTask("a", scheduler.PriorityMedium, "c"),
		newTask("b", scheduler.PriorityMedium, "a"),
		newTask("c", scheduler.PriorityMedium, "b"),
		newTask("free", scheduler.PriorityMedium),
	})
	require.Len(t, results, 4)
	for _, r := range results[:3] {
		assert.ErrorIs(t, r.Err, scheduler.ErrCycle, r.TaskID)
		var depErr *scheduler.DependencyError
		require.ErrorAs(t, r.Err, &depErr)
		assert.NotEmpty(t, depErr.Path)
	}
	assert.NoError(t, results[3].Err, "independent member must still be accepted")
	assert.Equal(t, scheduler.StatusNotFound, s.Status("a"))
	assert.Equal(t, scheduler.StatusQueued, s.Status("free"))
}

func TestScheduler_RetryWithIncreasingBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.BaseDelay = config.Duration(30 * time.Millisecond)

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		n := len(starts)
		mu.Unlock()
		if n < 3 {
			return "", fmt.Errorf("transient failure %d", n)
		}
		return "ok", nil
	})
	s := newStarted(t, cfg, ex)

	_, err := s.Submit(newTask("flaky", scheduler.PriorityMedium))
	require.NoError(t, err)
	waitIdle(t, s)

	res, ok := s.Result("flaky")
	require.True(t, ok)
	assert.Equal(t, scheduler.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, uint64(2), s.Statistics().Retried)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 3)
	first, second := starts[1].Sub(starts[0]), starts[2].Sub(starts[1])
	assert.GreaterOrEqual(t, first, 30*time.Millisecond)
	assert.GreaterOrEqual(t, second, 60*time.Millisecond)
	assert.Greater(t, second, first, "backoff must increase between attempts")
}

func TestScheduler_RetriesExhausted(t *testing.T) {
	var (
		mu       sync.Mutex
		notified []string
		finalErr error
	)
	var attempts atomic.Int32
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		attempts.Add(1)
		return "", errors.New("analyzer unavailable")
	})
	s := newStarted(t, testConfig(), ex, WithFailureCallback(func(task scheduler.Task, err error) {
		mu.Lock()
		notified = append(notified, task.ID)
		finalErr = err
		mu.Unlock()
	}))

	_, err := s.Submit(newTask("doomed", scheduler.PriorityMedium))
	require.NoError(t, err)
	waitIdle(t, s)

	res, ok := s.Result("doomed")
	require.True(t, ok)
	assert.Equal(t, scheduler.StatusFailed, res.Status)
	assert.Equal(t, scheduler.ErrorKindApplication, res.ErrorKind)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), attempts.Load())

	var execErr *scheduler.ExecutionError
	require.ErrorAs(t, res.Err, &execErr)
	assert.Equal(t, 3, execErr.Attempt)

	// Callbacks are delivered asynchronously; Shutdown drains them
	require.NoError(t, s.Shutdown(context.Background()))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"doomed"}, notified)
	assert.ErrorIs(t, finalErr, execErr.Err)
}

func TestScheduler_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Strategy = config.RetryNone

	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	s := newStarted(t, cfg, ex)

	task := newTask("slow", scheduler.PriorityMedium)
	task.Timeout = 20 * time.Millisecond
	_, err := s.Submit(task)
	require.NoError(t, err)
	waitIdle(t, s)

	res, _ := s.Result("slow")
	assert.Equal(t, scheduler.ErrorKindTimeout, res.ErrorKind)
	assert.ErrorIs(t, res.Err, scheduler.ErrTimeout)
	assert.Equal(t, uint64(1), s.Statistics().Timeouts)
	assert.Zero(t, s.Statistics().Resources.Committed, "timed out task must release its resources")
}

func TestScheduler_PanicBecomesFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Strategy = config.RetryNone

	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		panic("nil map write")
	})
	s := newStarted(t, cfg, ex)

	_, err := s.Submit(newTask("crashy", scheduler.PriorityMedium))
	require.NoError(t, err)
	waitIdle(t, s)

	res, _ := s.Result("crashy")
	assert.Equal(t, scheduler.StatusFailed, res.Status)
	assert.Equal(t, scheduler.ErrorKindPanic, res.ErrorKind)

	// The worker survived the panic
	_, err = s.Submit(newTask("after", scheduler.PriorityMedium))
	require.NoError(t, err)
	waitIdle(t, s)
	assert.Equal(t, scheduler.StatusFailed, s.Status("after"))
	assert.Equal(t, 4, s.Statistics().Workers)
}

func TestScheduler_FailureModes(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.Strategy = config.RetryNone

	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		if task.Target == "broken" {
			return "", errors.New("parse error")
		}
		return task.ID, nil
	})
	s := newStopped(t, cfg, ex)

	hard := newTask("hard", scheduler.PriorityMedium)
	hard.Target = "broken"
	soft := newTask("soft", scheduler.PriorityMedium)
	soft.Target = "broken"
	soft.FailureMode = scheduler.FailSoft

	for _, r := range s.SubmitBatch([]*scheduler.Task{
		hard,
		newTask("child", scheduler.PriorityMedium, "hard"),
		newTask("grandchild", scheduler.PriorityMedium, "child"),
		soft,
		newTask("tolerant", scheduler.PriorityMedium, "soft"),
	}) {
		require.NoError(t, r.Err, r.TaskID)
	}
	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s)

	for _, id := range []string{"child", "grandchild"} {
		res, ok := s.Result(id)
		require.True(t, ok, id)
		assert.Equal(t, scheduler.ErrorKindDependencyFailed, res.ErrorKind, id)
		assert.ErrorIs(t, res.Err, scheduler.ErrDependencyFailed, id)
		assert.Zero(t, res.Attempts, id)
		assert.Equal(t, -1, res.WorkerID, id)
	}
	assert.Equal(t, scheduler.StatusCompleted, s.Status("tolerant"))

	// New work can no longer depend on the hard failure
	_, err := s.Submit(newTask("late", scheduler.PriorityMedium, "hard"))
	assert.ErrorIs(t, err, scheduler.ErrDependencyFailed)
}

func TestScheduler_CommitReleaseSymmetry(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 6
	cfg.Limits = config.ResourceLimits{MemoryMB: 2048, CPUPercent: 200, NetworkMbps: 50, StorageMB: 1024, MaxConcurrentTasks: 5}
	cfg.Retry.BaseDelay = config.Duration(time.Millisecond)
	cfg.Retry.MaxDelay = config.Duration(5 * time.Millisecond)

	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		switch task.Target {
		case "fail":
			return "", errors.New("failed")
		case "panic":
			panic("boom")
		case "hang":
			<-ctx.Done()
			return "", ctx.Err()
		}
		time.Sleep(time.Duration(task.Resources.MemoryMB%5) * time.Millisecond)
		return "ok", nil
	})
	s := newStarted(t, cfg, ex)

	stop := make(chan struct{})
	violations := make(chan string, 1)
	go func() {
		for {
			select {
			case <-stop:
				close(violations)
				return
			default:
			}
			snap := s.Statistics().Resources
			if snap.Committed.MemoryMB > cfg.Limits.MemoryMB ||
				snap.Committed.CPUPercent > cfg.Limits.CPUPercent+1e-9 ||
				snap.Committed.NetworkMbps > cfg.Limits.NetworkMbps+1e-9 ||
				snap.Committed.StorageMB > cfg.Limits.StorageMB ||
				snap.Running > cfg.Limits.MaxConcurrentTasks {
				select {
				case violations <- fmt.Sprintf("overcommitted: %+v", snap):
				default:
				}
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()

	rng := rand.New(rand.NewSource(7))
	targets := []string{"ok", "ok", "ok", "ok", "fail", "panic", "hang"}
	var tasks []*scheduler.Task
	for i := range 60 {
		task := newTask(fmt.Sprintf("t%02d", i), scheduler.Priority(rng.Intn(4)))
		task.Target = targets[rng.Intn(len(targets))]
		task.Timeout = 15 * time.Millisecond
		task.Resources = scheduler.Resources{
			MemoryMB:    uint64(rng.Intn(1024) + 1),
			CPUPercent:  float64(rng.Intn(1500)) / 10,
			NetworkMbps: float64(rng.Intn(3)) * 12.5,
			StorageMB:   uint64(rng.Intn(512)),
		}
		if i > 0 && rng.Intn(3) == 0 {
			task.FailureMode = scheduler.FailSoft
			task.Dependencies = []string{tasks[rng.Intn(len(tasks))].ID}
		}
		tasks = append(tasks, task)
	}
	for _, r := range s.SubmitBatch(tasks) {
		require.NoError(t, r.Err, r.TaskID)
	}
	waitIdle(t, s)
	close(stop)

	for v := range violations {
		t.Error(v)
	}

	snap := s.Statistics().Resources
	assert.Zero(t, snap.Committed, "all commits must be released")
	assert.Zero(t, snap.Running)
	assert.Zero(t, snap.Anomalies)
	assert.Equal(t, uint64(60), s.Statistics().TotalProcessed)
}

func TestScheduler_ShutdownCancelsQueuedAndAbandonsStuck(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxConcurrentTasks = 1
	cfg.GracePeriod = config.Duration(50 * time.Millisecond)

	started := make(chan struct{}, 1)
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	s := newStarted(t, cfg, ex)

	for _, id := range []string{"first", "second", "third"} {
		_, err := s.Submit(newTask(id, scheduler.PriorityMedium))
		require.NoError(t, err)
	}
	<-started

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}

	for _, id := range []string{"first", "second", "third"} {
		res, ok := s.Result(id)
		require.True(t, ok, id)
		assert.Equal(t, scheduler.StatusFailed, res.Status, id)
		assert.Equal(t, scheduler.ErrorKindCancelled, res.ErrorKind, id)
		assert.ErrorIs(t, res.Err, scheduler.ErrCancelled, id)
	}

	stats := s.Statistics()
	assert.Equal(t, uint64(3), stats.Cancelled)
	assert.Zero(t, stats.Resources.Committed)
	assert.Zero(t, stats.Resources.Running)
	assert.Zero(t, stats.Resources.Anomalies)

	_, err := s.Submit(newTask("late", scheduler.PriorityMedium))
	assert.ErrorIs(t, err, scheduler.ErrSchedulerClosed)
	assert.ErrorIs(t, s.Start(context.Background()), scheduler.ErrSchedulerClosed)
}

func TestScheduler_ShutdownWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		close(started)
		select {
		case <-time.After(80 * time.Millisecond):
			return "finished", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	s := newStarted(t, testConfig(), ex)

	_, err := s.Submit(newTask("busy", scheduler.PriorityMedium))
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Shutdown(context.Background()))
	res, ok := s.Result("busy")
	require.True(t, ok)
	assert.Equal(t, scheduler.StatusCompleted, res.Status)
	assert.Equal(t, "finished", res.Output)
}

func TestScheduler_ShutdownCancelsPendingRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.BaseDelay = config.Duration(time.Hour)
	cfg.Retry.MaxDelay = config.Duration(time.Hour)

	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		return "", errors.New("try again")
	})
	s := newStarted(t, cfg, ex)

	_, err := s.Submit(newTask("waiting", scheduler.PriorityMedium))
	require.NoError(t, err)
	waitFor(t, "retry to be scheduled", func() bool { return s.Statistics().RetryPending == 1 })
	assert.Equal(t, scheduler.StatusQueued, s.Status("waiting"))

	require.NoError(t, s.Shutdown(context.Background()))
	res, _ := s.Result("waiting")
	assert.Equal(t, scheduler.ErrorKindCancelled, res.ErrorKind)
	assert.Equal(t, 1, res.Attempts)
}

func TestScheduler_FollowUpChain(t *testing.T) {
	cfg := testConfig()
	cfg.Chains = map[string]config.ChainConfig{
		"deep": {Steps: []string{"syntax", "semantic", "security"}},
	}

	var (
		mu    sync.Mutex
		kinds []string
	)
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		mu.Lock()
		kinds = append(kinds, task.Kind.String())
		mu.Unlock()
		return "", nil
	})
	s := newStarted(t, cfg, ex)

	_, err := s.Submit(newTask("main", scheduler.PriorityHigh))
	require.NoError(t, err)
	waitIdle(t, s)

	assert.Equal(t, scheduler.StatusCompleted, s.Status("main-semantic"))
	assert.Equal(t, scheduler.StatusCompleted, s.Status("main-semantic-security"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"syntax", "semantic", "security"}, kinds)
}

func TestScheduler_ArchivesResults(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	cfg := testConfig()
	cfg.Retry.Strategy = config.RetryNone
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		if task.ID == "bad" {
			return "", errors.New("lint crashed")
		}
		return "clean", nil
	})
	s := newStarted(t, cfg, ex, WithResultStore(store), WithRunID("run-42"))

	for _, r := range s.SubmitBatch([]*scheduler.Task{
		newTask("good", scheduler.PriorityMedium),
		newTask("bad", scheduler.PriorityMedium),
	}) {
		require.NoError(t, r.Err)
	}
	waitIdle(t, s)

	ctx := context.Background()
	good, err := store.GetRecord(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "run-42", good.RunID)
	assert.Equal(t, "completed", good.Status)
	assert.JSONEq(t, `"clean"`, string(good.Output))

	bad, err := store.GetRecord(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, "failed", bad.Status)
	assert.Equal(t, "application", bad.ErrorKind)
	assert.Contains(t, bad.Error, "lint crashed")
}

func TestScheduler_PublishesLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	taskEvents := bus.Subscribe(events.TopicTask, 64)
	progress := bus.Subscribe(events.TopicProgress, 256)

	s := newStarted(t, testConfig(), scheduler.ExecutorFunc[string](echo), WithEventBus(bus))
	_, err := s.Submit(newTask("observed", scheduler.PriorityMedium))
	require.NoError(t, err)
	waitIdle(t, s)

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-taskEvents:
			types = append(types, ev.EventType())
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	assert.Equal(t, []string{
		events.EventTypeTaskQueued,
		events.EventTypeTaskStarted,
		events.EventTypeTaskCompleted,
	}, types)

	var last events.ProgressEvent
	timeout := time.After(time.Second)
	for !last.Done() {
		select {
		case ev := <-progress:
			last = ev.(events.ProgressEvent)
		case <-timeout:
			t.Fatalf("no completed progress event, last %+v", last)
		}
	}
	assert.Equal(t, 1, last.Completed)
	assert.Zero(t, last.Running)
}

func TestScheduler_UpdateConfig(t *testing.T) {
	s := newStopped(t, testConfig(), scheduler.ExecutorFunc[string](echo))

	big := newTask("big", scheduler.PriorityMedium)
	big.Resources.MemoryMB = 2048
	_, err := s.Submit(big)
	require.NoError(t, err)
	_, err = s.Submit(newTask("small", scheduler.PriorityMedium))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Workers = 16
	cfg.Limits.MemoryMB = 1024
	cfg.Retry.Strategy = config.RetryLinear
	require.NoError(t, s.UpdateConfig(cfg))

	assert.Equal(t, 4, s.Config().Workers, "worker count is fixed")
	assert.Equal(t, uint64(1024), s.Statistics().Resources.Limits.MemoryMB)
	assert.Equal(t, RetryLinear, s.fallback.Policy().Strategy)

	res, ok := s.Result("big")
	require.True(t, ok, "queued task that can never fit must be failed")
	assert.ErrorIs(t, res.Err, scheduler.ErrResourceLimit)
	assert.Equal(t, scheduler.StatusQueued, s.Status("small"))

	bad := testConfig()
	bad.Retry.MaxRetries = 0
	assert.Error(t, s.UpdateConfig(bad))
}

func TestScheduler_ResultRetention(t *testing.T) {
	cfg := testConfig()
	cfg.ResultRetention = 2
	s := newStarted(t, cfg, scheduler.ExecutorFunc[string](echo))

	for _, r := range s.SubmitBatch([]*scheduler.Task{
		newTask("a", scheduler.PriorityMedium),
		newTask("b", scheduler.PriorityMedium, "a"),
		newTask("c", scheduler.PriorityMedium, "b"),
	}) {
		require.NoError(t, r.Err)
	}
	waitIdle(t, s)

	assert.Equal(t, scheduler.StatusNotFound, s.Status("a"), "oldest result should be evicted")
	assert.Equal(t, scheduler.StatusCompleted, s.Status("c"))
	assert.Len(t, s.Results([]string{"a", "b", "c", "missing"}), 2)

	// Evicted IDs stay reserved
	_, err := s.Submit(newTask("a", scheduler.PriorityMedium))
	assert.ErrorIs(t, err, scheduler.ErrDuplicateTask)
}

func TestScheduler_DeadlineMiss(t *testing.T) {
	s := newStarted(t, testConfig(), scheduler.ExecutorFunc[string](echo))

	late := newTask("late", scheduler.PriorityMedium)
	late.Deadline = time.Now().Add(-time.Minute)
	_, err := s.Submit(late)
	require.NoError(t, err)
	waitIdle(t, s)

	assert.Equal(t, scheduler.StatusCompleted, s.Status("late"), "deadlines are soft")
	assert.Equal(t, uint64(1), s.Statistics().DeadlineMisses)
}

func TestNew_Validation(t *testing.T) {
	_, err := New[string](testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Workers = 0
	_, err = New[string](cfg, scheduler.ExecutorFunc[string](echo))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Chains = map[string]config.ChainConfig{"bad": {Steps: []string{"syntax", "telepathy"}}}
	_, err = New[string](cfg, scheduler.ExecutorFunc[string](echo))
	assert.Error(t, err)
}

func TestNew_RejectsNonGrowingBackoff(t *testing.T) {
	for _, strategy := range []string{config.RetryLinear, config.RetryExponential} {
		cfg := testConfig()
		cfg.Retry.Strategy = strategy
		cfg.Retry.BaseDelay = 0
		cfg.Retry.MaxDelay = 0
		_, err := New[string](cfg, scheduler.ExecutorFunc[string](echo))
		assert.ErrorContains(t, err, "base_delay", strategy)
	}

	s := newStopped(t, testConfig(), scheduler.ExecutorFunc[string](echo))
	bad := testConfig()
	bad.Retry.Strategy = config.RetryLinear
	bad.Retry.BaseDelay = 0
	assert.Error(t, s.UpdateConfig(bad))
	assert.Equal(t, RetryExponential, s.fallback.Policy().Strategy, "rejected update leaves the policy alone")
}

func TestScheduler_SlowFailureCallbackDoesNotStallWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.Retry.Strategy = config.RetryNone
	cfg.Retry.BreakerThreshold = 0

	release := make(chan struct{})
	var calls atomic.Int32
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		return "", errors.New("broken")
	})
	s := newStarted(t, cfg, ex, WithFailureCallback(func(scheduler.Task, error) {
		calls.Add(1)
		<-release
	}))
	t.Cleanup(func() { close(release) })

	var tasks []*scheduler.Task
	for i := range 6 {
		tasks = append(tasks, newTask(fmt.Sprintf("t%d", i), scheduler.PriorityMedium))
	}
	for _, r := range s.SubmitBatch(tasks) {
		require.NoError(t, r.Err)
	}
	waitIdle(t, s)

	stats := s.Statistics()
	assert.Equal(t, uint64(6), stats.Failed)
	assert.Zero(t, stats.QueueLength)
	waitFor(t, "worker to go idle", func() bool { return s.Statistics().ActiveWorkers == 0 })
	waitFor(t, "first callback", func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "the callback is still stuck on the first failure")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second, "Shutdown must honour its context")
}

func TestScheduler_ResetMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.BreakerThreshold = 5
	s := newStarted(t, cfg, scheduler.ExecutorFunc[string](echo), WithRunID("run-1"))
	assert.Equal(t, "run-1", s.RunID())
	assert.NotNil(t, s.Breakers())

	for _, r := range s.SubmitBatch([]*scheduler.Task{
		newTask("a", scheduler.PriorityMedium),
		newTask("b", scheduler.PriorityMedium, "a"),
	}) {
		require.NoError(t, r.Err)
	}
	waitIdle(t, s)
	require.Equal(t, uint64(2), s.Statistics().Completed)

	s.ResetMetrics()
	stats := s.Statistics()
	assert.Zero(t, stats.TotalQueued)
	assert.Zero(t, stats.TotalProcessed)
	assert.Zero(t, stats.Completed)
	assert.Zero(t, stats.AvgLatency)
	assert.Equal(t, scheduler.StatusCompleted, s.Status("a"), "results survive a metrics reset")

	plain := newStopped(t, testConfig(), scheduler.ExecutorFunc[string](echo))
	assert.Nil(t, plain.Breakers(), "a zero threshold disables breakers")
}

func TestScheduler_StartContextCancelSettlesQueued(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxConcurrentTasks = 1

	started := make(chan struct{}, 1)
	ex := scheduler.ExecutorFunc[string](func(ctx context.Context, task scheduler.Task) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	s := newStopped(t, cfg, ex)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	for _, id := range []string{"first", "second", "third"} {
		_, err := s.Submit(newTask(id, scheduler.PriorityMedium))
		require.NoError(t, err)
	}
	<-started
	cancel()
	waitIdle(t, s)

	for _, id := range []string{"first", "second", "third"} {
		res, ok := s.Result(id)
		require.True(t, ok, id)
		assert.Equal(t, scheduler.StatusFailed, res.Status, id)
		assert.Equal(t, scheduler.ErrorKindCancelled, res.ErrorKind, id)
	}
	assert.Zero(t, s.Statistics().Resources.Committed)

	_, err := s.Submit(newTask("late", scheduler.PriorityMedium))
	assert.ErrorIs(t, err, scheduler.ErrSchedulerClosed)
}
