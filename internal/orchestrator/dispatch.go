package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/pipeline/internal/events"
	"github.com/aristath/pipeline/internal/persistence"
	"github.com/aristath/pipeline/internal/scheduler"
)

// effects collects event publishing, archiving and callbacks that must run
// after the scheduler mutex is released.
type effects []func()

func (fx *effects) add(f func()) {
	*fx = append(*fx, f)
}

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// notify wakes the dispatch loop without blocking.
func (s *Scheduler[O]) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop admits work whenever it is woken by a submission, a
// completion or a retry becoming ready, and at least every poll interval.
func (s *Scheduler[O]) dispatchLoop(ctx context.Context, poll time.Duration) {
	defer close(s.dispatchDone)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		s.dispatchReady()

		select {
		case <-ctx.Done():
			s.halt()
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatchReady hands admissible tasks to idle workers until either runs out.
func (s *Scheduler[O]) dispatchReady() {
	for {
		workerID, ok := s.pool.Acquire()
		if !ok {
			return
		}

		rt, fx := s.admitNext(workerID)
		fx.run()
		if rt == nil {
			s.pool.Release(workerID)
			return
		}
		s.pool.Assign(workerID, rt)
	}
}

// admitNext pops the highest-ordered task whose dependencies are satisfied
// and whose resources fit, and commits its resources.
func (s *Scheduler[O]) admitNext(workerID int) (*runningTask, effects) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stoppedLocked() {
		return nil, nil
	}

	task := s.queue.PopAdmissible(func(t *scheduler.Task) bool {
		return s.deps.IsSatisfied(t.ID) && s.ledger.CanAdmit(t.Resources)
	})
	if task == nil {
		return nil, nil
	}
	if err := s.ledger.Commit(task.Resources); err != nil {
		s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("admission raced with commit, requeueing")
		s.queue.Push(task, s.deps.Unresolved(task.ID))
		return nil, nil
	}

	now := time.Now()
	entry := s.tasks[task.ID]
	entry.attempts++
	entry.workerID = workerID
	if entry.startedAt.IsZero() {
		entry.startedAt = now
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout.Std()
	}
	rt := &runningTask{
		task:      task,
		attempt:   task.Attempt,
		workerID:  workerID,
		committed: task.Resources,
		timeout:   timeout,
		startedAt: now,
	}
	s.running[task.ID] = rt

	if task.HasDeadline() && now.After(task.Deadline) {
		s.metrics.deadlineMisses.Add(1)
		s.logger.Warn().
			Str("task_id", task.ID).
			Time("deadline", task.Deadline).
			Dur("late", now.Sub(task.Deadline)).
			Msg("task admitted after its deadline")
	}

	var fx effects
	ev := events.TaskStartedEvent{
		ID:        task.ID,
		Target:    task.Target,
		Kind:      task.Kind.String(),
		Attempt:   task.Attempt,
		WorkerID:  workerID,
		Timestamp: now,
	}
	fx.add(func() { s.publish(events.TopicTask, ev) })
	s.progressLocked(&fx)
	return rt, fx
}

// runTask is the worker body: run one attempt outside every scheduler lock.
func (s *Scheduler[O]) runTask(ctx context.Context, workerID int, rt *runningTask) {
	s.logger.Debug().
		Str("task_id", rt.task.ID).
		Int("worker_id", workerID).
		Int("attempt", rt.attempt).
		Str("kind", rt.task.Kind.String()).
		Msg("executing task")

	out, err := scheduler.Invoke(ctx, s.executor, *rt.task, rt.timeout)
	s.pool.MarkReporting(workerID)
	s.complete(rt, out, err)
}

// complete settles an attempt: resources are released exactly once, then
// the task either finishes or is scheduled for another attempt.
func (s *Scheduler[O]) complete(rt *runningTask, out O, err error) {
	elapsed := time.Since(rt.startedAt)
	id := rt.task.ID

	var fx effects

	s.mu.Lock()
	if s.running[id] != rt {
		// Abandoned during shutdown; already released and reported
		s.mu.Unlock()
		s.logger.Debug().Str("task_id", id).Msg("ignoring late report")
		return
	}
	delete(s.running, id)
	s.ledger.Release(rt.committed)
	s.metrics.RecordLatency(elapsed)

	if err == nil {
		s.finishLocked(id, out, nil, &fx)
	} else {
		kind := scheduler.Classify(err)
		if kind == scheduler.ErrorKindTimeout {
			s.metrics.timeouts.Add(1)
		}
		decision := s.fallback.Decide(rt.attempt, kind)
		if decision.Retry && !s.stoppedLocked() {
			s.scheduleRetryLocked(rt.task, decision.Delay, err, &fx)
		} else {
			s.finishLocked(id, out, err, &fx)
		}
	}
	s.checkDrainedLocked()
	s.reporting++
	s.mu.Unlock()

	fx.run()
	s.notify()

	// Idle only once this attempt's records and events are out
	var after effects
	s.mu.Lock()
	s.reporting--
	s.checkIdleLocked(&after)
	s.mu.Unlock()
	after.run()
}

// scheduleRetryLocked parks the next attempt until its backoff expires. It
// then goes through the normal admission path again.
func (s *Scheduler[O]) scheduleRetryLocked(task *scheduler.Task, delay time.Duration, err error, fx *effects) {
	next := task.Clone()
	next.Attempt = task.Attempt + 1
	s.tasks[task.ID].task = next
	s.metrics.retried.Add(1)
	s.retrying[task.ID] = time.AfterFunc(delay, func() { s.requeue(next) })

	s.logger.Info().
		Str("task_id", task.ID).
		Int("attempt", task.Attempt).
		Dur("delay", delay).
		Err(err).
		Msg("attempt failed, retrying")

	ev := events.TaskRetryingEvent{
		ID:          task.ID,
		NextAttempt: next.Attempt,
		Delay:       delay,
		Err:         err,
		Timestamp:   time.Now(),
	}
	fx.add(func() { s.publish(events.TopicTask, ev) })
	s.progressLocked(fx)
}

func (s *Scheduler[O]) requeue(task *scheduler.Task) {
	var fx effects

	s.mu.Lock()
	if _, ok := s.retrying[task.ID]; !ok {
		// Cancelled by Shutdown
		s.mu.Unlock()
		return
	}
	delete(s.retrying, task.ID)

	if !s.ledger.Fits(task.Resources) {
		var zero O
		s.finishLocked(task.ID, zero, s.limitError(task.ID), &fx)
		s.checkIdleLocked(&fx)
	} else {
		s.queue.Push(task, s.deps.Unresolved(task.ID))
	}
	s.mu.Unlock()

	fx.run()
	s.notify()
}

func (s *Scheduler[O]) limitError(id string) error {
	entry := s.tasks[id]
	return &scheduler.ExecutionError{
		TaskID:  id,
		Kind:    scheduler.ErrorKindApplication,
		Attempt: entry.attempts,
		Err:     fmt.Errorf("%w: %s no longer fits the configured limits", scheduler.ErrResourceLimit, entry.task.Resources),
	}
}

// finishLocked records the terminal state of id and re-evaluates its
// dependents. A hard failure fails every queued dependent transitively.
func (s *Scheduler[O]) finishLocked(id string, out O, err error, fx *effects) {
	entry, ok := s.tasks[id]
	if !ok {
		return
	}
	delete(s.tasks, id)
	task := entry.task

	now := time.Now()
	res := Result[O]{
		TaskID:     id,
		Output:     out,
		Err:        err,
		Attempts:   entry.attempts,
		WorkerID:   -1,
		StartedAt:  entry.startedAt,
		FinishedAt: now,
	}
	if entry.attempts > 0 {
		res.WorkerID = entry.workerID
		res.Duration = now.Sub(entry.startedAt)
	}

	if err == nil {
		res.Status = scheduler.StatusCompleted
		s.metrics.completed.Add(1)
		for _, dep := range s.deps.MarkCompleted(id) {
			s.queue.Resolve(dep)
		}
	} else {
		res.Status = scheduler.StatusFailed
		res.ErrorKind = scheduler.Classify(err)
		s.metrics.failed.Add(1)
		if res.ErrorKind == scheduler.ErrorKindCancelled {
			s.metrics.cancelled.Add(1)
		}
		s.failDependentsLocked(task, res.ErrorKind, fx)
	}

	s.results.put(res)
	s.reportLocked(task, res, fx)

	if err == nil {
		s.submitFollowUpsLocked(task, fx)
	}
}

func (s *Scheduler[O]) failDependentsLocked(task *scheduler.Task, kind scheduler.ErrorKind, fx *effects) {
	mode := task.FailureMode
	if kind == scheduler.ErrorKindDependencyFailed {
		mode = scheduler.FailHard
	}

	dependents := s.deps.MarkFailed(task.ID, mode)
	if mode == scheduler.FailSoft {
		for _, dep := range dependents {
			s.queue.Resolve(dep)
		}
		return
	}

	var zero O
	for _, dep := range dependents {
		if _, ok := s.queue.Remove(dep); !ok {
			continue
		}
		err := &scheduler.ExecutionError{
			TaskID: dep,
			Kind:   scheduler.ErrorKindDependencyFailed,
			Err:    fmt.Errorf("%w: %q", scheduler.ErrDependencyFailed, task.ID),
		}
		s.finishLocked(dep, zero, err, fx)
	}
}

func (s *Scheduler[O]) submitFollowUpsLocked(task *scheduler.Task, fx *effects) {
	var followUps []*scheduler.Task
	for _, f := range s.chains.FollowUps(task) {
		if !s.deps.Known(f.ID) {
			followUps = append(followUps, f)
		}
	}
	if len(followUps) == 0 {
		return
	}
	for _, r := range s.submitLocked(followUps, fx) {
		if r.Err != nil {
			s.logger.Warn().Str("task_id", task.ID).Str("follow_up", r.TaskID).Err(r.Err).Msg("follow-up rejected")
		}
	}
}

// reportLocked queues the log line, event, archive record and failure
// callback for a terminal result.
func (s *Scheduler[O]) reportLocked(task *scheduler.Task, res Result[O], fx *effects) {
	if res.Err == nil {
		s.logger.Debug().Str("task_id", res.TaskID).Int("attempts", res.Attempts).Dur("duration", res.Duration).Msg("task completed")
		ev := events.TaskCompletedEvent{ID: res.TaskID, Attempts: res.Attempts, Duration: res.Duration, Timestamp: res.FinishedAt}
		fx.add(func() { s.publish(events.TopicTask, ev) })
	} else {
		s.logger.Warn().
			Str("task_id", res.TaskID).
			Str("error_kind", res.ErrorKind.String()).
			Int("attempts", res.Attempts).
			Err(res.Err).
			Msg("task failed")
		ev := events.TaskFailedEvent{
			ID:        res.TaskID,
			ErrorKind: res.ErrorKind.String(),
			Err:       res.Err,
			Attempts:  res.Attempts,
			Duration:  res.Duration,
			Timestamp: res.FinishedAt,
		}
		fx.add(func() { s.publish(events.TopicTask, ev) })

		switch res.ErrorKind {
		case scheduler.ErrorKindApplication, scheduler.ErrorKindTimeout, scheduler.ErrorKindPanic:
			snapshot := *task
			err := res.Err
			fx.add(func() { s.notifier.Notify(snapshot, err) })
		}
	}

	if s.store != nil {
		rec := s.record(task, res)
		fx.add(func() {
			if err := s.store.SaveRecord(context.Background(), rec); err != nil {
				s.logger.Error().Err(err).Str("task_id", rec.TaskID).Msg("failed to archive task record")
			}
		})
	}
	s.progressLocked(fx)
}

func (s *Scheduler[O]) record(task *scheduler.Task, res Result[O]) persistence.Record {
	rec := persistence.Record{
		RunID:        s.runID,
		TaskID:       task.ID,
		Target:       task.Target,
		Kind:         task.Kind.String(),
		Priority:     task.Priority.String(),
		Status:       res.Status.String(),
		Attempts:     res.Attempts,
		WorkerID:     res.WorkerID,
		Dependencies: task.Dependencies,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
	}
	if res.Err != nil {
		rec.ErrorKind = res.ErrorKind.String()
		rec.Error = res.Err.Error()
		return rec
	}
	output, err := json.Marshal(res.Output)
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", task.ID).Msg("task output is not JSON encodable, archiving without it")
		return rec
	}
	rec.Output = output
	return rec
}

// submitLocked validates and queues tasks as one dependency group.
func (s *Scheduler[O]) submitLocked(tasks []*scheduler.Task, fx *effects) []SubmitResult {
	results := make([]SubmitResult, len(tasks))
	accepted := make([]*scheduler.Task, len(tasks))
	var (
		nodes []scheduler.DependencyNode
		index []int
		now   = time.Now()
	)

	for i, t := range tasks {
		if t != nil {
			results[i].TaskID = t.ID
		}
		if s.stoppedLocked() {
			results[i].Err = &scheduler.SubmissionError{TaskID: results[i].TaskID, Kind: scheduler.ErrSchedulerClosed}
			continue
		}
		if err := t.Validate(); err != nil {
			results[i].Err = err
			continue
		}
		if !s.ledger.Fits(t.Resources) {
			results[i].Err = &scheduler.SubmissionError{
				TaskID: t.ID,
				Kind:   scheduler.ErrResourceLimit,
				Msg:    fmt.Sprintf("%s exceeds the configured limits", t.Resources),
			}
			continue
		}

		c := t.Clone()
		c.Attempt = 1
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		accepted[i] = c
		nodes = append(nodes, scheduler.DependencyNode{ID: c.ID, Dependencies: c.Dependencies})
		index = append(index, i)
	}

	if len(nodes) > 0 {
		for j, err := range s.deps.RegisterGroup(nodes) {
			i := index[j]
			if err != nil {
				results[i].Err = &scheduler.SubmissionError{TaskID: results[i].TaskID, Kind: err}
				continue
			}

			task := accepted[i]
			s.tasks[task.ID] = &taskEntry{task: task, workerID: -1}
			s.queue.Push(task, s.deps.Unresolved(task.ID))
			s.metrics.queued.Add(1)

			ev := events.TaskQueuedEvent{
				ID:           task.ID,
				Target:       task.Target,
				Kind:         task.Kind.String(),
				Priority:     task.Priority.String(),
				Dependencies: task.Dependencies,
				Timestamp:    now,
			}
			fx.add(func() { s.publish(events.TopicTask, ev) })
		}
	}

	for _, r := range results {
		if r.Err != nil {
			s.metrics.rejected.Add(1)
			s.logger.Debug().Str("task_id", r.TaskID).Err(r.Err).Msg("task rejected")
		}
	}
	s.progressLocked(fx)
	return results
}

func (s *Scheduler[O]) publish(topic string, ev events.Event) {
	if s.bus != nil {
		s.bus.Publish(topic, ev)
	}
}

func (s *Scheduler[O]) progressLocked(fx *effects) {
	if s.bus == nil {
		return
	}
	ev := events.ProgressEvent{
		Total:     int(s.metrics.queued.Load()),
		Queued:    s.queue.Len() + len(s.retrying),
		Running:   len(s.running),
		Completed: int(s.metrics.completed.Load()),
		Failed:    int(s.metrics.failed.Load()),
		Timestamp: time.Now(),
	}
	fx.add(func() { s.publish(events.TopicProgress, ev) })
}

func (s *Scheduler[O]) publishProgress() {
	var fx effects
	s.mu.Lock()
	s.progressLocked(&fx)
	s.mu.Unlock()
	fx.run()
}
