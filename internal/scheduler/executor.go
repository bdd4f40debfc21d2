package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Executor performs the actual work of a task. Implementations must honour
// ctx: it is cancelled when the task times out or the scheduler shuts down.
type Executor[O any] interface {
	Execute(ctx context.Context, task Task) (O, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc[O any] func(ctx context.Context, task Task) (O, error)

// Execute calls f(ctx, task).
func (f ExecutorFunc[O]) Execute(ctx context.Context, task Task) (O, error) {
	return f(ctx, task)
}

// KindRouter dispatches tasks to the executor registered for their kind.
type KindRouter[O any] struct {
	mu        sync.RWMutex
	executors map[TaskKind]Executor[O] // kind -> executor
	fallback  Executor[O]
}

// NewKindRouter creates a router with no executors registered.
func NewKindRouter[O any]() *KindRouter[O] {
	return &KindRouter[O]{
		executors: make(map[TaskKind]Executor[O]),
	}
}

// Register maps a task kind to an executor.
func (r *KindRouter[O]) Register(kind TaskKind, ex Executor[O]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = ex
}

// SetDefault sets the executor used for kinds with no registration.
func (r *KindRouter[O]) SetDefault(ex Executor[O]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ex
}

// Execute routes task to its kind's executor.
func (r *KindRouter[O]) Execute(ctx context.Context, task Task) (O, error) {
	r.mu.RLock()
	ex, ok := r.executors[task.Kind]
	if !ok {
		ex = r.fallback
	}
	r.mu.RUnlock()

	if ex == nil {
		var zero O
		return zero, fmt.Errorf("no executor registered for kind %q", task.Kind)
	}
	return ex.Execute(ctx, task)
}

type outcome[O any] struct {
	out O
	err error
}

// Invoke runs one attempt of task on ex, raced against timeout. Panics are
// recovered. Any failure is returned as an *ExecutionError classified as
// Timeout, Cancelled, Panic or Application. A timeout of zero or less means
// only ctx bounds the call.
//
// When the timer wins, Invoke returns without waiting for the executor; its
// context is cancelled and whatever it eventually returns is discarded.
func Invoke[O any](ctx context.Context, ex Executor[O], task Task, timeout time.Duration) (O, error) {
	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan outcome[O], 1)
	go func() {
		var res outcome[O]
		defer func() {
			if r := recover(); r != nil {
				res = outcome[O]{err: &ExecutionError{
					TaskID:  task.ID,
					Kind:    ErrorKindPanic,
					Attempt: task.Attempt,
					Err:     fmt.Errorf("panic: %v", r),
				}}
			}
			done <- res
		}()
		res.out, res.err = ex.Execute(execCtx, task)
	}()

	var zero O
	select {
	case res := <-done:
		if res.err == nil {
			return res.out, nil
		}
		return zero, classifyAttempt(ctx, execCtx, task, res.err)
	case <-execCtx.Done():
		return zero, classifyAttempt(ctx, execCtx, task, execCtx.Err())
	}
}

func classifyAttempt(parent, execCtx context.Context, task Task, err error) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) && execErr.Kind == ErrorKindPanic {
		return err
	}

	wrap := func(kind ErrorKind, err error) error {
		return &ExecutionError{TaskID: task.ID, Kind: kind, Attempt: task.Attempt, Err: err}
	}

	switch {
	case parent.Err() != nil:
		return wrap(ErrorKindCancelled, fmt.Errorf("%w: %v", ErrCancelled, err))
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return wrap(ErrorKindTimeout, fmt.Errorf("%w: %v", ErrTimeout, err))
	}
	if execErr != nil {
		return err
	}
	return wrap(ErrorKindApplication, err)
}
