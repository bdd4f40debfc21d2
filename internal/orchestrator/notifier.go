package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/pipeline/internal/scheduler"
)

// FailureCallback is invoked once for every task that fails terminally after
// executing, with the final attempt's error.
type FailureCallback func(task scheduler.Task, err error)

type failureNotice struct {
	task scheduler.Task
	err  error
}

// FailureNotifier delivers failure callbacks on its own goroutine. Notify
// never blocks: notices wait in an unbounded FIFO until the callback is
// free, so a slow callback cannot hold up workers or the dispatch loop.
type FailureNotifier struct {
	mu        sync.Mutex
	pending   []failureNotice
	closed    bool
	abandoned bool
	wake      chan struct{}
	callback  FailureCallback
	logger    zerolog.Logger
	done      chan struct{}
}

// NewFailureNotifier creates a notifier for callback. A nil callback makes
// every Notify a no-op.
func NewFailureNotifier(callback FailureCallback, logger zerolog.Logger) *FailureNotifier {
	return &FailureNotifier{
		wake:     make(chan struct{}, 1),
		callback: callback,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the delivery goroutine. It runs until Stop.
func (n *FailureNotifier) Start() {
	go n.deliver()
}

func (n *FailureNotifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *FailureNotifier) deliver() {
	defer close(n.done)

	for {
		n.mu.Lock()
		if n.abandoned || (n.closed && len(n.pending) == 0) {
			n.mu.Unlock()
			return
		}
		if len(n.pending) == 0 {
			n.mu.Unlock()
			<-n.wake
			continue
		}
		notice := n.pending[0]
		n.pending[0] = failureNotice{}
		n.pending = n.pending[1:]
		n.mu.Unlock()

		n.invoke(notice)
	}
}

func (n *FailureNotifier) invoke(notice failureNotice) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error().Str("task_id", notice.task.ID).Interface("panic", r).Msg("failure callback panicked")
		}
	}()
	n.callback(notice.task, notice.err)
}

// Notify queues a callback for task. Returns false once the notifier is
// stopped or when no callback is configured.
func (n *FailureNotifier) Notify(task scheduler.Task, err error) bool {
	if n == nil || n.callback == nil {
		return false
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.pending = append(n.pending, failureNotice{task: task, err: err})
	n.mu.Unlock()

	n.signal()
	return true
}

// Pending returns the number of notices waiting for delivery.
func (n *FailureNotifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Stop refuses new notices and delivers the ones already queued until ctx
// ends. Notices still queued at that point are dropped and ctx.Err() is
// returned; a callback already running is left to finish on its own.
// Start must have been called.
func (n *FailureNotifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.signal()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
	}

	n.mu.Lock()
	dropped := len(n.pending)
	n.pending = nil
	n.abandoned = true
	n.mu.Unlock()
	n.signal()

	if dropped > 0 {
		n.logger.Warn().Int("dropped", dropped).Msg("failure callbacks not delivered before shutdown deadline")
	}
	return ctx.Err()
}
