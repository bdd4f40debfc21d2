package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WorkerState is where a worker is in its Idle → Assigned → Executing →
// Reporting cycle.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerAssigned
	WorkerExecuting
	WorkerReporting
)

func (s WorkerState) String() string {
	switch s {
	case WorkerAssigned:
		return "assigned"
	case WorkerExecuting:
		return "executing"
	case WorkerReporting:
		return "reporting"
	default:
		return "idle"
	}
}

// WorkerPool is a fixed set of long-lived workers. The dispatcher claims an
// idle worker with Acquire before deciding what to run, so a task is only
// taken off the queue when someone is free to run it.
type WorkerPool[J any] struct {
	mu     sync.Mutex
	states []WorkerState
	idle   chan int
	assign []chan J

	cancel context.CancelFunc
	g      *errgroup.Group
}

// NewWorkerPool creates a pool of size workers, all idle.
func NewWorkerPool[J any](size int) *WorkerPool[J] {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool[J]{
		states: make([]WorkerState, size),
		idle:   make(chan int, size),
		assign: make([]chan J, size),
	}
	for i := range size {
		p.assign[i] = make(chan J, 1)
		p.idle <- i
	}
	return p
}

// Start launches the workers. Each runs run for every job it is assigned
// until ctx is cancelled or Stop is called.
func (p *WorkerPool[J]) Start(ctx context.Context, run func(ctx context.Context, workerID int, job J)) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	p.cancel = cancel
	p.g = g
	p.mu.Unlock()

	for id := range p.assign {
		g.Go(func() error {
			p.work(gctx, id, run)
			return nil
		})
	}
}

func (p *WorkerPool[J]) work(ctx context.Context, id int, run func(context.Context, int, J)) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.assign[id]:
			p.setState(id, WorkerExecuting)
			run(ctx, id, job)
			p.setState(id, WorkerIdle)
			p.idle <- id
		}
	}
}

// Acquire claims an idle worker without blocking.
func (p *WorkerPool[J]) Acquire() (int, bool) {
	select {
	case id := <-p.idle:
		return id, true
	default:
		return -1, false
	}
}

// Release returns an acquired worker that was given no job.
func (p *WorkerPool[J]) Release(id int) {
	p.setState(id, WorkerIdle)
	p.idle <- id
}

// Assign hands job to an acquired worker.
func (p *WorkerPool[J]) Assign(id int, job J) {
	p.setState(id, WorkerAssigned)
	p.assign[id] <- job
}

// MarkReporting records that the worker finished executing and is reporting
// the outcome.
func (p *WorkerPool[J]) MarkReporting(id int) {
	p.setState(id, WorkerReporting)
}

func (p *WorkerPool[J]) setState(id int, state WorkerState) {
	p.mu.Lock()
	p.states[id] = state
	p.mu.Unlock()
}

// States returns a copy of every worker's state, indexed by worker ID.
func (p *WorkerPool[J]) States() []WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WorkerState(nil), p.states...)
}

// Active returns the number of workers that are not idle.
func (p *WorkerPool[J]) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.states {
		if s != WorkerIdle {
			n++
		}
	}
	return n
}

// Size returns the number of workers.
func (p *WorkerPool[J]) Size() int {
	return len(p.assign)
}

// Stop cancels the workers' context and waits for them to return. Jobs
// still sitting in an assign channel are dropped.
func (p *WorkerPool[J]) Stop() {
	p.mu.Lock()
	cancel, g := p.cancel, p.g
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = g.Wait()
}
