package scheduler

import (
	"container/heap"
	"sort"
)

type queueItem struct {
	task       *Task
	unresolved int    // Dependencies not yet satisfied
	seq        uint64 // Insertion order, FIFO tie-break
	index      int
}

type taskHeap []*queueItem

func (h taskHeap) Len() int { return len(h) }

// Less orders by priority desc, unresolved dependencies asc, earlier deadline
// (tasks without one last), then insertion sequence.
func (h taskHeap) Less(i, j int) bool {
	return before(h[i], h[j])
}

func before(a, b *queueItem) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if a.unresolved != b.unresolved {
		return a.unresolved < b.unresolved
	}
	ad, bd := a.task.HasDeadline(), b.task.HasDeadline()
	if ad != bd {
		return ad
	}
	if ad && !a.task.Deadline.Equal(b.task.Deadline) {
		return a.task.Deadline.Before(b.task.Deadline)
	}
	return a.seq < b.seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue is a max-heap of queued tasks with admission-aware popping.
// It is not safe for concurrent use; the orchestrator guards it with its
// own mutex together with the ledger commit.
type PriorityQueue struct {
	items taskHeap
	byID  map[string]*queueItem
	seq   uint64
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		byID: make(map[string]*queueItem),
	}
}

// Push enqueues a task with its current number of unresolved dependencies.
// Returns false if a task with the same ID is already queued.
func (q *PriorityQueue) Push(task *Task, unresolved int) bool {
	if _, exists := q.byID[task.ID]; exists {
		return false
	}
	q.seq++
	item := &queueItem{task: task, unresolved: unresolved, seq: q.seq}
	heap.Push(&q.items, item)
	q.byID[task.ID] = item
	return true
}

// PopAdmissible scans tasks in priority order and removes the first one for
// which admissible returns true. Skipped tasks keep their place. Returns nil
// without blocking when nothing qualifies.
func (q *PriorityQueue) PopAdmissible(admissible func(*Task) bool) *Task {
	var (
		skipped []*queueItem
		found   *queueItem
	)
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		if admissible(item.task) {
			found = item
			break
		}
		skipped = append(skipped, item)
	}
	for _, item := range skipped {
		heap.Push(&q.items, item)
	}
	if found == nil {
		return nil
	}
	delete(q.byID, found.task.ID)
	return found.task
}

// Resolve records that one dependency of a queued task was satisfied.
func (q *PriorityQueue) Resolve(taskID string) {
	item, ok := q.byID[taskID]
	if !ok || item.unresolved == 0 {
		return
	}
	item.unresolved--
	heap.Fix(&q.items, item.index)
}

// Remove takes a task out of the queue regardless of its position.
func (q *PriorityQueue) Remove(taskID string) (*Task, bool) {
	item, ok := q.byID[taskID]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, taskID)
	return item.task, true
}

// Contains reports whether the task is queued.
func (q *PriorityQueue) Contains(taskID string) bool {
	_, ok := q.byID[taskID]
	return ok
}

// Len returns the number of queued tasks.
func (q *PriorityQueue) Len() int {
	return q.items.Len()
}

// Drain removes and returns every task in priority order.
func (q *PriorityQueue) Drain() []*Task {
	tasks := make([]*Task, 0, q.items.Len())
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		delete(q.byID, item.task.ID)
		tasks = append(tasks, item.task)
	}
	return tasks
}

// IDs returns the queued task IDs in priority order without removing them.
func (q *PriorityQueue) IDs() []string {
	items := make(taskHeap, len(q.items))
	copy(items, q.items)
	sort.Slice(items, func(i, j int) bool { return before(items[i], items[j]) })

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.task.ID
	}
	return ids
}
