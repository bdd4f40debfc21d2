package orchestrator

import (
	"time"

	"github.com/aristath/pipeline/internal/scheduler"
)

// Result is the terminal outcome of a task.
type Result[O any] struct {
	TaskID     string
	Status     scheduler.TaskStatus // StatusCompleted or StatusFailed
	Output     O
	Err        error
	ErrorKind  scheduler.ErrorKind
	Attempts   int
	WorkerID   int // -1 when the task never ran
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// resultCache keeps terminal results in finish order and evicts the oldest
// once more than retention are held. Not safe for concurrent use.
type resultCache[O any] struct {
	retention int // 0 keeps everything
	byID      map[string]Result[O]
	order     []string
}

func newResultCache[O any](retention int) *resultCache[O] {
	return &resultCache[O]{
		retention: retention,
		byID:      make(map[string]Result[O]),
	}
}

// put stores r and returns the IDs evicted to make room.
func (c *resultCache[O]) put(r Result[O]) []string {
	if _, exists := c.byID[r.TaskID]; !exists {
		c.order = append(c.order, r.TaskID)
	}
	c.byID[r.TaskID] = r
	return c.trim()
}

func (c *resultCache[O]) trim() []string {
	if c.retention <= 0 || len(c.order) <= c.retention {
		return nil
	}
	n := len(c.order) - c.retention
	evicted := append([]string(nil), c.order[:n]...)
	for _, id := range evicted {
		delete(c.byID, id)
	}
	c.order = append(c.order[:0:0], c.order[n:]...)
	return evicted
}

// setRetention changes the cap and returns any IDs evicted by shrinking it.
func (c *resultCache[O]) setRetention(retention int) []string {
	c.retention = retention
	return c.trim()
}

func (c *resultCache[O]) get(id string) (Result[O], bool) {
	r, ok := c.byID[id]
	return r, ok
}

func (c *resultCache[O]) len() int {
	return len(c.order)
}
