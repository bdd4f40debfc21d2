package orchestrator

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/pipeline/internal/scheduler"
)

// latencyAlpha weights the newest sample in the moving average.
const latencyAlpha = 0.2

// Metrics holds monotonic counters and a latency moving average. Counters
// only go down through Reset.
type Metrics struct {
	queued         atomic.Uint64
	rejected       atomic.Uint64
	completed      atomic.Uint64
	failed         atomic.Uint64
	retried        atomic.Uint64
	timeouts       atomic.Uint64
	cancelled      atomic.Uint64
	deadlineMisses atomic.Uint64

	mu         sync.Mutex
	avgLatency time.Duration
	samples    uint64
}

// RecordLatency folds one attempt duration into the average.
func (m *Metrics) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.samples == 0 {
		m.avgLatency = d
	} else {
		m.avgLatency = time.Duration(math.Round(latencyAlpha*float64(d) + (1-latencyAlpha)*float64(m.avgLatency)))
	}
	m.samples++
}

// AvgLatency returns the moving average attempt duration.
func (m *Metrics) AvgLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgLatency
}

// Reset zeroes every counter and the latency average.
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.queued, &m.rejected, &m.completed, &m.failed,
		&m.retried, &m.timeouts, &m.cancelled, &m.deadlineMisses,
	} {
		c.Store(0)
	}

	m.mu.Lock()
	m.avgLatency = 0
	m.samples = 0
	m.mu.Unlock()
}

// Statistics is a point-in-time snapshot of the scheduler.
type Statistics struct {
	TotalQueued    uint64 // Tasks accepted by Submit/SubmitBatch
	TotalProcessed uint64 // Tasks that reached a terminal state
	Completed      uint64
	Failed         uint64
	Rejected       uint64
	Retried        uint64 // Retry attempts scheduled
	Timeouts       uint64 // Attempts that exceeded their timeout
	Cancelled      uint64
	DeadlineMisses uint64
	Anomalies      uint64 // Ledger releases that would have underflowed

	Running       int
	QueueLength   int
	RetryPending  int // Failed attempts waiting out their backoff
	ActiveWorkers int
	Workers       int
	AvgLatency    time.Duration
	Resources     scheduler.LedgerSnapshot
}
