package scheduler

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// Limits are the configured capacities the ledger admits against.
// A MaxConcurrentTasks of zero or less means no concurrency cap.
type Limits struct {
	MemoryMB           uint64
	CPUPercent         float64
	NetworkMbps        float64
	StorageMB          uint64
	MaxConcurrentTasks int
}

// usage holds resources in integer units (CPU in thousandths of a percent,
// network in kbps) so commit followed by release returns exactly to the
// starting point.
type usage struct {
	memory  uint64
	cpu     uint64
	network uint64
	storage uint64
}

func toUsage(r Resources) usage {
	return usage{
		memory:  r.MemoryMB,
		cpu:     fixed(r.CPUPercent),
		network: fixed(r.NetworkMbps),
		storage: r.StorageMB,
	}
}

func limitUsage(l Limits) usage {
	return usage{
		memory:  l.MemoryMB,
		cpu:     fixed(l.CPUPercent),
		network: fixed(l.NetworkMbps),
		storage: l.StorageMB,
	}
}

func fixed(v float64) uint64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return uint64(math.Round(v * 1000))
}

func (u usage) resources() Resources {
	return Resources{
		MemoryMB:    u.memory,
		CPUPercent:  float64(u.cpu) / 1000,
		NetworkMbps: float64(u.network) / 1000,
		StorageMB:   u.storage,
	}
}

// fitsWithin reports whether committed+req <= limit in every dimension
// without overflowing.
func fitsWithin(committed, req, limit usage) bool {
	fit := func(c, r, l uint64) bool {
		return c <= l && r <= l-c
	}
	return fit(committed.memory, req.memory, limit.memory) &&
		fit(committed.cpu, req.cpu, limit.cpu) &&
		fit(committed.network, req.network, limit.network) &&
		fit(committed.storage, req.storage, limit.storage)
}

// LedgerSnapshot is a point-in-time copy of the ledger.
type LedgerSnapshot struct {
	Committed Resources
	Limits    Limits
	Running   int
	Anomalies uint64 // Releases that would have gone below zero
}

// ResourceLedger tracks committed resources against limits. Every Commit must
// be paired with exactly one Release of the same Resources value.
type ResourceLedger struct {
	mu        sync.Mutex
	limits    Limits
	capacity  usage
	committed usage
	running   int
	anomalies uint64
	logger    zerolog.Logger
}

// NewResourceLedger creates a ledger with nothing committed.
func NewResourceLedger(limits Limits, logger zerolog.Logger) *ResourceLedger {
	return &ResourceLedger{
		limits:   limits,
		capacity: limitUsage(limits),
		logger:   logger,
	}
}

// Fits reports whether req could ever be admitted, i.e. it is within the
// absolute limits with nothing else running.
func (l *ResourceLedger) Fits(req Resources) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fitsWithin(usage{}, toUsage(req), l.capacity)
}

// CanAdmit reports whether req fits into the remaining capacity and a
// concurrency slot is free.
func (l *ResourceLedger) CanAdmit(req Resources) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canAdmitLocked(toUsage(req))
}

func (l *ResourceLedger) canAdmitLocked(req usage) bool {
	if l.limits.MaxConcurrentTasks > 0 && l.running >= l.limits.MaxConcurrentTasks {
		return false
	}
	return fitsWithin(l.committed, req, l.capacity)
}

// Commit reserves req. It re-checks admission under the same lock and
// returns ErrResourceExhausted rather than overcommitting.
func (l *ResourceLedger) Commit(req Resources) error {
	if !l.TryCommit(req) {
		return fmt.Errorf("commit %s: %w", req, ErrResourceExhausted)
	}
	return nil
}

// TryCommit performs the admission check and the reservation in one
// critical section.
func (l *ResourceLedger) TryCommit(req Resources) bool {
	u := toUsage(req)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.canAdmitLocked(u) {
		return false
	}
	l.committed.memory += u.memory
	l.committed.cpu += u.cpu
	l.committed.network += u.network
	l.committed.storage += u.storage
	l.running++
	return true
}

// Release returns req to the pool. Counters saturate at zero; an underflow
// means a commit/release mismatch upstream and is logged as an anomaly.
func (l *ResourceLedger) Release(req Resources) {
	u := toUsage(req)

	l.mu.Lock()
	defer l.mu.Unlock()

	drift := false
	sub := func(c *uint64, r uint64) {
		if *c < r {
			drift = true
			*c = 0
			return
		}
		*c -= r
	}
	sub(&l.committed.memory, u.memory)
	sub(&l.committed.cpu, u.cpu)
	sub(&l.committed.network, u.network)
	sub(&l.committed.storage, u.storage)
	if l.running == 0 {
		drift = true
	} else {
		l.running--
	}

	if drift {
		l.anomalies++
		l.logger.Warn().
			Str("released", req.String()).
			Str("committed", l.committed.resources().String()).
			Msg("resource release exceeded committed amount")
	}
}

// SetLimits replaces the limits for future admission decisions. Resources
// already committed are left untouched.
func (l *ResourceLedger) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
	l.capacity = limitUsage(limits)
}

// Snapshot returns the current ledger state.
func (l *ResourceLedger) Snapshot() LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LedgerSnapshot{
		Committed: l.committed.resources(),
		Limits:    l.limits,
		Running:   l.running,
		Anomalies: l.anomalies,
	}
}
