package scheduler

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the queue. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a config/manifest string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

// Valid reports whether p is one of the declared priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// TaskKind is the category of work. It selects an executor and a cost
// profile but never changes how a task is scheduled.
type TaskKind int

const (
	KindSyntax TaskKind = iota
	KindSemantic
	KindSecurity
	KindPerformance
	KindStyle
	KindWarmup
)

var kindNames = map[TaskKind]string{
	KindSyntax:      "syntax",
	KindSemantic:    "semantic",
	KindSecurity:    "security",
	KindPerformance: "performance",
	KindStyle:       "style",
	KindWarmup:      "warmup",
}

func (k TaskKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind converts a kind name into a TaskKind.
func ParseKind(s string) (TaskKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindSyntax, fmt.Errorf("unknown task kind %q", s)
}

// Valid reports whether k is one of the declared kinds.
func (k TaskKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Kinds returns every known kind in declaration order.
func Kinds() []TaskKind {
	return []TaskKind{KindSyntax, KindSemantic, KindSecurity, KindPerformance, KindStyle, KindWarmup}
}

// FailureMode determines how a task's terminal failure affects dependents.
type FailureMode int

const (
	FailHard FailureMode = iota // Dependents fail with ErrDependencyFailed
	FailSoft                    // Dependents still run
)

func (m FailureMode) String() string {
	if m == FailSoft {
		return "soft"
	}
	return "hard"
}

// ParseFailureMode converts "hard" or "soft"; empty means hard.
func ParseFailureMode(s string) (FailureMode, error) {
	switch s {
	case "hard", "":
		return FailHard, nil
	case "soft":
		return FailSoft, nil
	}
	return FailHard, fmt.Errorf("unknown failure mode %q", s)
}

// Resources is the budget a task needs while it runs.
type Resources struct {
	MemoryMB    uint64  `json:"memory_mb" yaml:"memory_mb"`
	CPUPercent  float64 `json:"cpu_percent" yaml:"cpu_percent"`
	NetworkMbps float64 `json:"network_mbps,omitempty" yaml:"network_mbps,omitempty"` // 0 means no network needed
	StorageMB   uint64  `json:"storage_mb" yaml:"storage_mb"`
}

// IsZero reports whether no resource is requested.
func (r Resources) IsZero() bool {
	return r.MemoryMB == 0 && r.CPUPercent == 0 && r.NetworkMbps == 0 && r.StorageMB == 0
}

func (r Resources) String() string {
	return fmt.Sprintf("mem=%dMB cpu=%.1f%% net=%.1fMbps disk=%dMB", r.MemoryMB, r.CPUPercent, r.NetworkMbps, r.StorageMB)
}

// Task is a unit of work. The scheduler copies a task on submission and never
// mutates the caller's value.
type Task struct {
	ID           string
	Target       string // Opaque work subject, e.g. a file path
	Kind         TaskKind
	Priority     Priority
	Dependencies []string
	Resources    Resources
	Deadline     time.Time     // Zero means no deadline
	Timeout      time.Duration // Zero means the configured default
	FailureMode  FailureMode
	CreatedAt    time.Time
	Attempt      int // 1-based, assigned by the scheduler
}

// NewTask builds a task with a generated ID when id is empty.
func NewTask(id, target string, kind TaskKind, priority Priority) *Task {
	if id == "" {
		id = uuid.NewString()
	}
	return &Task{
		ID:        id,
		Target:    target,
		Kind:      kind,
		Priority:  priority,
		CreatedAt: time.Now(),
	}
}

// Validate checks the fields that do not depend on scheduler state: a
// non-empty ID and target, known enums, no self dependency and
// non-negative resources.
func (t *Task) Validate() error {
	if t == nil {
		return rejectf("", ErrInvalidTask, "nil task")
	}
	switch {
	case t.ID == "":
		return rejectf(t.ID, ErrInvalidTask, "empty id")
	case t.Target == "":
		return rejectf(t.ID, ErrInvalidTask, "empty target")
	case !t.Kind.Valid():
		return rejectf(t.ID, ErrInvalidTask, "unknown kind %s", t.Kind)
	case !t.Priority.Valid():
		return rejectf(t.ID, ErrInvalidTask, "unknown priority %s", t.Priority)
	case t.FailureMode != FailHard && t.FailureMode != FailSoft:
		return rejectf(t.ID, ErrInvalidTask, "unknown failure mode %d", int(t.FailureMode))
	case t.Timeout < 0:
		return rejectf(t.ID, ErrInvalidTask, "negative timeout %s", t.Timeout)
	case !(t.Resources.CPUPercent >= 0) || !(t.Resources.NetworkMbps >= 0):
		return rejectf(t.ID, ErrInvalidTask, "negative resource request %s", t.Resources)
	}
	for _, dep := range t.Dependencies {
		if dep == "" {
			return rejectf(t.ID, ErrInvalidTask, "empty dependency id")
		}
	}
	return nil
}

// HasDeadline reports whether the task carries a soft deadline.
func (t *Task) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// Clone returns a deep copy with dependencies de-duplicated.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Dependencies = uniqueIDs(t.Dependencies)
	return &cp
}

func uniqueIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// TaskStatus is the externally visible lifecycle state of a task.
type TaskStatus int

const (
	StatusNotFound TaskStatus = iota
	StatusQueued
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s TaskStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "not_found"
	}
}

// IsTerminal reports whether the status can no longer change.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
