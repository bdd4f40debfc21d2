package analyzer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/aristath/pipeline/internal/scheduler"
)

// Target suffixes that make the simulated executor misbehave on purpose.
const (
	SuffixFail  = ".fail"  // Fails every attempt
	SuffixFlaky = ".flaky" // Fails the first attempt only
	SuffixPanic = ".panic" // Panics
	SuffixHang  = ".hang"  // Blocks until its context ends
)

// ErrInjected is returned for targets carrying a failure suffix.
var ErrInjected = errors.New("injected failure")

// DefaultCosts is the base duration of each kind for a task with no memory
// request.
var DefaultCosts = map[scheduler.TaskKind]time.Duration{
	scheduler.KindSyntax:      20 * time.Millisecond,
	scheduler.KindSemantic:    60 * time.Millisecond,
	scheduler.KindSecurity:    80 * time.Millisecond,
	scheduler.KindPerformance: 50 * time.Millisecond,
	scheduler.KindStyle:       15 * time.Millisecond,
	scheduler.KindWarmup:      150 * time.Millisecond,
}

// Simulated models analysis work by sleeping for a per-kind cost. Each
// 1024MB of requested memory adds one base cost.
type Simulated struct {
	Costs map[scheduler.TaskKind]time.Duration // nil uses DefaultCosts
	Scale float64                              // Multiplies every cost; zero means 1
}

// NewSimulated creates a simulated executor with the default costs.
func NewSimulated(scale float64) *Simulated {
	return &Simulated{Scale: scale}
}

// Cost returns how long task takes to run.
func (s *Simulated) Cost(task scheduler.Task) time.Duration {
	costs := s.Costs
	if costs == nil {
		costs = DefaultCosts
	}
	scale := s.Scale
	if scale <= 0 {
		scale = 1
	}
	base := float64(costs[task.Kind])
	return time.Duration(base * (1 + float64(task.Resources.MemoryMB)/1024) * scale)
}

// Execute implements scheduler.Executor.
func (s *Simulated) Execute(ctx context.Context, task scheduler.Task) (Report, error) {
	start := time.Now()

	switch {
	case strings.HasSuffix(task.Target, SuffixPanic):
		panic(fmt.Sprintf("analyzer crashed on %s", task.Target))
	case strings.HasSuffix(task.Target, SuffixHang):
		<-ctx.Done()
		return Report{}, ctx.Err()
	}

	timer := time.NewTimer(s.Cost(task))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Report{}, ctx.Err()
	case <-timer.C:
	}

	switch {
	case strings.HasSuffix(task.Target, SuffixFail):
		return Report{}, fmt.Errorf("%s %s: %w", task.Kind, task.Target, ErrInjected)
	case strings.HasSuffix(task.Target, SuffixFlaky) && task.Attempt <= 1:
		return Report{}, fmt.Errorf("%s %s attempt %d: %w", task.Kind, task.Target, task.Attempt, ErrInjected)
	}

	rep := newReport(task)
	rep.Findings = findings(task)
	rep.Elapsed = time.Since(start)
	return rep, nil
}

// findings derives a stable finding count from the kind and target.
func findings(task scheduler.Task) int {
	if task.Kind == scheduler.KindWarmup {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(task.Kind.String()))
	h.Write([]byte(task.Target))
	return int(h.Sum32() % 8)
}
