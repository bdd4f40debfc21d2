// Package analyzer provides reference executors for the scheduler: a
// simulated executor that models per-kind cost and an external command
// runner.
package analyzer

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/scheduler"
)

// Executor names accepted by New.
const (
	TypeSimulated = "simulated"
	TypeCommand   = "command"
)

// Report is the output of one analysis or warmup task.
type Report struct {
	TaskID   string        `json:"task_id"`
	Target   string        `json:"target"`
	Kind     string        `json:"kind"`
	Findings int           `json:"findings"`
	Output   string        `json:"output,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Executor is the executor type every analyzer implements.
type Executor = scheduler.Executor[Report]

func newReport(task scheduler.Task) Report {
	return Report{TaskID: task.ID, Target: task.Target, Kind: task.Kind.String()}
}

// New creates the executor named by typ. The command executor routes each
// kind with a configured command to it and every other kind to the
// simulated executor; subprocesses are tracked in pm.
func New(typ string, cfg *config.Config, pm *ProcessManager, logger zerolog.Logger) (Executor, error) {
	switch typ {
	case TypeSimulated, "":
		return NewSimulated(1), nil
	case TypeCommand:
		if len(cfg.Commands) == 0 {
			return nil, fmt.Errorf("command executor: no commands configured")
		}
		workDir, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cmd, err := NewCommand(cfg.Commands, workDir, pm, logger)
		if err != nil {
			return nil, err
		}
		router := scheduler.NewKindRouter[Report]()
		for _, kind := range cmd.Kinds() {
			router.Register(kind, cmd)
		}
		router.SetDefault(NewSimulated(1))
		return router, nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", typ)
	}
}
