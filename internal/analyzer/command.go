package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pipeline/internal/config"
	"github.com/aristath/pipeline/internal/scheduler"
)

// Command runs an external program per task kind with the task target as
// the last argument. Each non-empty stdout line counts as one finding.
type Command struct {
	commands map[scheduler.TaskKind]config.CommandConfig
	workDir  string
	procMgr  *ProcessManager
	logger   zerolog.Logger
}

// NewCommand builds a Command from the configured kind -> command map. The
// ProcessManager is optional; without one subprocesses are not tracked.
func NewCommand(commands map[string]config.CommandConfig, workDir string, procMgr *ProcessManager, logger zerolog.Logger) (*Command, error) {
	c := &Command{
		commands: make(map[scheduler.TaskKind]config.CommandConfig, len(commands)),
		workDir:  workDir,
		procMgr:  procMgr,
		logger:   logger,
	}
	for name, cmd := range commands {
		kind, err := scheduler.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("commands: %w", err)
		}
		if cmd.Command == "" {
			return nil, fmt.Errorf("commands: %s has no command", name)
		}
		c.commands[kind] = cmd
	}
	return c, nil
}

// Kinds returns the kinds that have a command configured.
func (c *Command) Kinds() []scheduler.TaskKind {
	var kinds []scheduler.TaskKind
	for _, k := range scheduler.Kinds() {
		if _, ok := c.commands[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Execute implements scheduler.Executor.
func (c *Command) Execute(ctx context.Context, task scheduler.Task) (Report, error) {
	cc, ok := c.commands[task.Kind]
	if !ok {
		return Report{}, fmt.Errorf("no command configured for kind %s", task.Kind)
	}

	args := append(append([]string(nil), cc.Args...), task.Target)
	cmd := newCommand(ctx, cc.Command, args...)
	cmd.Dir = c.workDir

	start := time.Now()
	stdout, stderr, err := executeCommand(cmd, c.procMgr)
	elapsed := time.Since(start)

	c.logger.Debug().
		Str("task_id", task.ID).
		Str("command", cc.Command).
		Int("stderr_bytes", len(stderr)).
		Dur("elapsed", elapsed).
		Err(err).
		Msg("analyzer command finished")

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Report{}, fmt.Errorf("%s: %w", err, ctxErr)
		}
		return Report{}, fmt.Errorf("%s %s: %w", task.Kind, task.Target, err)
	}

	rep := newReport(task)
	rep.Output = string(bytes.TrimSpace(stdout))
	rep.Findings = countLines(stdout)
	rep.Elapsed = elapsed
	return rep, nil
}

func countLines(b []byte) int {
	n := 0
	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}
