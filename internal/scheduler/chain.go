package scheduler

import (
	"fmt"
	"slices"
	"sort"

	"github.com/aristath/pipeline/internal/config"
)

// ChainManager creates follow-up tasks based on chain configuration.
// When a task completes, it checks whether the task's kind is a non-final
// step in any configured chain, and if so builds the next step's task.
type ChainManager struct {
	names  []string              // Sorted chain names, for deterministic output
	chains map[string][]TaskKind // chain name -> steps
}

// NewChainManager parses chain steps into task kinds. Unknown kind names are
// an error.
func NewChainManager(chains map[string]config.ChainConfig) (*ChainManager, error) {
	cm := &ChainManager{chains: make(map[string][]TaskKind, len(chains))}
	for name, chain := range chains {
		steps := make([]TaskKind, 0, len(chain.Steps))
		for _, step := range chain.Steps {
			kind, err := ParseKind(step)
			if err != nil {
				return nil, fmt.Errorf("chain %q: %w", name, err)
			}
			steps = append(steps, kind)
		}
		cm.chains[name] = steps
		cm.names = append(cm.names, name)
	}
	sort.Strings(cm.names)
	return cm, nil
}

// FollowUps returns the next-step tasks for a completed task. Each follow-up
// has ID "<id>-<nextkind>", inherits target, priority, resources, timeout and
// failure mode, and depends on the completed task. A kind that appears in
// several chains yields one follow-up per distinct next kind.
func (cm *ChainManager) FollowUps(completed *Task) []*Task {
	if cm == nil || completed == nil {
		return nil
	}

	var (
		followUps []*Task
		seen      []TaskKind
	)
	for _, name := range cm.names {
		steps := cm.chains[name]
		stepIndex := slices.Index(steps, completed.Kind)
		if stepIndex == -1 || stepIndex >= len(steps)-1 {
			// Not in this chain, or the last step
			continue
		}

		next := steps[stepIndex+1]
		if slices.Contains(seen, next) {
			continue
		}
		seen = append(seen, next)

		followUps = append(followUps, &Task{
			ID:           fmt.Sprintf("%s-%s", completed.ID, next),
			Target:       completed.Target,
			Kind:         next,
			Priority:     completed.Priority,
			Dependencies: []string{completed.ID},
			Resources:    completed.Resources,
			Timeout:      completed.Timeout,
			FailureMode:  completed.FailureMode,
		})
	}
	return followUps
}

// FindChain returns the chain name and step index for the given kind, or
// "" and -1 if no chain contains it.
func (cm *ChainManager) FindChain(kind TaskKind) (string, int) {
	for _, name := range cm.names {
		if i := slices.Index(cm.chains[name], kind); i != -1 {
			return name, i
		}
	}
	return "", -1
}
