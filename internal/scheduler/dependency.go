package scheduler

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gammazero/toposort"
)

type depState int

const (
	depPending depState = iota
	depCompleted
	depFailedSoft
	depFailedHard
)

// satisfies reports whether a dependency in this state lets dependents run.
func (s depState) satisfies() bool {
	return s == depCompleted || s == depFailedSoft
}

// DependencyNode is a task ID with the IDs it depends on.
type DependencyNode struct {
	ID           string
	Dependencies []string
}

// DependencyIndex records the dependency graph of every task submitted so far.
// The graph is append-only and acyclic: a registration that would introduce a
// cycle is rejected and leaves the graph untouched.
type DependencyIndex struct {
	mu         sync.RWMutex
	deps       map[string][]string
	dependents map[string][]string // Maps taskID -> tasks that depend on it
	state      map[string]depState
}

// NewDependencyIndex creates an empty index.
func NewDependencyIndex() *DependencyIndex {
	return &DependencyIndex{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
		state:      make(map[string]depState),
	}
}

// Register adds a single task whose dependencies must already be known.
func (d *DependencyIndex) Register(id string, deps []string) error {
	return d.RegisterGroup([]DependencyNode{{ID: id, Dependencies: deps}})[0]
}

// RegisterGroup adds a batch of tasks whose dependencies may point at each
// other as well as at tasks already registered. The returned slice has one
// entry per node; a nil entry means the node was registered. Nodes that
// depend on a rejected node are rejected too.
func (d *DependencyIndex) RegisterGroup(nodes []DependencyNode) []error {
	d.mu.Lock()
	defer d.mu.Unlock()

	errs := make([]error, len(nodes))
	pending := make(map[string]int, len(nodes))

	for i, n := range nodes {
		switch {
		case n.ID == "":
			errs[i] = &DependencyError{Kind: ErrInvalidTask}
		case d.known(n.ID):
			errs[i] = &DependencyError{TaskID: n.ID, Kind: ErrDuplicateTask}
		case pendingHas(pending, n.ID):
			errs[i] = &DependencyError{TaskID: n.ID, Kind: ErrDuplicateTask}
		case slices.Contains(n.Dependencies, n.ID):
			errs[i] = &DependencyError{TaskID: n.ID, Kind: ErrCycle, Path: []string{n.ID, n.ID}}
		default:
			pending[n.ID] = i
		}
	}

	// Reject unknown and hard-failed dependencies, then everything that
	// transitively depends on a rejected node.
	d.propagateRejections(nodes, pending, errs)

	for _, cycle := range findCycles(nodes, pending) {
		for _, id := range cycle[:len(cycle)-1] {
			i, ok := pending[id]
			if !ok {
				continue
			}
			errs[i] = &DependencyError{TaskID: id, Kind: ErrCycle, Path: cycle}
			delete(pending, id)
		}
	}
	d.propagateRejections(nodes, pending, errs)

	order, err := groupOrder(nodes, pending)
	if err != nil {
		for id, i := range pending {
			errs[i] = &DependencyError{TaskID: id, Kind: ErrCycle}
		}
		return errs
	}

	for _, id := range order {
		n := nodes[pending[id]]
		deps := uniqueIDs(n.Dependencies)
		d.deps[id] = deps
		d.state[id] = depPending
		for _, dep := range deps {
			d.dependents[dep] = append(d.dependents[dep], id)
		}
	}
	return errs
}

func pendingHas(pending map[string]int, id string) bool {
	_, ok := pending[id]
	return ok
}

func (d *DependencyIndex) known(id string) bool {
	_, ok := d.state[id]
	return ok
}

func (d *DependencyIndex) propagateRejections(nodes []DependencyNode, pending map[string]int, errs []error) {
	for changed := true; changed; {
		changed = false
		for id, i := range pending {
			for _, dep := range nodes[i].Dependencies {
				if pendingHas(pending, dep) {
					continue
				}
				state, ok := d.state[dep]
				if ok && state != depFailedHard {
					continue
				}
				kind := ErrUnknownDependency
				if ok {
					kind = ErrDependencyFailed
				}
				errs[i] = &DependencyError{TaskID: id, Kind: kind, DepID: dep}
				delete(pending, id)
				changed = true
				break
			}
		}
	}
}

// findCycles runs a DFS over the pending nodes. Existing nodes can never
// depend on new ones, so any cycle lies entirely inside the group. Each
// returned path starts and ends with the same ID.
func findCycles(nodes []DependencyNode, pending map[string]int) [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(pending))
	var (
		stack  []string
		cycles [][]string
	)

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range nodes[pending[id]].Dependencies {
			if !pendingHas(pending, dep) {
				continue
			}
			switch color[dep] {
			case white:
				visit(dep)
			case grey:
				start := slices.Index(stack, dep)
				path := append(slices.Clone(stack[start:]), dep)
				cycles = append(cycles, path)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	// Visit in input order so reported paths are deterministic.
	for idx, n := range nodes {
		if i, ok := pending[n.ID]; ok && i == idx && color[n.ID] == white {
			visit(n.ID)
		}
	}
	return cycles
}

// groupOrder topologically sorts the accepted group members so that members
// are registered after the members they depend on.
func groupOrder(nodes []DependencyNode, pending map[string]int) ([]string, error) {
	var edges []toposort.Edge
	for idx, n := range nodes {
		if i, ok := pending[n.ID]; !ok || i != idx {
			continue
		}
		edges = append(edges, toposort.Edge{nil, n.ID})
		for _, dep := range n.Dependencies {
			if pendingHas(pending, dep) {
				// Edge (dep, id) means dep must come before id
				edges = append(edges, toposort.Edge{dep, n.ID})
			}
		}
	}
	if len(edges) == 0 {
		return nil, nil
	}
	return sortEdges(edges, len(pending))
}

func sortEdges(edges []toposort.Edge, want int) ([]string, error) {
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}
	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != want {
		return nil, fmt.Errorf("topological sort returned %d of %d tasks", len(order), want)
	}
	return order, nil
}

// IsSatisfied reports whether every dependency of id has completed or
// failed softly. Unknown IDs are never satisfied.
func (d *DependencyIndex) IsSatisfied(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.known(id) {
		return false
	}
	return d.unresolvedLocked(id) == 0
}

// Unresolved returns how many dependencies of id are not yet satisfied.
func (d *DependencyIndex) Unresolved(id string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unresolvedLocked(id)
}

func (d *DependencyIndex) unresolvedLocked(id string) int {
	n := 0
	for _, dep := range d.deps[id] {
		if !d.state[dep].satisfies() {
			n++
		}
	}
	return n
}

// MarkCompleted records a successful terminal state and returns the direct
// dependents of id.
func (d *DependencyIndex) MarkCompleted(id string) []string {
	return d.mark(id, depCompleted)
}

// MarkFailed records a terminal failure and returns the direct dependents of
// id. With FailSoft the failure still satisfies those dependents; with
// FailHard they can never run and the caller is expected to fail them.
func (d *DependencyIndex) MarkFailed(id string, mode FailureMode) []string {
	if mode == FailSoft {
		return d.mark(id, depFailedSoft)
	}
	return d.mark(id, depFailedHard)
}

func (d *DependencyIndex) mark(id string, state depState) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.known(id) {
		return nil
	}
	d.state[id] = state
	return slices.Clone(d.dependents[id])
}

// Dependents returns the IDs that directly depend on id.
func (d *DependencyIndex) Dependents(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.dependents[id])
}

// Dependencies returns the registered dependencies of id.
func (d *DependencyIndex) Dependencies(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.deps[id])
}

// Known reports whether id has been registered.
func (d *DependencyIndex) Known(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.known(id)
}

// Len returns the number of registered tasks.
func (d *DependencyIndex) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.state)
}

// Order returns every registered ID in a dependency-respecting order.
func (d *DependencyIndex) Order() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var edges []toposort.Edge
	for id, deps := range d.deps {
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}
	if len(edges) == 0 {
		return nil, nil
	}
	return sortEdges(edges, len(d.deps))
}
