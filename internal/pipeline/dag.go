// -----------------------------------------------------------------------
// Step DAG - dependency graph validation and ready-set computation
// -----------------------------------------------------------------------

package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ternarybob/codestory/internal/models"
)

// DAG is the directed acyclic graph induced by step dependencies within a
// job. Nodes are step names; an edge dep->step means step waits for dep.
type DAG struct {
	order      []string            // submission order, the scheduler tie-break
	deps       map[string][]string // step -> its dependencies
	dependents map[string][]string // step -> steps depending on it
}

// BuildDAG constructs and validates the dependency graph for the enabled
// steps. A declared dependency missing from the enabled set, a
// self-dependency, or a cycle is an InvalidPipeline error.
func BuildDAG(order []string, deps map[string][]string) (*DAG, error) {
	enabled := make(map[string]bool, len(order))
	for _, name := range order {
		if enabled[name] {
			return nil, models.NewPipelineError(models.ErrInvalidPipeline, "duplicate step: %s", name)
		}
		enabled[name] = true
	}

	d := &DAG{
		order:      append([]string(nil), order...),
		deps:       make(map[string][]string, len(order)),
		dependents: make(map[string][]string, len(order)),
	}

	for _, name := range order {
		for _, dep := range deps[name] {
			if dep == name {
				return nil, models.NewPipelineError(models.ErrInvalidPipeline, "step %s depends on itself", name)
			}
			if !enabled[dep] {
				return nil, models.NewPipelineError(models.ErrInvalidPipeline,
					"step %s depends on %s, which is not part of the pipeline", name, dep)
			}
			d.deps[name] = append(d.deps[name], dep)
			d.dependents[dep] = append(d.dependents[dep], name)
		}
	}

	if cycle := d.findCycle(); cycle != nil {
		return nil, models.NewPipelineError(models.ErrInvalidPipeline,
			"dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return d, nil
}

// Dependencies returns the dependency list for a step.
func (d *DAG) Dependencies(name string) []string {
	return d.deps[name]
}

// Ready returns the steps whose dependencies have all succeeded and whose
// own status is still pending, in submission order with a lexicographic
// secondary tie-break.
func (d *DAG) Ready(states map[string]*models.StepState) []string {
	var ready []string
	for _, name := range d.order {
		st := states[name]
		if st == nil || st.Status != models.StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range d.deps[name] {
			if states[dep] == nil || states[dep].Status != models.StepStatusSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}

	// Submission order is primary; names break remaining ties.
	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := d.position(ready[i]), d.position(ready[j])
		if pi != pj {
			return pi < pj
		}
		return ready[i] < ready[j]
	})
	return ready
}

// TransitiveDependents returns every step that directly or transitively
// requires the given step, used to skip the failure cascade.
func (d *DAG) TransitiveDependents(name string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dep := range d.dependents[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for _, n := range d.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

func (d *DAG) position(name string) int {
	for i, n := range d.order {
		if n == name {
			return i
		}
	}
	return len(d.order)
}

// findCycle returns one dependency cycle as a path, or nil.
func (d *DAG) findCycle() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(d.order))
	var stack []string
	var cycle []string

	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, dep := range d.deps[n] {
			switch color[dep] {
			case grey:
				// Recover the cycle path from the stack.
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
				cycle = []string{dep, n, dep}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range d.order {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

// String renders the DAG for diagnostics.
func (d *DAG) String() string {
	parts := make([]string, 0, len(d.order))
	for _, n := range d.order {
		if len(d.deps[n]) > 0 {
			parts = append(parts, fmt.Sprintf("%s<-[%s]", n, strings.Join(d.deps[n], ",")))
		} else {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, " ")
}
