// -----------------------------------------------------------------------
// Entity DAG - dependency layering over code entities for summary order
// -----------------------------------------------------------------------

package summarizer

import "sort"

// entityGraph is the dependency graph among summarizable entities. An
// edge a->b means a's summary wants b's summary first (b is a dependency
// of a: something a contains, defines, calls, or inherits from).
type entityGraph struct {
	nodes map[string]bool
	deps  map[string][]string
}

func newEntityGraph() *entityGraph {
	return &entityGraph{
		nodes: make(map[string]bool),
		deps:  make(map[string][]string),
	}
}

func (g *entityGraph) addNode(key string) {
	g.nodes[key] = true
}

func (g *entityGraph) addDep(from, to string) {
	if from == to || !g.nodes[from] || !g.nodes[to] {
		return
	}
	g.deps[from] = append(g.deps[from], to)
}

// component is one strongly connected set of entities. Mutual recursion
// is common, so components are summarized together with shared context.
type component struct {
	keys []string
}

// layers condenses the graph by strongly connected components and returns
// the components in dependency layers: every component in layer i depends
// only on components in layers < i. Layer order within a layer is
// deterministic by smallest member key.
func (g *entityGraph) layers() [][]component {
	comps, compOf := g.tarjan()

	// Condensation edges between components.
	compDeps := make(map[int]map[int]bool, len(comps))
	indegree := make(map[int]int, len(comps))
	for i := range comps {
		compDeps[i] = make(map[int]bool)
		indegree[i] = 0
	}
	for from, tos := range g.deps {
		cf := compOf[from]
		for _, to := range tos {
			ct := compOf[to]
			if cf != ct && !compDeps[cf][ct] {
				compDeps[cf][ct] = true
			}
		}
	}
	// indegree counts how many unresolved dependencies a component has.
	for cf, tos := range compDeps {
		indegree[cf] = len(tos)
	}

	// Kahn's algorithm over the condensation, dependencies first.
	dependents := make(map[int][]int, len(comps))
	for cf, tos := range compDeps {
		for ct := range tos {
			dependents[ct] = append(dependents[ct], cf)
		}
	}

	var out [][]component
	remaining := len(comps)
	frontier := make([]int, 0, len(comps))
	for i := range comps {
		if indegree[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	for remaining > 0 && len(frontier) > 0 {
		sort.Slice(frontier, func(a, b int) bool {
			return comps[frontier[a]].keys[0] < comps[frontier[b]].keys[0]
		})
		layer := make([]component, 0, len(frontier))
		next := frontier[:0:0]
		for _, ci := range frontier {
			layer = append(layer, comps[ci])
			remaining--
			for _, dep := range dependents[ci] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		out = append(out, layer)
		frontier = next
	}
	return out
}

// tarjan computes strongly connected components iteratively. Components
// have their member keys sorted for determinism.
func (g *entityGraph) tarjan() ([]component, map[string]int) {
	index := 0
	indices := make(map[string]int, len(g.nodes))
	lowlink := make(map[string]int, len(g.nodes))
	onStack := make(map[string]bool, len(g.nodes))
	var stack []string
	var comps []component
	compOf := make(map[string]int, len(g.nodes))

	var strongconnect func(v string)
	strongconnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.deps[v] {
			if _, seen := indices[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && indices[w] < lowlink[v] {
				lowlink[v] = indices[w]
			}
		}

		if lowlink[v] == indices[v] {
			var comp component
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp.keys = append(comp.keys, w)
				if w == v {
					break
				}
			}
			sort.Strings(comp.keys)
			compOf[v] = len(comps)
			for _, k := range comp.keys {
				compOf[k] = len(comps)
			}
			comps = append(comps, comp)
		}
	}

	keys := make([]string, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, seen := indices[k]; !seen {
			strongconnect(k)
		}
	}
	return comps, compOf
}
