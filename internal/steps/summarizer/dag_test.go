package summarizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildGraph(nodes []string, deps map[string][]string) *entityGraph {
	g := newEntityGraph()
	for _, n := range nodes {
		g.addNode(n)
	}
	for from, tos := range deps {
		for _, to := range tos {
			g.addDep(from, to)
		}
	}
	return g
}

func layerKeys(layer []component) [][]string {
	out := make([][]string, 0, len(layer))
	for _, c := range layer {
		out = append(out, c.keys)
	}
	return out
}

func TestLayers_LeavesFirst(t *testing.T) {
	// main calls parse and emit; parse calls lex.
	g := buildGraph(
		[]string{"main", "parse", "emit", "lex"},
		map[string][]string{
			"main":  {"parse", "emit"},
			"parse": {"lex"},
		})

	layers := g.layers()
	require.Len(t, layers, 3)
	assert.Equal(t, [][]string{{"emit"}, {"lex"}}, layerKeys(layers[0]))
	assert.Equal(t, [][]string{{"parse"}}, layerKeys(layers[1]))
	assert.Equal(t, [][]string{{"main"}}, layerKeys(layers[2]))
}

func TestLayers_MutualRecursionCollapses(t *testing.T) {
	// even and odd call each other; both call base.
	g := buildGraph(
		[]string{"even", "odd", "base", "caller"},
		map[string][]string{
			"even":   {"odd", "base"},
			"odd":    {"even", "base"},
			"caller": {"even"},
		})

	layers := g.layers()
	require.Len(t, layers, 3)
	assert.Equal(t, [][]string{{"base"}}, layerKeys(layers[0]))
	assert.Equal(t, [][]string{{"even", "odd"}}, layerKeys(layers[1]))
	assert.Equal(t, [][]string{{"caller"}}, layerKeys(layers[2]))
}

func TestLayers_SelfLoopIsSingleComponent(t *testing.T) {
	g := buildGraph([]string{"rec"}, nil)
	// Self-dependencies are dropped at insertion.
	g.addDep("rec", "rec")

	layers := g.layers()
	require.Len(t, layers, 1)
	assert.Equal(t, [][]string{{"rec"}}, layerKeys(layers[0]))
}

func TestLayers_IgnoresUnknownEndpoints(t *testing.T) {
	g := buildGraph([]string{"a"}, nil)
	g.addDep("a", "ghost")
	g.addDep("ghost", "a")

	layers := g.layers()
	require.Len(t, layers, 1)
	assert.Equal(t, [][]string{{"a"}}, layerKeys(layers[0]))
}

func TestLayers_Deterministic(t *testing.T) {
	build := func() [][]component {
		g := buildGraph(
			[]string{"z", "m", "a", "q", "b"},
			map[string][]string{
				"z": {"a", "b"},
				"m": {"a"},
				"q": {"b"},
			})
		return g.layers()
	}

	first := build()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, build())
	}

	// Independent entities within a layer are ordered by smallest key.
	require.Len(t, first, 2)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, layerKeys(first[0]))
	assert.Equal(t, [][]string{{"m"}, {"q"}, {"z"}}, layerKeys(first[1]))
}

func TestLayers_AllCyclic(t *testing.T) {
	g := buildGraph(
		[]string{"a", "b", "c"},
		map[string][]string{
			"a": {"b"},
			"b": {"c"},
			"c": {"a"},
		})

	layers := g.layers()
	require.Len(t, layers, 1)
	assert.Equal(t, [][]string{{"a", "b", "c"}}, layerKeys(layers[0]))
}
