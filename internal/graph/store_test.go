package graph

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	storage "github.com/ternarybob/codestory/internal/storage/badger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := storage.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "graph"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, &common.GraphConfig{PoolSize: 4, EmbeddingDim: 4}, logger)
	require.NoError(t, store.InitializeSchema(context.Background(), false))
	return store
}

func fileRow(path string, extra map[string]interface{}) interfaces.NodeRow {
	props := map[string]interface{}{"path": path}
	for k, v := range extra {
		props[k] = v
	}
	return interfaces.NodeRow{Properties: props}
}

func TestStore_UpsertNodesIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := []interfaces.NodeRow{
		fileRow("/src/main.go", map[string]interface{}{"size": 120, "content_hash": "aaa"}),
		fileRow("/src/util.go", map[string]interface{}{"size": 40, "content_hash": "bbb"}),
	}

	written, err := store.UpsertNodes(ctx, models.LabelFile, rows)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	// Identical rerun writes nothing.
	written, err = store.UpsertNodes(ctx, models.LabelFile, rows)
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	// A changed property writes exactly the changed node.
	rows[0].Properties["content_hash"] = "ccc"
	written, err = store.UpsertNodes(ctx, models.LabelFile, rows)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	node, err := store.GetNode(ctx, models.PathKey(models.LabelFile, "/src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, "ccc", node.Properties["content_hash"])
	assert.Equal(t, models.LabelFile, node.Label)
}

func TestStore_MergePreservesEarlierAnnotations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertNodes(ctx, models.LabelFunction, []interfaces.NodeRow{{
		Properties: map[string]interface{}{"name": "parse", "module": "lexer", "source": "def parse(): ..."},
	}})
	require.NoError(t, err)

	// A later writer updates one field; the source annotation survives.
	_, err = store.UpsertNodes(ctx, models.LabelFunction, []interfaces.NodeRow{{
		Properties: map[string]interface{}{"name": "parse", "module": "lexer", "docstring": "Parses input."},
	}})
	require.NoError(t, err)

	node, err := store.GetNode(ctx, models.SymbolKey(models.LabelFunction, "parse", "lexer"))
	require.NoError(t, err)
	assert.Equal(t, "def parse(): ...", node.Properties["source"])
	assert.Equal(t, "Parses input.", node.Properties["docstring"])
}

func TestStore_BatchIsAtomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := interfaces.NewGraphBatch()
	batch.AddNode(models.LabelDirectory, interfaces.NodeRow{
		Properties: map[string]interface{}{"path": "/src"},
	})
	// Edge endpoint does not exist and stubs are not permitted, so the
	// whole batch must roll back.
	batch.AddEdge(models.EdgeContains, interfaces.EdgeRow{
		FromKey: models.PathKey(models.LabelDirectory, "/src"),
		ToKey:   models.PathKey(models.LabelFile, "/src/missing.go"),
	})

	_, err := store.ExecuteBatch(ctx, batch)
	require.Error(t, err)

	_, err = store.GetNode(ctx, models.PathKey(models.LabelDirectory, "/src"))
	assert.Equal(t, models.ErrNotFound, models.KindOf(err), "node from failed batch must not persist")
}

func TestStore_EdgeUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertNodes(ctx, models.LabelDirectory, []interfaces.NodeRow{
		fileRow("/", nil),
	})
	require.NoError(t, err)
	_, err = store.UpsertNodes(ctx, models.LabelFile, []interfaces.NodeRow{
		fileRow("/main.go", nil),
	})
	require.NoError(t, err)

	row := interfaces.EdgeRow{
		FromKey: models.PathKey(models.LabelDirectory, "/"),
		ToKey:   models.PathKey(models.LabelFile, "/main.go"),
	}
	written, err := store.UpsertEdges(ctx, models.EdgeContains, []interfaces.EdgeRow{row})
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	// Rerun creates nothing.
	written, err = store.UpsertEdges(ctx, models.EdgeContains, []interfaces.EdgeRow{row})
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	edges, err := store.FindEdges(ctx, models.EdgeContains, row.FromKey, "")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, row.ToKey, edges[0].ToKey)
}

func TestStore_EdgeEndpointStubs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertNodes(ctx, models.LabelFunction, []interfaces.NodeRow{{
		Properties: map[string]interface{}{"name": "main", "module": "app"},
	}})
	require.NoError(t, err)

	calleeKey := models.SymbolKey(models.LabelFunction, "helper", "ext")
	written, err := store.UpsertEdges(ctx, models.EdgeCalls, []interfaces.EdgeRow{{
		FromKey:         models.SymbolKey(models.LabelFunction, "main", "app"),
		ToKey:           calleeKey,
		CreateEndpoints: true,
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	stub, err := store.GetNode(ctx, calleeKey)
	require.NoError(t, err)
	assert.Equal(t, models.LabelFunction, stub.Label)
	assert.Equal(t, true, stub.Properties["stub"])
}

func TestStore_FindNodesWithFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertNodes(ctx, models.LabelFunction, []interfaces.NodeRow{
		{Properties: map[string]interface{}{"name": "alpha", "module": "m1"}},
		{Properties: map[string]interface{}{"name": "beta", "module": "m1"}},
		{Properties: map[string]interface{}{"name": "alpha", "module": "m2"}},
	})
	require.NoError(t, err)

	nodes, err := store.FindNodes(ctx, models.LabelFunction, map[string]interface{}{"module": "m1"})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	nodes, err = store.FindNodes(ctx, models.LabelFunction, map[string]interface{}{"name": "alpha", "module": "m2"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, models.SymbolKey(models.LabelFunction, "alpha", "m2"), nodes[0].Key)
}

func TestStore_VectorSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertNodes(ctx, models.LabelSummary, []interfaces.NodeRow{
		{
			Properties: map[string]interface{}{"entity_key": "fn_a", "text": "parses tokens"},
			Embedding:  []float32{1, 0, 0, 0},
		},
		{
			Properties: map[string]interface{}{"entity_key": "fn_b", "text": "writes output"},
			Embedding:  []float32{0, 1, 0, 0},
		},
		{
			Properties: map[string]interface{}{"entity_key": "fn_c", "text": "parses input"},
			Embedding:  []float32{0.9, 0.1, 0, 0},
		},
	})
	require.NoError(t, err)

	matches, err := store.VectorSearch(ctx, models.LabelSummary, []float32{1, 0, 0, 0}, 2, 0.5)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "fn_a", matches[0].Node.Properties["entity_key"])
	assert.GreaterOrEqual(t, matches[0].Score, 0.999)
	assert.Equal(t, "fn_c", matches[1].Node.Properties["entity_key"])
	assert.Greater(t, matches[0].Score, matches[1].Score)

	_, err = store.VectorSearch(ctx, models.LabelSummary, nil, 5, 0)
	require.Error(t, err)
	assert.Equal(t, models.ErrQuery, models.KindOf(err))
}

func TestStore_GetNodeNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetNode(context.Background(), models.PathKey(models.LabelFile, "/nope"))
	require.Error(t, err)
	assert.Equal(t, models.ErrNotFound, models.KindOf(err))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
