package interfaces

import (
	"context"

	"github.com/ternarybob/codestory/internal/models"
)

// NodeRow is one node upsert: identity properties plus payload fields.
// Properties must include the label's identity keys.
type NodeRow struct {
	Properties map[string]interface{}
	Embedding  []float32
}

// EdgeRow is one edge upsert between two node identity keys.
type EdgeRow struct {
	FromKey    string
	ToKey      string
	Properties map[string]interface{}

	// CreateEndpoints permits stub endpoint creation when a referenced
	// node does not exist yet. Off by default per the step contract.
	CreateEndpoints bool
}

// GraphBatch groups node and edge upserts executed atomically in a single
// transaction.
type GraphBatch struct {
	Nodes map[models.NodeLabel][]NodeRow
	Edges map[models.EdgeType][]EdgeRow
}

// NewGraphBatch returns an empty batch.
func NewGraphBatch() *GraphBatch {
	return &GraphBatch{
		Nodes: make(map[models.NodeLabel][]NodeRow),
		Edges: make(map[models.EdgeType][]EdgeRow),
	}
}

// AddNode appends a node row to the batch.
func (b *GraphBatch) AddNode(label models.NodeLabel, row NodeRow) {
	b.Nodes[label] = append(b.Nodes[label], row)
}

// AddEdge appends an edge row to the batch.
func (b *GraphBatch) AddEdge(edgeType models.EdgeType, row EdgeRow) {
	b.Edges[edgeType] = append(b.Edges[edgeType], row)
}

// Size returns the total number of rows in the batch.
func (b *GraphBatch) Size() int {
	n := 0
	for _, rows := range b.Nodes {
		n += len(rows)
	}
	for _, rows := range b.Edges {
		n += len(rows)
	}
	return n
}

// BatchResult reports what a batch actually changed. Unchanged merges do
// not count, which is what makes rerun idempotence observable.
type BatchResult struct {
	NodesWritten int
	EdgesWritten int
}

// VectorMatch is one vector search hit.
type VectorMatch struct {
	Node  *models.Node
	Score float64
}

// GraphTxn is the transaction handle passed to WithTransaction callbacks.
// All writes through the handle commit or roll back together.
type GraphTxn interface {
	UpsertNode(label models.NodeLabel, row NodeRow) (bool, error)
	UpsertEdge(edgeType models.EdgeType, row EdgeRow) (bool, error)
	GetNode(key string) (*models.Node, error)
}

// PoolStats exposes connection pool observability counters.
type PoolStats struct {
	Size        int
	Acquired    int64
	WaitTimeMs  int64
	MaxWaitTime int64
}

// GraphService is the only path from steps to persistent graph state.
// Operations are safe for concurrent use from multiple workers.
type GraphService interface {
	// InitializeSchema creates indexes for the entity set. Safe to call
	// repeatedly; force drops and recreates incompatible objects.
	InitializeSchema(ctx context.Context, force bool) error

	// UpsertNodes merges nodes by identity key. Returns how many rows
	// created or changed a node.
	UpsertNodes(ctx context.Context, label models.NodeLabel, rows []NodeRow) (int, error)

	// UpsertEdges merges edges between existing nodes. Returns how many
	// rows created an edge.
	UpsertEdges(ctx context.Context, edgeType models.EdgeType, rows []EdgeRow) (int, error)

	// ExecuteBatch runs all rows in one transaction, atomic across rows,
	// retried on transient failures.
	ExecuteBatch(ctx context.Context, batch *GraphBatch) (*BatchResult, error)

	// GetNode fetches a node by identity key.
	GetNode(ctx context.Context, key string) (*models.Node, error)

	// FindNodes returns nodes of a label whose properties equal filters.
	FindNodes(ctx context.Context, label models.NodeLabel, filters map[string]interface{}) ([]*models.Node, error)

	// FindEdges returns edges of a type; empty fromKey/toKey match any.
	FindEdges(ctx context.Context, edgeType models.EdgeType, fromKey, toKey string) ([]*models.Edge, error)

	// VectorSearch returns up to k nodes of the label ranked by cosine
	// similarity against the query embedding, filtered by minSimilarity.
	VectorSearch(ctx context.Context, label models.NodeLabel, embedding []float32, k int, minSimilarity float64) ([]VectorMatch, error)

	// WithTransaction runs fn in a transaction, retried with backoff on
	// classified transient errors.
	WithTransaction(ctx context.Context, fn func(tx GraphTxn) error) error

	// Stats returns pool observability counters.
	Stats() PoolStats

	// Close releases the store.
	Close() error
}
