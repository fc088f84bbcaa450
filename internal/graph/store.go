// -----------------------------------------------------------------------
// Graph Store - property-graph adapter over BadgerDB
// The only path from pipeline steps to persistent graph state.
// -----------------------------------------------------------------------

package graph

import (
	"context"
	"encoding/gob"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	storage "github.com/ternarybob/codestory/internal/storage/badger"
	"github.com/timshannon/badgerhold/v4"
)

func init() {
	// Node properties travel as interface-typed values through gob.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register([]string{})
	gob.Register(time.Time{})
}

// Store implements interfaces.GraphService over badgerhold. Writes are
// MERGE-style upserts keyed on identity properties, so retries are safe.
type Store struct {
	db     *storage.BadgerDB
	logger arbor.ILogger
	config *common.GraphConfig

	// pool bounds concurrent store operations; metrics are observable.
	pool       chan struct{}
	acquired   int64
	waitTimeMs int64
	maxWaitMs  int64
}

// NewStore creates the graph store on an open badger connection.
func NewStore(db *storage.BadgerDB, config *common.GraphConfig, logger arbor.ILogger) *Store {
	poolSize := config.PoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	return &Store{
		db:     db,
		logger: logger,
		config: config,
		pool:   make(chan struct{}, poolSize),
	}
}

// acquire takes a pool slot, honoring context cancellation.
func (s *Store) acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case s.pool <- struct{}{}:
		waited := time.Since(start).Milliseconds()
		atomic.AddInt64(&s.acquired, 1)
		atomic.AddInt64(&s.waitTimeMs, waited)
		for {
			max := atomic.LoadInt64(&s.maxWaitMs)
			if waited <= max || atomic.CompareAndSwapInt64(&s.maxWaitMs, max, waited) {
				break
			}
		}
		return nil
	case <-ctx.Done():
		return &models.PipelineError{Kind: models.ErrConnection, Message: "graph pool acquire cancelled", Cause: ctx.Err()}
	}
}

func (s *Store) release() {
	<-s.pool
}

// Stats returns pool observability counters.
func (s *Store) Stats() interfaces.PoolStats {
	return interfaces.PoolStats{
		Size:        cap(s.pool),
		Acquired:    atomic.LoadInt64(&s.acquired),
		WaitTimeMs:  atomic.LoadInt64(&s.waitTimeMs),
		MaxWaitTime: atomic.LoadInt64(&s.maxWaitMs),
	}
}

// UpsertNodes merges nodes by identity key. Returns the number of rows
// that created a node or changed its properties; unchanged merges do not
// count, which keeps rerun write-counts at zero.
func (s *Store) UpsertNodes(ctx context.Context, label models.NodeLabel, rows []interfaces.NodeRow) (int, error) {
	batch := interfaces.NewGraphBatch()
	batch.Nodes[label] = rows
	result, err := s.ExecuteBatch(ctx, batch)
	if err != nil {
		return 0, err
	}
	return result.NodesWritten, nil
}

// UpsertEdges merges edges between existing nodes.
func (s *Store) UpsertEdges(ctx context.Context, edgeType models.EdgeType, rows []interfaces.EdgeRow) (int, error) {
	batch := interfaces.NewGraphBatch()
	batch.Edges[edgeType] = rows
	result, err := s.ExecuteBatch(ctx, batch)
	if err != nil {
		return 0, err
	}
	return result.EdgesWritten, nil
}

// ExecuteBatch runs all rows of the batch in one badger transaction,
// atomic across rows, retried with backoff on transient conflicts.
func (s *Store) ExecuteBatch(ctx context.Context, batch *interfaces.GraphBatch) (*interfaces.BatchResult, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var result *interfaces.BatchResult
	err := s.withRetry(ctx, func() error {
		result = &interfaces.BatchResult{}
		return s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
			gtx := &graphTxn{store: s, txn: txn}
			for label, rows := range batch.Nodes {
				for _, row := range rows {
					changed, err := gtx.UpsertNode(label, row)
					if err != nil {
						return err
					}
					if changed {
						result.NodesWritten++
					}
				}
			}
			for edgeType, rows := range batch.Edges {
				for _, row := range rows {
					created, err := gtx.UpsertEdge(edgeType, row)
					if err != nil {
						return err
					}
					if created {
						result.EdgesWritten++
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WithTransaction runs fn inside a transaction handle, retried on
// classified transient errors with exponential backoff.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx interfaces.GraphTxn) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	return s.withRetry(ctx, func() error {
		return s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
			return fn(&graphTxn{store: s, txn: txn})
		})
	})
}

// GetNode fetches a node by identity key.
func (s *Store) GetNode(ctx context.Context, key string) (*models.Node, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var node models.Node
	if err := s.db.Store().Get(key, &node); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewPipelineError(models.ErrNotFound, "node not found: %s", key)
		}
		return nil, s.queryError("get node", err)
	}
	return &node, nil
}

// FindNodes returns nodes of a label whose properties equal the filters.
func (s *Store) FindNodes(ctx context.Context, label models.NodeLabel, filters map[string]interface{}) ([]*models.Node, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var nodes []models.Node
	if err := s.db.Store().Find(&nodes, badgerhold.Where("Label").Eq(label).Index("Label")); err != nil {
		return nil, s.queryError("find nodes", err)
	}

	result := make([]*models.Node, 0, len(nodes))
	for i := range nodes {
		if matchesFilters(&nodes[i], filters) {
			result = append(result, &nodes[i])
		}
	}
	return result, nil
}

// FindEdges returns edges of a type; empty fromKey/toKey match any.
func (s *Store) FindEdges(ctx context.Context, edgeType models.EdgeType, fromKey, toKey string) ([]*models.Edge, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	query := badgerhold.Where("Type").Eq(edgeType).Index("Type")
	if fromKey != "" {
		query = query.And("FromKey").Eq(fromKey)
	}
	if toKey != "" {
		query = query.And("ToKey").Eq(toKey)
	}

	var edges []models.Edge
	if err := s.db.Store().Find(&edges, query); err != nil {
		return nil, s.queryError("find edges", err)
	}

	result := make([]*models.Edge, len(edges))
	for i := range edges {
		result[i] = &edges[i]
	}
	return result, nil
}

// Close releases the store. The underlying connection is owned by the
// storage manager and closed there.
func (s *Store) Close() error {
	return nil
}

// queryError wraps a non-transient store failure. Parameters are not
// included; only the operation name travels in the message.
func (s *Store) queryError(op string, err error) error {
	return &models.PipelineError{Kind: models.ErrQuery, Message: fmt.Sprintf("graph %s failed", op), Cause: err}
}

// matchesFilters reports whether all filter properties equal the node's.
func matchesFilters(node *models.Node, filters map[string]interface{}) bool {
	for k, v := range filters {
		actual, ok := node.Properties[k]
		if !ok || !looseEqual(actual, v) {
			return false
		}
	}
	return true
}

// looseEqual compares property values across the numeric widenings a
// storage round-trip can introduce.
func looseEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
