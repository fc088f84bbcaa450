package graph

import (
	"context"
	"math/rand"
	"reflect"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// Retry bounds for transient transaction failures. Badger aborts
// conflicting transactions rather than blocking, so retry is the normal
// resolution path under concurrent writers.
const (
	maxTxRetries      = 3
	txRetryBaseDelay  = 100 * time.Millisecond
	txRetryMultiplier = 1.5
)

// graphTxn implements interfaces.GraphTxn over one badger transaction.
type graphTxn struct {
	store *Store
	txn   *badgerdb.Txn
}

// UpsertNode merges one node by identity key inside the transaction.
// Returns true when the row created the node or changed its fields.
func (t *graphTxn) UpsertNode(label models.NodeLabel, row interfaces.NodeRow) (bool, error) {
	key, err := models.NodeKey(label, row.Properties)
	if err != nil {
		return false, &models.PipelineError{Kind: models.ErrQuery, Message: "invalid node row", Cause: err}
	}

	var existing models.Node
	getErr := t.store.db.Store().TxGet(t.txn, key, &existing)
	now := time.Now()

	if getErr == badgerhold.ErrNotFound {
		node := models.Node{
			Key:        key,
			Label:      label,
			Properties: row.Properties,
			Embedding:  row.Embedding,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := t.store.db.Store().TxUpsert(t.txn, key, &node); err != nil {
			return false, err
		}
		return true, nil
	}
	if getErr != nil {
		return false, getErr
	}

	// Merge: non-key fields are last-writer-wins; unchanged merges are
	// skipped so rerun write-counts stay at zero.
	if propsEqual(existing.Properties, row.Properties) && embeddingsEqual(existing.Embedding, row.Embedding) {
		return false, nil
	}

	existing.Properties = mergeProperties(existing.Properties, row.Properties)
	if row.Embedding != nil {
		existing.Embedding = row.Embedding
	}
	existing.UpdatedAt = now
	if err := t.store.db.Store().TxUpsert(t.txn, key, &existing); err != nil {
		return false, err
	}
	return true, nil
}

// UpsertEdge merges one edge inside the transaction. Endpoints must exist
// unless the row explicitly permits stub creation. Returns true when the
// edge was created.
func (t *graphTxn) UpsertEdge(edgeType models.EdgeType, row interfaces.EdgeRow) (bool, error) {
	for _, endpoint := range []string{row.FromKey, row.ToKey} {
		var node models.Node
		err := t.store.db.Store().TxGet(t.txn, endpoint, &node)
		if err == badgerhold.ErrNotFound {
			if !row.CreateEndpoints {
				return false, models.NewPipelineError(models.ErrQuery,
					"edge %s endpoint does not exist: %s", edgeType, endpoint)
			}
			stub := models.Node{
				Key:        endpoint,
				Label:      labelFromKey(endpoint),
				Properties: map[string]interface{}{"stub": true},
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			}
			if err := t.store.db.Store().TxUpsert(t.txn, endpoint, &stub); err != nil {
				return false, err
			}
		} else if err != nil {
			return false, err
		}
	}

	key := models.EdgeKey(edgeType, row.FromKey, row.ToKey)
	var existing models.Edge
	getErr := t.store.db.Store().TxGet(t.txn, key, &existing)
	if getErr == nil {
		return false, nil
	}
	if getErr != badgerhold.ErrNotFound {
		return false, getErr
	}

	edge := models.Edge{
		Key:        key,
		Type:       edgeType,
		FromKey:    row.FromKey,
		ToKey:      row.ToKey,
		Properties: row.Properties,
		CreatedAt:  time.Now(),
	}
	if err := t.store.db.Store().TxUpsert(t.txn, key, &edge); err != nil {
		return false, err
	}
	return true, nil
}

// GetNode fetches a node by key inside the transaction.
func (t *graphTxn) GetNode(key string) (*models.Node, error) {
	var node models.Node
	if err := t.store.db.Store().TxGet(t.txn, key, &node); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NewPipelineError(models.ErrNotFound, "node not found: %s", key)
		}
		return nil, err
	}
	return &node, nil
}

// withRetry retries fn on classified transient errors with exponential
// backoff and jitter.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	delay := txRetryBaseDelay
	var lastErr error

	for attempt := 0; attempt <= maxTxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay = time.Duration(float64(delay) * txRetryMultiplier)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		s.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Msg("Transient graph error, retrying transaction")
	}

	return &models.PipelineError{Kind: models.ErrTransientGraph, Message: "graph transaction retries exhausted", Cause: lastErr}
}

// IsTransient classifies retryable graph failures: transaction conflicts
// and the store's internal contention errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if err == badgerdb.ErrConflict {
		return true
	}
	if models.KindOf(err) == models.ErrTransientGraph {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction Conflict") ||
		strings.Contains(msg, "connection reset")
}

// labelFromKey recovers the label prefix from an identity key when
// creating endpoint stubs.
func labelFromKey(key string) models.NodeLabel {
	if idx := strings.IndexByte(key, '|'); idx > 0 {
		return models.NodeLabel(key[:idx])
	}
	return models.LabelDocEntity
}

// mergeProperties overlays incoming onto existing without dropping fields
// earlier steps annotated.
func mergeProperties(existing, incoming map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

// propsEqual compares incoming properties against stored ones; incoming
// is a subset match so annotation-only nodes stay stable.
func propsEqual(existing, incoming map[string]interface{}) bool {
	for k, v := range incoming {
		actual, ok := existing[k]
		if !ok || !looseEqual(actual, v) {
			return false
		}
	}
	return true
}

func embeddingsEqual(a, b []float32) bool {
	if b == nil {
		return true
	}
	return reflect.DeepEqual(a, b)
}
