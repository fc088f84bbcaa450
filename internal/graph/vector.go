// -----------------------------------------------------------------------
// Vector Search - cosine similarity over label-scoped embeddings
// -----------------------------------------------------------------------

package graph

import (
	"context"
	"math"
	"sort"

	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// VectorSearch returns up to k nodes of the label ranked by cosine
// similarity against the query embedding, dropping hits below
// minSimilarity. The scan is exact over the label's index.
func (s *Store) VectorSearch(ctx context.Context, label models.NodeLabel, embedding []float32, k int, minSimilarity float64) ([]interfaces.VectorMatch, error) {
	if len(embedding) == 0 {
		return nil, models.NewPipelineError(models.ErrQuery, "vector search requires a non-empty query embedding")
	}
	if k <= 0 {
		k = 10
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var nodes []models.Node
	if err := s.db.Store().Find(&nodes, badgerhold.Where("Label").Eq(label).Index("Label")); err != nil {
		return nil, s.queryError("vector search", err)
	}

	matches := make([]interfaces.VectorMatch, 0, len(nodes))
	for i := range nodes {
		if len(nodes[i].Embedding) != len(embedding) {
			continue
		}
		score := CosineSimilarity(embedding, nodes[i].Embedding)
		if score < minSimilarity {
			continue
		}
		matches = append(matches, interfaces.VectorMatch{Node: &nodes[i], Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 for zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
