// -----------------------------------------------------------------------
// Symbol stream ingestion - NDJSON records from the extraction tool
// -----------------------------------------------------------------------

package astextract

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
)

// symbolRecord is one line of the tool's output stream. Node records must
// precede edge records that reference them.
type symbolRecord struct {
	Kind       string                 `json:"kind"` // node | edge
	Label      string                 `json:"label,omitempty"`
	Type       string                 `json:"type,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	From       *symbolRef             `json:"from,omitempty"`
	To         *symbolRef             `json:"to,omitempty"`
}

// symbolRef identifies a node endpoint by label plus identity properties.
type symbolRef struct {
	Label      string                 `json:"label"`
	Properties map[string]interface{} `json:"properties"`
}

// allowed entity and relation kinds for the symbol stream.
var (
	symbolLabels = map[models.NodeLabel]bool{
		models.LabelModule:   true,
		models.LabelClass:    true,
		models.LabelFunction: true,
	}
	symbolEdges = map[models.EdgeType]bool{
		models.EdgeImports:      true,
		models.EdgeCalls:        true,
		models.EdgeInheritsFrom: true,
		models.EdgeDefines:      true,
		models.EdgeContains:     true,
	}
)

// ingester batches parsed symbol records into graph writes. Counters are
// mutex-guarded: the stderr progress reporter reads them while the stdout
// goroutine ingests.
type ingester struct {
	sc        *interfaces.StepContext
	batchSize int
	batch     *interfaces.GraphBatch
	lineNo    int

	mu       sync.Mutex
	counters map[string]int
}

func newIngester(sc *interfaces.StepContext, batchSize int) *ingester {
	return &ingester{
		sc:        sc,
		batchSize: batchSize,
		batch:     interfaces.NewGraphBatch(),
		counters:  map[string]int{},
	}
}

// consume reads the NDJSON stream to EOF, flushing full batches as it
// goes. A malformed line fails the whole step with line diagnostics.
func (g *ingester) consume(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec symbolRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return g.malformed("invalid JSON: %v", err)
		}
		if err := g.add(rec); err != nil {
			return err
		}
		if g.batch.Size() >= g.batchSize {
			if err := g.flush(ctx); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed reading tool output: %w", err)
	}
	return g.flush(ctx)
}

// add validates one record and appends it to the current batch.
func (g *ingester) add(rec symbolRecord) error {
	switch rec.Kind {
	case "node":
		label := models.NodeLabel(rec.Label)
		if !symbolLabels[label] {
			return g.malformed("unexpected node label %q", rec.Label)
		}
		if _, err := models.NodeKey(label, rec.Properties); err != nil {
			return g.malformed("bad node identity: %v", err)
		}
		g.batch.AddNode(label, interfaces.NodeRow{Properties: rec.Properties})
		g.inc("nodes", 1)

	case "edge":
		edgeType := models.EdgeType(rec.Type)
		if !symbolEdges[edgeType] {
			return g.malformed("unexpected edge type %q", rec.Type)
		}
		if rec.From == nil || rec.To == nil {
			return g.malformed("edge record missing endpoints")
		}
		fromKey, err := refKey(rec.From)
		if err != nil {
			return g.malformed("bad edge source: %v", err)
		}
		toKey, err := refKey(rec.To)
		if err != nil {
			return g.malformed("bad edge target: %v", err)
		}
		// Call/inheritance targets may live outside the repo; stubs keep
		// the reference without inventing symbol payloads.
		createEndpoints := edgeType == models.EdgeCalls || edgeType == models.EdgeInheritsFrom ||
			edgeType == models.EdgeImports
		g.batch.AddEdge(edgeType, interfaces.EdgeRow{
			FromKey:         fromKey,
			ToKey:           toKey,
			Properties:      rec.Properties,
			CreateEndpoints: createEndpoints,
		})
		g.inc("edges", 1)

	default:
		return g.malformed("unexpected record kind %q", rec.Kind)
	}
	return nil
}

func (g *ingester) flush(ctx context.Context) error {
	if g.batch.Size() == 0 {
		return nil
	}
	result, err := g.sc.Graph.ExecuteBatch(ctx, g.batch)
	if err != nil {
		return fmt.Errorf("failed to write symbol batch: %w", err)
	}
	g.inc("nodes_written", result.NodesWritten)
	g.inc("edges_written", result.EdgesWritten)
	g.inc("batches", 1)
	g.batch = interfaces.NewGraphBatch()
	return nil
}

func (g *ingester) inc(key string, n int) {
	g.mu.Lock()
	g.counters[key] += n
	g.mu.Unlock()
}

// snapshot returns indeterminate progress plus a copy of the counters.
// The tool does not announce totals, so percent stays below completion
// until the stream closes.
func (g *ingester) snapshot() (float64, map[string]int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	counters := make(map[string]int, len(g.counters))
	for k, v := range g.counters {
		counters[k] = v
	}
	seen := counters["nodes"] + counters["edges"]
	percent := float64(seen) / float64(seen+500)
	if percent > 0.95 {
		percent = 0.95
	}
	return percent, counters
}

func (g *ingester) malformed(format string, args ...interface{}) error {
	return models.NewPipelineError(models.ErrExternalTool,
		"malformed tool output at line %d: %s", g.lineNo, fmt.Sprintf(format, args...))
}

// refKey resolves an endpoint reference to a node identity key, accepting
// an explicit File/Directory label for Contains edges into the tree.
func refKey(ref *symbolRef) (string, error) {
	label := models.NodeLabel(ref.Label)
	if !symbolLabels[label] && label != models.LabelFile && label != models.LabelDirectory {
		return "", fmt.Errorf("unexpected endpoint label %q", ref.Label)
	}
	return models.NodeKey(label, ref.Properties)
}
