// -----------------------------------------------------------------------
// Summarizer Step - LLM summaries over the code-entity dependency DAG
// -----------------------------------------------------------------------

package summarizer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	"github.com/ternarybob/codestory/internal/steps/astextract"
	"github.com/ternarybob/codestory/internal/steps/filesystem"
)

// StepName is the registered identifier for this step.
const StepName = "summarizer"

// KnownParams lists the parameter keys this step accepts.
var KnownParams = []string{
	"max_concurrency",
	"max_tokens_per_file",
	"requests_per_second",
}

const (
	defaultMaxConcurrency = 5
	defaultMaxTokens      = 2000
	defaultRequestsPerSec = 5.0
	charsPerToken         = 4
)

// Step computes natural-language summaries and embeddings for code
// entities, dependency-ordered so a class summary sees its methods'
// summaries and a module summary sees its classes'.
type Step struct{}

var _ interfaces.Step = (*Step)(nil)

// New constructs a fresh instance.
func New() interfaces.Step {
	return &Step{}
}

func (s *Step) Name() string { return StepName }

// DeclaredDependencies: entities come from the extraction tool over the
// filesystem tree.
func (s *Step) DeclaredDependencies(params map[string]interface{}) []string {
	return []string{filesystem.StepName, astextract.StepName}
}

// RetryPolicy retries provider and transport failures; anything else is
// terminal.
func (s *Step) RetryPolicy() interfaces.RetryPolicy {
	return interfaces.RetryPolicy{
		Classify: func(err error) bool {
			switch models.KindOf(err) {
			case models.ErrLLM, models.ErrConnection, models.ErrTransientGraph, models.ErrTimeout:
				return true
			}
			return false
		},
	}
}

// Run loads the entity set, layers it by dependency, and walks the layers
// with bounded concurrency and a request rate limit.
func (s *Step) Run(ctx context.Context, sc *interfaces.StepContext) error {
	maxConcurrency := sc.ParamInt("max_concurrency", defaultMaxConcurrency)
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	maxChars := sc.ParamInt("max_tokens_per_file", defaultMaxTokens) * charsPerToken
	limiter := rate.NewLimiter(rate.Limit(sc.ParamFloat("requests_per_second", defaultRequestsPerSec)), 1)

	entities, graph, err := s.loadEntities(ctx, sc)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		sc.Publisher.Progress(1.0, "no code entities to summarize", nil)
		return nil
	}

	layers := graph.layers()
	total := len(entities)

	w := &summaryWalker{
		sc:        sc,
		entities:  entities,
		graph:     graph,
		maxChars:  maxChars,
		limiter:   limiter,
		summaries: make(map[string]string, total),
		counters:  map[string]int{"entities": total},
	}

	sem := make(chan struct{}, maxConcurrency)
	done := 0
	for _, layer := range layers {
		if err := w.runLayer(ctx, layer, sem); err != nil {
			return err
		}
		for _, comp := range layer {
			done += len(comp.keys)
		}
		sc.Publisher.Progress(float64(done)/float64(total),
			fmt.Sprintf("summarized %d/%d entities", done, total), w.counters)
	}

	sc.Publisher.Progress(1.0, "summarization complete", w.counters)
	sc.Logger.Info().
		Int("entities", total).
		Int("summarized", w.counters["summarized"]).
		Int("skipped_unchanged", w.counters["skipped_unchanged"]).
		Msg("Summarizer step complete")
	return nil
}

// loadEntities reads Module/Class/Function nodes and the dependency edges
// among them.
func (s *Step) loadEntities(ctx context.Context, sc *interfaces.StepContext) (map[string]*entity, *entityGraph, error) {
	entities := make(map[string]*entity)
	g := newEntityGraph()

	for _, label := range []models.NodeLabel{models.LabelModule, models.LabelClass, models.LabelFunction} {
		nodes, err := sc.Graph.FindNodes(ctx, label, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load %s nodes: %w", label, err)
		}
		for _, n := range nodes {
			if stub, _ := n.Properties["stub"].(bool); stub {
				continue
			}
			name, _ := n.Properties["name"].(string)
			module, _ := n.Properties["module"].(string)
			e := &entity{
				key:    n.Key,
				label:  label,
				name:   name,
				module: module,
				node:   n,
			}
			e.docstr, _ = n.Properties["docstring"].(string)
			e.source = s.sourceFor(ctx, sc, n)
			entities[n.Key] = e
			g.addNode(n.Key)
		}
	}

	// The summary of a container/caller wants its members/callees first.
	for _, edgeType := range []models.EdgeType{
		models.EdgeContains, models.EdgeDefines, models.EdgeCalls, models.EdgeInheritsFrom,
	} {
		edges, err := sc.Graph.FindEdges(ctx, edgeType, "", "")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load %s edges: %w", edgeType, err)
		}
		for _, e := range edges {
			g.addDep(e.FromKey, e.ToKey)
		}
	}
	return entities, g, nil
}

// sourceFor extracts the entity's source snippet from its file node.
func (s *Step) sourceFor(ctx context.Context, sc *interfaces.StepContext, n *models.Node) string {
	if src, ok := n.Properties["source"].(string); ok && src != "" {
		return src
	}
	filePath, _ := n.Properties["file_path"].(string)
	if filePath == "" {
		return ""
	}
	fileNode, err := sc.Graph.GetNode(ctx, models.PathKey(models.LabelFile, filePath))
	if err != nil {
		return ""
	}
	content, _ := fileNode.Properties["content"].(string)
	return content
}

// summaryWalker carries the walk state across layers.
type summaryWalker struct {
	sc       *interfaces.StepContext
	entities map[string]*entity
	graph    *entityGraph
	maxChars int
	limiter  *rate.Limiter

	mu        sync.Mutex
	summaries map[string]string
	counters  map[string]int
}

// runLayer processes one layer's components concurrently, bounded by sem.
// The first failure cancels the remainder of the layer.
func (w *summaryWalker) runLayer(ctx context.Context, layer []component, sem chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for _, comp := range layer {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()
		}

		wg.Add(1)
		go func(comp component) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := w.summarizeComponent(ctx, comp); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(comp)
	}

	wg.Wait()
	return firstErr
}

// summarizeComponent summarizes one entity or one mutually recursive set,
// skipping unchanged context hashes, then writes Summary nodes and
// SummarizedBy edges in one transaction.
func (w *summaryWalker) summarizeComponent(ctx context.Context, comp component) error {
	ents := make([]*entity, 0, len(comp.keys))
	for _, key := range comp.keys {
		e := w.entities[key]
		e.children = w.childSummaries(key)
		ents = append(ents, e)
	}

	hash := contextHash(ents)
	if w.reuseExisting(ctx, ents, hash) {
		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	text, err := w.sc.LLM.Chat(ctx, buildPrompt(ents, w.maxChars))
	if err != nil {
		return fmt.Errorf("failed to summarize %s: %w", comp.keys[0], err)
	}

	perEntity := splitSummaries(text, ents)
	batch := interfaces.NewGraphBatch()

	for _, e := range ents {
		summary := perEntity[e.key]
		embedding, err := w.sc.Embedder.GenerateEmbedding(ctx, summary)
		if err != nil {
			return fmt.Errorf("failed to embed summary for %s: %w", e.key, err)
		}
		batch.AddNode(models.LabelSummary, interfaces.NodeRow{
			Properties: map[string]interface{}{
				"entity_key":   e.key,
				"text":         summary,
				"content_hash": hash,
			},
			Embedding: embedding,
		})
		batch.AddEdge(models.EdgeSummarizedBy, interfaces.EdgeRow{
			FromKey: e.key,
			ToKey:   models.SummaryKey(e.key),
		})
		w.record(e.key, summary, "summarized")
	}

	if _, err := w.sc.Graph.ExecuteBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to write summaries: %w", err)
	}
	return nil
}

// reuseExisting loads stored summaries when every member's context hash
// matches, avoiding the LLM round-trip entirely.
func (w *summaryWalker) reuseExisting(ctx context.Context, ents []*entity, hash string) bool {
	texts := make(map[string]string, len(ents))
	for _, e := range ents {
		node, err := w.sc.Graph.GetNode(ctx, models.SummaryKey(e.key))
		if err != nil {
			return false
		}
		stored, _ := node.Properties["content_hash"].(string)
		if stored != hash {
			return false
		}
		texts[e.key], _ = node.Properties["text"].(string)
	}
	for key, text := range texts {
		w.record(key, text, "skipped_unchanged")
	}
	return true
}

// childSummaries collects the already-computed summaries of this entity's
// dependencies, in dependency declaration order.
func (w *summaryWalker) childSummaries(key string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string
	seen := make(map[string]bool)
	for _, dep := range w.graph.deps[key] {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if text, ok := w.summaries[dep]; ok && text != "" {
			out = append(out, text)
		}
	}
	return out
}

func (w *summaryWalker) record(key, text, counter string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summaries[key] = text
	w.counters[counter]++
}
