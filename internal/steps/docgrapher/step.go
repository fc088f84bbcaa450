// -----------------------------------------------------------------------
// DocGrapher Step - documentation nodes linked into the code graph
// -----------------------------------------------------------------------

package docgrapher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	"github.com/ternarybob/codestory/internal/steps/astextract"
	"github.com/ternarybob/codestory/internal/steps/filesystem"
)

// StepName is the registered identifier for this step.
const StepName = "docgrapher"

// KnownParams lists the parameter keys this step accepts.
var KnownParams = []string{
	"supported_formats",
	"link_threshold",
	"max_embed_chars",
}

var defaultFormats = []string{"**/*.md", "**/*.rst", "**/README*"}

const (
	defaultLinkThreshold = 0.8
	defaultMaxEmbedChars = 8000
)

// Step locates documentation artifacts among the walked files, parses
// them into Documentation nodes, and links identifier and path mentions
// to existing code nodes. Unresolvable mentions become
// DocumentationEntity stubs so the reference survives.
type Step struct{}

var _ interfaces.Step = (*Step)(nil)

// New constructs a fresh instance.
func New() interfaces.Step {
	return &Step{}
}

func (s *Step) Name() string { return StepName }

// DeclaredDependencies: the file tree always; the symbol extraction only
// when the job actually requested it (richer linking).
func (s *Step) DeclaredDependencies(params map[string]interface{}) []string {
	deps := []string{filesystem.StepName}
	if requested, ok := params[interfaces.RequestedStepsParam].([]string); ok {
		for _, name := range requested {
			if name == astextract.StepName {
				deps = append(deps, astextract.StepName)
				break
			}
		}
	}
	return deps
}

// RetryPolicy retries provider and store transients.
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

// Run selects documentation files, parses and links each, and writes one
// batch per document.
func (s *Step) Run(ctx context.Context, sc *interfaces.StepContext) error {
	formats := sc.ParamStringSlice("supported_formats")
	if len(formats) == 0 {
		formats = defaultFormats
	}
	threshold := sc.ParamFloat("link_threshold", defaultLinkThreshold)
	maxEmbed := sc.ParamInt("max_embed_chars", defaultMaxEmbedChars)

	files, err := sc.Graph.FindNodes(ctx, models.LabelFile, nil)
	if err != nil {
		return fmt.Errorf("failed to load file nodes: %w", err)
	}

	lk := newLinker(threshold)
	for _, f := range files {
		if path, ok := f.Properties["path"].(string); ok {
			lk.addFile(path)
		}
	}
	if err := s.loadCandidates(ctx, sc, lk); err != nil {
		return err
	}

	docs := selectDocs(files, formats)
	if len(docs) == 0 {
		sc.Publisher.Progress(1.0, "no documentation artifacts found", nil)
		return nil
	}

	counters := map[string]int{"documents": len(docs)}
	for i, doc := range docs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.processDoc(ctx, sc, lk, doc, maxEmbed, counters); err != nil {
			return err
		}
		sc.Publisher.Progress(float64(i+1)/float64(len(docs)),
			fmt.Sprintf("processed %d/%d documents", i+1, len(docs)), counters)
	}

	sc.Publisher.Progress(1.0, "documentation graph complete", counters)
	sc.Logger.Info().
		Int("documents", counters["documents"]).
		Int("linked", counters["linked"]).
		Int("stubs", counters["stubs"]).
		Msg("DocGrapher step complete")
	return nil
}

// loadCandidates indexes the symbol nodes when extraction ran.
func (s *Step) loadCandidates(ctx context.Context, sc *interfaces.StepContext, lk *linker) error {
	for _, label := range []models.NodeLabel{models.LabelModule, models.LabelClass, models.LabelFunction} {
		nodes, err := sc.Graph.FindNodes(ctx, label, nil)
		if err != nil {
			return fmt.Errorf("failed to load %s nodes: %w", label, err)
		}
		for _, n := range nodes {
			if stub, _ := n.Properties["stub"].(bool); stub {
				continue
			}
			name, _ := n.Properties["name"].(string)
			module, _ := n.Properties["module"].(string)
			filePath, _ := n.Properties["file_path"].(string)
			lk.addCandidate(&candidate{
				Key:      n.Key,
				Label:    label,
				Name:     name,
				Module:   module,
				FilePath: filePath,
			})
		}
	}
	return nil
}

// processDoc parses one documentation file, writes its node, and links
// every resolvable mention.
func (s *Step) processDoc(ctx context.Context, sc *interfaces.StepContext, lk *linker,
	doc *models.Node, maxEmbed int, counters map[string]int) error {

	path, _ := doc.Properties["path"].(string)
	content, _ := doc.Properties["content"].(string)
	if content == "" {
		counters["skipped_empty"]++
		return nil
	}

	var parsed *parsedDoc
	var err error
	if strings.EqualFold(filepath.Ext(path), ".md") {
		parsed, err = parseMarkdown([]byte(content))
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		parsed = parsePlain([]byte(content))
	}
	if parsed.Title == "" {
		parsed.Title = filepath.Base(path)
	}

	embedText := content
	if len(embedText) > maxEmbed {
		embedText = embedText[:maxEmbed]
	}
	embedding, err := sc.Embedder.GenerateEmbedding(ctx, embedText)
	if err != nil {
		return fmt.Errorf("failed to embed documentation %s: %w", path, err)
	}

	docKey := models.PathKey(models.LabelDocumentation, path)
	batch := interfaces.NewGraphBatch()
	batch.AddNode(models.LabelDocumentation, interfaces.NodeRow{
		Properties: map[string]interface{}{
			"path":    path,
			"title":   parsed.Title,
			"content": content,
		},
		Embedding: embedding,
	})

	seen := make(map[string]bool)
	for _, m := range parsed.Mentions {
		if seen[m.Text] {
			continue
		}
		seen[m.Text] = true

		if m.Path {
			if target := lk.resolvePath(m); target != "" {
				batch.AddEdge(models.EdgeReferences, interfaces.EdgeRow{
					FromKey: docKey,
					ToKey:   models.PathKey(models.LabelFile, target),
				})
				counters["linked"]++
			}
			continue
		}

		if c := lk.resolve(m); c != nil {
			// The code entity is documented by this artifact.
			batch.AddEdge(models.EdgeDocumentedBy, interfaces.EdgeRow{
				FromKey: c.Key,
				ToKey:   docKey,
			})
			counters["linked"]++
			continue
		}

		// No code node to land on: keep the mention as a stub with its
		// text range so later runs can upgrade it.
		batch.AddNode(models.LabelDocEntity, interfaces.NodeRow{
			Properties: map[string]interface{}{
				"name":     m.Text,
				"doc_path": path,
				"range":    fmt.Sprintf("%d:%d", m.Start, m.End),
			},
		})
		batch.AddEdge(models.EdgeReferences, interfaces.EdgeRow{
			FromKey: docKey,
			ToKey:   models.DocEntityKey(m.Text, path),
		})
		counters["stubs"]++
	}

	if _, err := sc.Graph.ExecuteBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to write documentation graph for %s: %w", path, err)
	}
	return nil
}

// selectDocs filters file nodes by the supported-format globs.
func selectDocs(files []*models.Node, formats []string) []*models.Node {
	var docs []*models.Node
	for _, f := range files {
		path, _ := f.Properties["path"].(string)
		if path == "" {
			continue
		}
		rel := strings.TrimPrefix(path, "/")
		for _, pattern := range formats {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				docs = append(docs, f)
				break
			}
		}
	}
	return docs
}
