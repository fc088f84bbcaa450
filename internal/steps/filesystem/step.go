// -----------------------------------------------------------------------
// Filesystem Step - walks the repository into File/Directory graph nodes
// -----------------------------------------------------------------------

package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/zeebo/blake3"

	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
)

// StepName is the registered identifier for this step.
const StepName = "filesystem"

// KnownParams lists the parameter keys this step accepts.
var KnownParams = []string{
	"ignore_patterns",
	"hash_algorithm",
	"batch_size",
	"max_content_bytes",
	"max_file_size",
}

// defaultIgnores are applied before .gitignore and configured patterns.
var defaultIgnores = []string{
	".git/",
	"node_modules/",
	"__pycache__/",
	".venv/",
	"vendor/",
	".idea/",
	".vscode/",
}

const (
	defaultBatchSize       = 500
	defaultMaxContentBytes = 64 * 1024
	defaultMaxFileSize     = 10 * 1024 * 1024
)

// Step walks repo_path producing Directory and File nodes with Contains
// edges. Content hashes make reruns over unchanged trees write nothing.
type Step struct{}

var _ interfaces.Step = (*Step)(nil)

// New constructs a fresh instance.
func New() interfaces.Step {
	return &Step{}
}

func (s *Step) Name() string { return StepName }

// DeclaredDependencies: none, this is the pipeline root.
func (s *Step) DeclaredDependencies(params map[string]interface{}) []string {
	return nil
}

// RetryPolicy retries everything except pipeline misconfiguration; the
// interesting transient failures (graph conflicts) are absorbed below the
// step by the store itself.
func (s *Step) RetryPolicy() interfaces.RetryPolicy {
	return interfaces.RetryPolicy{
		Classify: func(err error) bool {
			return models.KindOf(err) != models.ErrRepoNotAccessible
		},
	}
}

// Run performs a counting pass for the progress estimate, then walks the
// tree writing batched upserts.
func (s *Step) Run(ctx context.Context, sc *interfaces.StepContext) error {
	batchSize := sc.ParamInt("batch_size", defaultBatchSize)
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	maxContent := sc.ParamInt("max_content_bytes", defaultMaxContentBytes)
	maxFileSize := int64(sc.ParamInt("max_file_size", defaultMaxFileSize))
	hasher, err := newHasher(sc.ParamString("hash_algorithm", "blake3"))
	if err != nil {
		return err
	}

	matcher := s.buildMatcher(sc)

	estimate, err := s.countFiles(ctx, sc.RepoPath, matcher)
	if err != nil {
		return err
	}
	sc.Publisher.Progress(0, fmt.Sprintf("walking %d files", estimate), nil)

	w := &walker{
		sc:          sc,
		matcher:     matcher,
		hasher:      hasher,
		batchSize:   batchSize,
		maxContent:  maxContent,
		maxFileSize: maxFileSize,
		estimate:    estimate,
		batch:       interfaces.NewGraphBatch(),
		counters:    map[string]int{},
	}
	if err := w.walk(ctx); err != nil {
		return err
	}
	if err := w.flush(ctx); err != nil {
		return err
	}

	sc.State.Set("filesystem.files", w.counters["files"])
	sc.Publisher.Progress(1.0, "filesystem walk complete", w.counters)
	sc.Logger.Info().
		Int("files", w.counters["files"]).
		Int("directories", w.counters["directories"]).
		Int("nodes_written", w.counters["nodes_written"]).
		Msg("Filesystem step complete")
	return nil
}

// buildMatcher combines default ignores, configured patterns, and the
// repository's own .gitignore when present.
func (s *Step) buildMatcher(sc *interfaces.StepContext) *ignore.GitIgnore {
	patterns := append([]string(nil), defaultIgnores...)
	patterns = append(patterns, sc.ParamStringSlice("ignore_patterns")...)

	gitignorePath := filepath.Join(sc.RepoPath, ".gitignore")
	if data, err := os.ReadFile(gitignorePath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				patterns = append(patterns, line)
			}
		}
	}
	return ignore.CompileIgnoreLines(patterns...)
}

// countFiles does the cheap first pass behind the progress estimate.
func (s *Step) countFiles(ctx context.Context, root string, matcher *ignore.GitIgnore) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if matcher.MatchesPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan repository: %w", err)
	}
	return count, nil
}

// walker carries the state of the writing pass.
type walker struct {
	sc          *interfaces.StepContext
	matcher     *ignore.GitIgnore
	hasher      func([]byte) string
	batchSize   int
	maxContent  int
	maxFileSize int64
	estimate    int
	visited     int
	batch       *interfaces.GraphBatch
	counters    map[string]int
}

func (w *walker) walk(ctx context.Context) error {
	root := w.sc.RepoPath

	// Root directory anchors the Contains tree.
	w.batch.AddNode(models.LabelDirectory, interfaces.NodeRow{
		Properties: map[string]interface{}{
			"path": "/",
			"name": filepath.Base(root),
		},
	})
	w.counters["directories"]++

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		if w.matcher.MatchesPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		nodePath := "/" + filepath.ToSlash(rel)
		parentPath := parentOf(nodePath)

		if d.IsDir() {
			w.batch.AddNode(models.LabelDirectory, interfaces.NodeRow{
				Properties: map[string]interface{}{
					"path": nodePath,
					"name": d.Name(),
				},
			})
			w.batch.AddEdge(models.EdgeContains, interfaces.EdgeRow{
				FromKey: models.PathKey(models.LabelDirectory, parentPath),
				ToKey:   models.PathKey(models.LabelDirectory, nodePath),
			})
			w.counters["directories"]++
			return w.maybeFlush(ctx)
		}

		if !d.Type().IsRegular() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return fmt.Errorf("failed to stat %s: %w", path, infoErr)
		}
		if info.Size() > w.maxFileSize {
			w.counters["skipped_large"]++
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("failed to read %s: %w", path, readErr)
		}

		props := map[string]interface{}{
			"path":         nodePath,
			"name":         d.Name(),
			"extension":    strings.TrimPrefix(filepath.Ext(d.Name()), "."),
			"size":         info.Size(),
			"content_hash": w.hasher(data),
		}
		if len(data) <= w.maxContent && isTextual(data) {
			props["content"] = string(data)
		}

		w.batch.AddNode(models.LabelFile, interfaces.NodeRow{Properties: props})
		w.batch.AddEdge(models.EdgeContains, interfaces.EdgeRow{
			FromKey: models.PathKey(models.LabelDirectory, parentPath),
			ToKey:   models.PathKey(models.LabelFile, nodePath),
		})

		w.counters["files"]++
		w.visited++
		return w.maybeFlush(ctx)
	})
}

func (w *walker) maybeFlush(ctx context.Context) error {
	if w.batch.Size() < w.batchSize {
		return nil
	}
	return w.flush(ctx)
}

// flush writes the pending batch atomically and reports progress.
func (w *walker) flush(ctx context.Context) error {
	if w.batch.Size() == 0 {
		return nil
	}
	result, err := w.sc.Graph.ExecuteBatch(ctx, w.batch)
	if err != nil {
		return fmt.Errorf("failed to write filesystem batch: %w", err)
	}
	w.counters["nodes_written"] += result.NodesWritten
	w.counters["edges_written"] += result.EdgesWritten
	w.counters["batches"]++
	w.batch = interfaces.NewGraphBatch()

	percent := 0.0
	if w.estimate > 0 {
		percent = float64(w.visited) / float64(w.estimate)
		if percent > 1 {
			percent = 1
		}
	}
	w.sc.Publisher.Progress(percent,
		fmt.Sprintf("visited %d/%d files", w.visited, w.estimate), w.counters)
	return nil
}

// parentOf returns the containing directory path within the graph.
func parentOf(nodePath string) string {
	parent := filepath.ToSlash(filepath.Dir(nodePath))
	if parent == "" || parent == "." {
		return "/"
	}
	return parent
}

// newHasher resolves the configured content hash function.
func newHasher(algorithm string) (func([]byte) string, error) {
	switch algorithm {
	case "blake3":
		return func(data []byte) string {
			sum := blake3.Sum256(data)
			return hex.EncodeToString(sum[:])
		}, nil
	case "sha256":
		return func(data []byte) string {
			sum := sha256.Sum256(data)
			return hex.EncodeToString(sum[:])
		}, nil
	default:
		return nil, models.NewPipelineError(models.ErrInvalidPipeline,
			"unknown hash_algorithm: %s", algorithm)
	}
}

// isTextual treats content as text when no NUL byte appears in the head.
func isTextual(data []byte) bool {
	head := data
	if len(head) > 8192 {
		head = head[:8192]
	}
	for _, b := range head {
		if b == 0 {
			return false
		}
	}
	return true
}
