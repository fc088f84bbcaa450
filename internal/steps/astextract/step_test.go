package astextract

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/codestory/internal/common"
	"github.com/ternarybob/codestory/internal/graph"
	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	storage "github.com/ternarybob/codestory/internal/storage/badger"
)

// fakeRunner plays a canned tool transcript instead of a container.
type fakeRunner struct {
	stdout []string
	stderr []string
	err    error

	mu   sync.Mutex
	spec ToolSpec
	runs int
}

func (r *fakeRunner) Run(ctx context.Context, spec ToolSpec, stdout, stderr io.Writer) error {
	r.mu.Lock()
	r.spec = spec
	r.runs++
	r.mu.Unlock()

	for _, line := range r.stderr {
		fmt.Fprintln(stderr, line)
	}
	for _, line := range r.stdout {
		fmt.Fprintln(stdout, line)
	}
	return r.err
}

type recordingPublisher struct {
	mu       sync.Mutex
	percents []float64
	messages []string
	counters map[string]int
}

func (p *recordingPublisher) Progress(percent float64, message string, counters map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.percents = append(p.percents, percent)
	p.messages = append(p.messages, message)
	if counters != nil {
		p.counters = counters
	}
}

func newTestGraph(t *testing.T) *graph.Store {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := storage.NewBadgerDB(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "graph"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := graph.NewStore(db, &common.GraphConfig{PoolSize: 4}, logger)
	require.NoError(t, store.InitializeSchema(context.Background(), false))
	return store
}

func newStepContext(store *graph.Store, params map[string]interface{}) (*interfaces.StepContext, *recordingPublisher) {
	pub := &recordingPublisher{}
	if params == nil {
		params = map[string]interface{}{}
	}
	if _, ok := params["image"]; !ok {
		params["image"] = "codestory/ast-python:latest"
	}
	return &interfaces.StepContext{
		JobID:     "job_test",
		RepoPath:  "/tmp/repo",
		Params:    params,
		Attempt:   1,
		Graph:     store,
		Publisher: pub,
		Logger:    arbor.NewLogger(),
		State:     interfaces.NewJobScratch(),
	}, pub
}

func symbolStream() []string {
	return []string{
		`{"kind":"node","label":"Module","properties":{"name":"lexer","language":"python","file_path":"/src/lexer.py"}}`,
		`{"kind":"node","label":"Function","properties":{"name":"parse","module":"lexer","docstring":"Parse tokens.","source":"def parse(): ...","file_path":"/src/lexer.py"}}`,
		`{"kind":"node","label":"Class","properties":{"name":"Tokenizer","module":"lexer","file_path":"/src/lexer.py"}}`,
		`{"kind":"edge","type":"Defines","from":{"label":"Module","properties":{"name":"lexer"}},"to":{"label":"Function","properties":{"name":"parse","module":"lexer"}}}`,
		`{"kind":"edge","type":"Calls","from":{"label":"Function","properties":{"name":"parse","module":"lexer"}},"to":{"label":"Function","properties":{"name":"helper","module":"external"}}}`,
	}
}

func TestAstExtract_IngestsSymbolStream(t *testing.T) {
	store := newTestGraph(t)
	runner := &fakeRunner{
		stdout: symbolStream(),
		stderr: []string{"scanning 12 files"},
	}
	sc, pub := newStepContext(store, nil)

	require.NoError(t, NewWithRunner(runner).Run(context.Background(), sc))

	ctx := context.Background()

	mod, err := store.GetNode(ctx, models.ModuleKey("lexer"))
	require.NoError(t, err)
	assert.Equal(t, "python", mod.Properties["language"])

	fn, err := store.GetNode(ctx, models.SymbolKey(models.LabelFunction, "parse", "lexer"))
	require.NoError(t, err)
	assert.Equal(t, "Parse tokens.", fn.Properties["docstring"])

	_, err = store.GetNode(ctx, models.SymbolKey(models.LabelClass, "Tokenizer", "lexer"))
	require.NoError(t, err)

	defines, err := store.FindEdges(ctx, models.EdgeDefines, models.ModuleKey("lexer"), "")
	require.NoError(t, err)
	require.Len(t, defines, 1)

	// The call target lives outside the repo; a stub endpoint keeps the
	// reference.
	stub, err := store.GetNode(ctx, models.SymbolKey(models.LabelFunction, "helper", "external"))
	require.NoError(t, err)
	assert.Equal(t, true, stub.Properties["stub"])

	require.NotEmpty(t, pub.percents)
	assert.Equal(t, 1.0, pub.percents[len(pub.percents)-1])
	require.NotNil(t, pub.counters)
	assert.Equal(t, 3, pub.counters["nodes"])
	assert.Equal(t, 2, pub.counters["edges"])
}

func TestAstExtract_StderrBecomesProgress(t *testing.T) {
	store := newTestGraph(t)
	runner := &fakeRunner{stderr: []string{"parsing /src/lexer.py"}}
	sc, pub := newStepContext(store, nil)

	require.NoError(t, NewWithRunner(runner).Run(context.Background(), sc))

	assert.Contains(t, pub.messages, "parsing /src/lexer.py")
}

func TestAstExtract_MountsRepoReadOnly(t *testing.T) {
	store := newTestGraph(t)
	runner := &fakeRunner{}
	sc, _ := newStepContext(store, map[string]interface{}{
		"image":       "codestory/ast-go:1.2",
		"tool_args":   []interface{}{"--verbose"},
		"pull_policy": "never",
	})

	require.NoError(t, NewWithRunner(runner).Run(context.Background(), sc))

	assert.Equal(t, "codestory/ast-go:1.2", runner.spec.Image)
	assert.Equal(t, []string{"--verbose"}, runner.spec.Args)
	assert.Equal(t, "/tmp/repo", runner.spec.RepoPath)
	assert.Equal(t, "never", runner.spec.PullPolicy)
}

func TestAstExtract_RequiresImageParam(t *testing.T) {
	store := newTestGraph(t)
	runner := &fakeRunner{}
	sc, _ := newStepContext(store, map[string]interface{}{"image": ""})

	err := NewWithRunner(runner).Run(context.Background(), sc)
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidPipeline, models.KindOf(err))
	assert.Equal(t, 0, runner.runs, "the tool must not launch without an image")
}

func TestAstExtract_MalformedLineFailsStep(t *testing.T) {
	store := newTestGraph(t)
	runner := &fakeRunner{stdout: []string{
		`{"kind":"node","label":"Module","properties":{"name":"lexer"}}`,
		`{not json`,
	}}
	sc, _ := newStepContext(store, nil)

	err := NewWithRunner(runner).Run(context.Background(), sc)
	require.Error(t, err)
	assert.Equal(t, models.ErrExternalTool, models.KindOf(err))
	assert.Contains(t, err.Error(), "line 2")
}

func TestAstExtract_RejectsUnknownLabelsAndKinds(t *testing.T) {
	store := newTestGraph(t)

	for name, line := range map[string]string{
		"node label": `{"kind":"node","label":"Widget","properties":{"name":"x"}}`,
		"edge type":  `{"kind":"edge","type":"Loves","from":{"label":"Module","properties":{"name":"a"}},"to":{"label":"Module","properties":{"name":"b"}}}`,
		"kind":       `{"kind":"blob"}`,
	} {
		t.Run(name, func(t *testing.T) {
			runner := &fakeRunner{stdout: []string{line}}
			sc, _ := newStepContext(store, nil)

			err := NewWithRunner(runner).Run(context.Background(), sc)
			require.Error(t, err)
			assert.Equal(t, models.ErrExternalTool, models.KindOf(err))
		})
	}
}

func TestAstExtract_ToolFailurePropagates(t *testing.T) {
	store := newTestGraph(t)
	runner := &fakeRunner{
		err: models.NewPipelineError(models.ErrExternalTool, "tool exited with status 2"),
	}
	sc, _ := newStepContext(store, nil)

	err := NewWithRunner(runner).Run(context.Background(), sc)
	require.Error(t, err)
	assert.Equal(t, models.ErrExternalTool, models.KindOf(err))
}

func TestAstExtract_SmallBatchesFlushIncrementally(t *testing.T) {
	store := newTestGraph(t)
	runner := &fakeRunner{stdout: symbolStream()}
	sc, pub := newStepContext(store, map[string]interface{}{"batch_size": 1})

	require.NoError(t, NewWithRunner(runner).Run(context.Background(), sc))

	require.NotNil(t, pub.counters)
	assert.Equal(t, 5, pub.counters["batches"])
	assert.Equal(t, 3, pub.counters["nodes_written"])
	assert.Equal(t, 2, pub.counters["edges_written"])
}

// interleavedRunner streams stdout and stderr simultaneously, the way a
// real tool process does.
type interleavedRunner struct {
	stdoutLines int
	stderrLines int
}

func (r *interleavedRunner) Run(ctx context.Context, spec ToolSpec, stdout, stderr io.Writer) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < r.stdoutLines; i++ {
			fmt.Fprintf(stdout, `{"kind":"node","label":"Function","properties":{"name":"fn_%d","module":"lexer"}}`+"\n", i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < r.stderrLines; i++ {
			fmt.Fprintf(stderr, "parsing file %d\n", i)
		}
	}()
	wg.Wait()
	return nil
}

func TestAstExtract_ConcurrentStdoutAndStderr(t *testing.T) {
	store := newTestGraph(t)
	runner := &interleavedRunner{stdoutLines: 1000, stderrLines: 1000}
	sc, pub := newStepContext(store, map[string]interface{}{"batch_size": 50})

	require.NoError(t, NewWithRunner(runner).Run(context.Background(), sc))

	require.NotNil(t, pub.counters)
	assert.Equal(t, 1000, pub.counters["nodes"])
	assert.Equal(t, 1000, pub.counters["nodes_written"])
	assert.GreaterOrEqual(t, len(pub.messages), 1000)
	assert.Equal(t, 1.0, pub.percents[len(pub.percents)-1])
}

func TestAstExtract_DependsOnFilesystem(t *testing.T) {
	assert.Equal(t, []string{"filesystem"}, New().DeclaredDependencies(nil))
}
