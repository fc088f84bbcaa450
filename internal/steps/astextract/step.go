// -----------------------------------------------------------------------
// AST Extract Step - delegates symbol extraction to a containerized tool
// -----------------------------------------------------------------------

package astextract

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ternarybob/codestory/internal/interfaces"
	"github.com/ternarybob/codestory/internal/models"
	"github.com/ternarybob/codestory/internal/steps/filesystem"
)

// StepName is the registered identifier for this step.
const StepName = "astextract"

// KnownParams lists the parameter keys this step accepts.
var KnownParams = []string{
	"image",
	"tool_args",
	"pull_policy",
	"batch_size",
}

const defaultBatchSize = 500

// Step launches the configured extraction image with the repository
// mounted read-only, streams tool stderr as progress, and ingests the
// NDJSON symbol stream from stdout into the graph.
type Step struct {
	runner ToolRunner
}

var _ interfaces.Step = (*Step)(nil)

// New constructs a step that connects to the docker daemon lazily on Run.
func New() interfaces.Step {
	return &Step{}
}

// NewWithRunner constructs a step over a supplied runner.
func NewWithRunner(runner ToolRunner) interfaces.Step {
	return &Step{runner: runner}
}

func (s *Step) Name() string { return StepName }

// DeclaredDependencies: the filesystem tree must exist first.
func (s *Step) DeclaredDependencies(params map[string]interface{}) []string {
	return []string{filesystem.StepName}
}

// RetryPolicy retries daemon connectivity, transient graph failures, and
// timeouts. A bad image, non-zero tool exit, or malformed output is
// terminal.
func (s *Step) RetryPolicy() interfaces.RetryPolicy {
	return interfaces.RetryPolicy{
		Classify: func(err error) bool {
			switch models.KindOf(err) {
			case models.ErrConnection, models.ErrTransientGraph, models.ErrTimeout:
				return true
			}
			return false
		},
	}
}

// Run executes the tool container and ingests its output.
func (s *Step) Run(ctx context.Context, sc *interfaces.StepContext) error {
	image := sc.ParamString("image", "")
	if image == "" {
		return models.NewPipelineError(models.ErrInvalidPipeline,
			"astextract requires an image parameter")
	}

	runner := s.runner
	if runner == nil {
		var err error
		runner, err = NewDockerRunner()
		if err != nil {
			return err
		}
	}

	spec := ToolSpec{
		Image:      image,
		Args:       sc.ParamStringSlice("tool_args"),
		RepoPath:   sc.RepoPath,
		PullPolicy: sc.ParamString("pull_policy", "if-not-present"),
	}

	sc.Publisher.Progress(0, fmt.Sprintf("launching %s", image), nil)

	ing := newIngester(sc, sc.ParamInt("batch_size", defaultBatchSize))

	// stdout carries the symbol stream; stderr carries tool diagnostics
	// which surface as progress messages.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	var wg sync.WaitGroup
	var ingestErr error
	wg.Add(2)

	go func() {
		defer wg.Done()
		ingestErr = ing.consume(ctx, stdoutR)
		// Unblock the log copier if ingestion bails early.
		_, _ = io.Copy(io.Discard, stdoutR)
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderrR)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			percent, counters := ing.snapshot()
			sc.Publisher.Progress(percent, line, counters)
			sc.Logger.Debug().Str("tool", image).Msg(line)
		}
	}()

	runErr := runner.Run(ctx, spec, stdoutW, stderrW)
	stdoutW.Close()
	stderrW.Close()
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	if ingestErr != nil {
		return ingestErr
	}

	_, counters := ing.snapshot()
	sc.Publisher.Progress(1.0, "symbol extraction complete", counters)
	sc.Logger.Info().
		Int("nodes", counters["nodes"]).
		Int("edges", counters["edges"]).
		Int("nodes_written", counters["nodes_written"]).
		Msg("AST extraction complete")
	return nil
}
