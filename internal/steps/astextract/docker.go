// -----------------------------------------------------------------------
// Docker runner - launches the external AST extraction tool container
// -----------------------------------------------------------------------

package astextract

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/ternarybob/codestory/internal/models"
)

// ToolSpec describes one containerized tool invocation. The repository is
// mounted read-only at /repo; the tool writes its symbol stream to stdout.
type ToolSpec struct {
	Image      string
	Args       []string
	RepoPath   string
	PullPolicy string // always | if-not-present | never
}

// ToolRunner abstracts the container runtime so tests can substitute a
// fake that emits a canned symbol stream.
type ToolRunner interface {
	Run(ctx context.Context, spec ToolSpec, stdout, stderr io.Writer) error
}

// dockerRunner drives the docker engine API.
type dockerRunner struct {
	client *client.Client
}

// NewDockerRunner connects to the docker daemon from the environment.
func NewDockerRunner() (ToolRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &models.PipelineError{Kind: models.ErrConnection,
			Message: "failed to connect to docker daemon", Cause: err}
	}
	return &dockerRunner{client: cli}, nil
}

// Run pulls the image per policy, starts the container with the repo
// mounted read-only, streams logs, and waits for exit.
func (r *dockerRunner) Run(ctx context.Context, spec ToolSpec, stdout, stderr io.Writer) error {
	if err := r.pull(ctx, spec); err != nil {
		return err
	}

	cConfig := &container.Config{
		Image: spec.Image,
		Cmd:   append([]string{"/repo"}, spec.Args...),
	}
	hConfig := &container.HostConfig{
		Binds: []string{spec.RepoPath + ":/repo:ro"},
	}
	name := "codestory-ast-" + uuid.New().String()[:8]
	res, err := r.client.ContainerCreate(ctx, cConfig, hConfig, nil, nil, name)
	if err != nil {
		return classifyDockerErr("failed to create container", err)
	}
	defer func() {
		// Best effort; the container is disposable.
		_ = r.client.ContainerRemove(context.Background(), res.ID,
			types.ContainerRemoveOptions{RemoveVolumes: true, Force: true})
	}()

	if err := r.client.ContainerStart(ctx, res.ID, types.ContainerStartOptions{}); err != nil {
		return classifyDockerErr("failed to start container", err)
	}

	logs, err := r.client.ContainerLogs(ctx, res.ID, types.ContainerLogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
	if err != nil {
		return classifyDockerErr("failed to attach container logs", err)
	}
	defer logs.Close()

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, logs)
		if copyErr == io.EOF || copyErr == io.ErrClosedPipe {
			copyErr = nil
		}
		copyDone <- copyErr
	}()

	waitC, errC := r.client.ContainerWait(ctx, res.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errC:
		return classifyDockerErr("failed waiting for container", err)
	case wait := <-waitC:
		if copyErr := <-copyDone; copyErr != nil {
			return fmt.Errorf("failed to stream container logs: %w", copyErr)
		}
		if wait.StatusCode != 0 {
			return models.NewPipelineError(models.ErrExternalTool,
				"tool exited with status %d", wait.StatusCode)
		}
		return nil
	case <-ctx.Done():
		_ = r.client.ContainerKill(context.Background(), res.ID, "KILL")
		return ctx.Err()
	}
}

// pull fetches the image per the configured policy.
func (r *dockerRunner) pull(ctx context.Context, spec ToolSpec) error {
	if spec.PullPolicy == "never" {
		return nil
	}
	if spec.PullPolicy != "always" {
		fil := filters.NewArgs()
		fil.Add("reference", spec.Image)
		list, err := r.client.ImageList(ctx, types.ImageListOptions{Filters: fil})
		if err == nil && len(list) > 0 {
			return nil
		}
	}
	stream, err := r.client.ImagePull(ctx, spec.Image, types.ImagePullOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &models.PipelineError{Kind: models.ErrExternalTool,
				Message: fmt.Sprintf("image not found: %s", spec.Image), Cause: err}
		}
		return &models.PipelineError{Kind: models.ErrConnection,
			Message: fmt.Sprintf("failed to pull image %s", spec.Image), Cause: err}
	}
	defer stream.Close()
	// Drain the pull progress stream so the pull completes.
	_, err = io.Copy(io.Discard, stream)
	if err != nil {
		return &models.PipelineError{Kind: models.ErrConnection,
			Message: fmt.Sprintf("failed reading pull stream for %s", spec.Image), Cause: err}
	}
	return nil
}

// classifyDockerErr separates daemon connectivity problems, which are
// retryable, from everything else.
func classifyDockerErr(msg string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return &models.PipelineError{Kind: models.ErrConnection, Message: msg, Cause: err}
	}
	return &models.PipelineError{Kind: models.ErrExternalTool, Message: msg, Cause: err}
}
