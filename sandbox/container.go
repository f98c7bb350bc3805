package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/funcbox/workspace"
)

const (
	handlerFileName    = "handler.py"
	entrypointFileName = "entrypoint.py"
	dockerfileName     = "Dockerfile"
	eventEnvVar        = "FUNCTION_EVENT"

	// bounds cleanup calls issued after the caller's context is gone
	cleanupTimeout = 10 * time.Second
)

// buildContextExcludes keeps per-request data out of the cached image
var buildContextExcludes = []string{InputFileName, "__pycache__/"}

const entrypointSource = `import json
import os
import sys

sys.path.insert(0, "/app")

import handler as module

fn = getattr(module, "handler", None)
if not callable(fn):
    sys.stderr.write("function 'handler' not defined\n")
    sys.exit(1)

event = json.loads(os.environ.get("FUNCTION_EVENT") or "{}")
result = fn(event)
if result is not None:
    print(json.dumps(result))
`

const dockerfileTemplate = `FROM %s
WORKDIR /app
COPY handler.py entrypoint.py /app/
RUN python -m py_compile /app/handler.py
USER nobody
CMD ["python", "-u", "/app/entrypoint.py"]
`

// ContainerConfig holds configuration for the container backend
type ContainerConfig struct {
	Binary         string
	BaseImage      string
	MemoryMB       int
	ImagePrefix    string
	NetworkEnabled bool
}

// ContainerBackend implements Backend with one image per code fingerprint and
// one container per execution, driven through the docker or podman CLI.
type ContainerBackend struct {
	logger    *zap.Logger
	config    *ContainerConfig
	cmdRunner CommandRunner
	fs        workspace.FileSystem
}

// ContainerOption defines a functional option for ContainerBackend
type ContainerOption func(*ContainerBackend)

// WithContainerCommandRunner sets the CommandRunner for ContainerBackend
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerOption {
	return func(c *ContainerBackend) {
		c.cmdRunner = cmdRunner
	}
}

// WithContainerFileSystem sets the FileSystem for ContainerBackend
func WithContainerFileSystem(fs workspace.FileSystem) ContainerOption {
	return func(c *ContainerBackend) {
		c.fs = fs
	}
}

// NewContainerBackend creates a new ContainerBackend with default implementations and optional interfaces
func NewContainerBackend(logger *zap.Logger, config *ContainerConfig, opts ...ContainerOption) *ContainerBackend {
	backend := &ContainerBackend{
		logger:    logger,
		config:    config,
		cmdRunner: &RealCommandRunner{},
		fs:        &workspace.RealFileSystem{},
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Runtime returns RuntimeStrong
func (*ContainerBackend) Runtime() Runtime { return RuntimeStrong }

// Name returns the CLI binary driving the containers
func (c *ContainerBackend) Name() string { return c.config.Binary }

// Check verifies the container daemon is reachable
func (c *ContainerBackend) Check(ctx context.Context) error {
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.config.Binary, "version"})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", c.config.Binary, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%s version exited with code %d: %s", c.config.Binary, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// Prepare writes the handler, the entrypoint wrapper, the image recipe and the
// input document into the workspace.
func (c *ContainerBackend) Prepare(_ context.Context, ws *workspace.Workspace, code string, input json.RawMessage) error {
	event, err := normalizeInput(input)
	if err != nil {
		return &PrepareError{Runtime: RuntimeStrong, Diagnostic: fmt.Sprintf("invalid input payload: %v", err), Err: err}
	}

	files := []struct {
		name string
		data []byte
	}{
		{handlerFileName, []byte(code)},
		{entrypointFileName, []byte(entrypointSource)},
		{dockerfileName, []byte(fmt.Sprintf(dockerfileTemplate, c.config.BaseImage))},
		{InputFileName, event},
	}
	for _, f := range files {
		if err := c.fs.WriteFile(ws.Path(f.name), f.data, workspace.FilePermission); err != nil {
			return &PrepareError{Runtime: RuntimeStrong, Diagnostic: fmt.Sprintf("failed to write %s", f.name), Err: err}
		}
	}

	return nil
}

// Build builds an image from the workspace and tags it with the fingerprint label
func (c *ContainerBackend) Build(ctx context.Context, ws *workspace.Workspace) (ArtifactHandle, error) {
	buildContext, err := CreateTarFromDirWithExcludes(ws.Dir, buildContextExcludes)
	if err != nil {
		return ArtifactHandle{}, &BuildError{Runtime: RuntimeStrong, Diagnostic: "failed to archive build context", Err: err}
	}

	tag := c.imageTag(ws.Label)
	start := time.Now()
	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, bytes.NewReader(buildContext),
		[]string{c.config.Binary, "build", "-q", "-t", tag, "-"})
	if err != nil {
		return ArtifactHandle{}, &BuildError{Runtime: RuntimeStrong, Diagnostic: err.Error(), Err: err}
	}
	if exitCode != 0 {
		return ArtifactHandle{}, &BuildError{Runtime: RuntimeStrong, Diagnostic: combineOutput(stdout, stderr)}
	}

	c.logger.Info("image built",
		zap.String("image", tag),
		zap.Duration("duration", time.Since(start)),
	)
	return ArtifactHandle{ID: tag, Runtime: RuntimeStrong}, nil
}

// Start launches a detached container. The returned Instance is valid for
// Teardown even when an error is returned.
func (c *ContainerBackend) Start(ctx context.Context, artifact ArtifactHandle, input json.RawMessage) (Instance, error) {
	inst := Instance{ID: "fn-" + uuid.NewString(), Artifact: artifact}

	event, err := compactInput(input)
	if err != nil {
		return inst, &RunError{Runtime: RuntimeStrong, Diagnostic: fmt.Sprintf("invalid input payload: %v", err), Err: err}
	}

	network := "none"
	if c.config.NetworkEnabled {
		network = "bridge"
	}

	args := []string{
		c.config.Binary, "run", "-d",
		"--name", inst.ID,
		"--network", network,
		"--memory", fmt.Sprintf("%dm", c.config.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", c.config.MemoryMB),
		"--pids-limit", "64",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges:true",
		"--pull", "never",
		"-e", eventEnvVar + "=" + string(event),
		artifact.ID,
	}

	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, args)
	if err != nil {
		return inst, &RunError{Runtime: RuntimeStrong, Diagnostic: err.Error(), Err: err}
	}
	if exitCode != 0 {
		if imageMissing(stderr) {
			return inst, &RunError{Runtime: RuntimeStrong, Diagnostic: strings.TrimSpace(stderr), Err: ErrArtifactMissing}
		}
		return inst, &RunError{Runtime: RuntimeStrong, Diagnostic: strings.TrimSpace(stderr)}
	}

	c.logger.Debug("container started", zap.String("container", inst.ID), zap.String("image", artifact.ID))
	return inst, nil
}

// Wait blocks until the container exits. The context deadline is the
// execution deadline.
func (c *ContainerBackend) Wait(ctx context.Context, inst Instance) error {
	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.config.Binary, "wait", inst.ID})
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.kill(context.WithoutCancel(ctx), inst)
		return &TimeoutError{Runtime: RuntimeStrong, Diagnostic: fmt.Sprintf("container %s did not exit before the deadline", inst.ID)}
	}
	if err != nil {
		return &RunError{Runtime: RuntimeStrong, Diagnostic: err.Error(), Err: err}
	}
	if exitCode != 0 {
		return &RunError{Runtime: RuntimeStrong, Diagnostic: strings.TrimSpace(stderr)}
	}

	status, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return &RunError{Runtime: RuntimeStrong, Diagnostic: fmt.Sprintf("unexpected wait output %q", stdout), Err: err}
	}
	if status != 0 {
		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		logs, _ := c.Output(logCtx, inst)
		return &RunError{
			Runtime:    RuntimeStrong,
			Diagnostic: fmt.Sprintf("function exited with status %d: %s", status, combineOutput(logs.Stdout, logs.Stderr)),
		}
	}

	return nil
}

// Output collects the container's logs
func (c *ContainerBackend) Output(ctx context.Context, inst Instance) (RawOutput, error) {
	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.config.Binary, "logs", inst.ID})
	if err != nil {
		return RawOutput{}, &RunError{Runtime: RuntimeStrong, Diagnostic: err.Error(), Err: err}
	}
	if exitCode != 0 {
		return RawOutput{}, &RunError{Runtime: RuntimeStrong, Diagnostic: fmt.Sprintf("failed to read logs: %s", strings.TrimSpace(stderr))}
	}

	return RawOutput{
		Stdout: strings.TrimRight(stdout, "\n"),
		Stderr: strings.TrimRight(stderr, "\n"),
	}, nil
}

// Teardown force-removes the container. Removing a container that no longer
// exists succeeds.
func (c *ContainerBackend) Teardown(ctx context.Context, inst Instance) error {
	if inst.ID == "" {
		return nil
	}

	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.config.Binary, "rm", "-f", inst.ID})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", inst.ID, err)
	}
	if exitCode != 0 && !strings.Contains(strings.ToLower(stderr), "no such container") {
		return fmt.Errorf("failed to remove container %s: %s", inst.ID, strings.TrimSpace(stderr))
	}

	c.logger.Debug("container removed", zap.String("container", inst.ID))
	return nil
}

// Release removes an image evicted from the build cache
func (c *ContainerBackend) Release(ctx context.Context, artifact ArtifactHandle) error {
	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.config.Binary, "rmi", artifact.ID})
	if err != nil {
		return fmt.Errorf("failed to remove image %s: %w", artifact.ID, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to remove image %s: %s", artifact.ID, strings.TrimSpace(stderr))
	}
	return nil
}

// kill stops a container that outlived its deadline. Teardown removes it later.
func (c *ContainerBackend) kill(ctx context.Context, inst Instance) {
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, nil, []string{c.config.Binary, "kill", inst.ID})
	if err != nil || exitCode != 0 {
		c.logger.Warn("failed to kill container after timeout",
			zap.String("container", inst.ID),
			zap.String("stderr", strings.TrimSpace(stderr)),
			zap.Error(err),
		)
	}
}

func (c *ContainerBackend) imageTag(label string) string {
	return fmt.Sprintf("%s-%s", c.config.ImagePrefix, strings.ToLower(label))
}

// imageMissing recognises docker's and podman's reports of an absent image
func imageMissing(stderr string) bool {
	msg := strings.ToLower(stderr)
	return strings.Contains(msg, "no such image") ||
		strings.Contains(msg, "unable to find image") ||
		strings.Contains(msg, "image not known")
}

func combineOutput(stdout, stderr string) string {
	stdout, stderr = strings.TrimSpace(stdout), strings.TrimSpace(stderr)
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	default:
		return stdout + "\n" + stderr
	}
}
