package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/isdmx/funcbox/workspace"
)

// Runtime identifies an isolation strength as named by callers.
type Runtime string

const (
	// RuntimeStrong is the container-based runtime.
	RuntimeStrong Runtime = "docker"
	// RuntimeSimulated is the in-process runtime emulating a stronger sandbox.
	RuntimeSimulated Runtime = "gvisor"
)

// ArtifactHandle is an opaque reference to a built, runnable artifact.
type ArtifactHandle struct {
	ID      string
	Runtime Runtime
	ref     any
}

// Instance is one launched execution of an artifact.
type Instance struct {
	ID       string
	Artifact ArtifactHandle
}

// RawOutput is what an instance produced, as seen at the isolation boundary.
type RawOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Backend defines the capability set shared by all isolation strategies
type Backend interface {
	Runtime() Runtime
	Name() string
	Prepare(ctx context.Context, ws *workspace.Workspace, code string, input json.RawMessage) error
	Build(ctx context.Context, ws *workspace.Workspace) (ArtifactHandle, error)
	Start(ctx context.Context, artifact ArtifactHandle, input json.RawMessage) (Instance, error)
	Wait(ctx context.Context, inst Instance) error
	Output(ctx context.Context, inst Instance) (RawOutput, error)
	Teardown(ctx context.Context, inst Instance) error
	Release(ctx context.Context, artifact ArtifactHandle) error
}

// File names staged in a workspace
const (
	InputFileName = "input.json"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, stdin io.Reader, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments. A non-zero exit is
// reported through exitCode, not err.
func (RealCommandRunner) RunCommand(ctx context.Context, stdin io.Reader, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	cmd.WaitDelay = 5 * time.Second
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok && ctx.Err() == nil {
			exitCode = exitError.ExitCode()
		} else {
			return stdoutBuf.String(), stderrBuf.String(), -1, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// normalizeInput validates input and renders it the way it is staged on disk.
// Empty input stands for an empty event object.
func normalizeInput(input json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, input, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// compactInput renders input on a single line for passing through the environment
func compactInput(input json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, input); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
