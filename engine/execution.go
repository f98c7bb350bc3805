package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/funcbox/fingerprint"
	"github.com/isdmx/funcbox/sandbox"
	"github.com/isdmx/funcbox/workspace"
)

// execution carries one request through the state machine
type execution struct {
	d       *Dispatcher
	backend sandbox.Backend
	logger  *zap.Logger
	state   State
}

func (ex *execution) transition(to State) {
	from := ex.state
	if !CanTransition(from, to) {
		ex.logger.DPanic("invalid state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	}
	ex.state = to
	ex.logger.Debug("state transition", zap.String("from", string(from)), zap.String("to", string(to)))
	if ex.d.observer != nil {
		ex.d.observer(from, to)
	}
}

// fail moves to a terminal failure state and builds its result
func (ex *execution) fail(to State, format string, args ...any) Result {
	ex.transition(to)
	return Result{Status: to.status(), Output: fmt.Sprintf(format, args...)}
}

func (ex *execution) run(ctx context.Context, req Request, fp fingerprint.Fingerprint, timeout time.Duration) Result {
	b := ex.backend

	ex.transition(StatePreparing)
	ws, err := ex.d.workspaces.Create(fp.Short())
	if err != nil {
		return ex.fail(StateBuildFailed, "prepare failed: %v", err)
	}
	if err := b.Prepare(ctx, ws, req.Code, req.Input); err != nil {
		ex.cleanup(ctx, ws, sandbox.Instance{})
		return ex.fail(StateBuildFailed, "prepare failed: %s", sandbox.Diagnostic(err))
	}

	var (
		artifact sandbox.ArtifactHandle
		warm     bool
		inst     sandbox.Instance
		runCtx   context.Context
		cancel   context.CancelFunc
	)
	for rebuilt := false; ; rebuilt = true {
		ex.transition(StateBuilding)
		artifact, warm, err = ex.ensureBuilt(ctx, req, ws, fp)
		if err != nil {
			ex.cleanup(ctx, ws, sandbox.Instance{})
			return ex.fail(StateBuildFailed, "build failed: %s", sandbox.Diagnostic(err))
		}
		if warm {
			ex.logger.Debug("build cache hit", zap.String("artifact", artifact.ID))
		}

		ex.transition(StateRunning)
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		inst, err = b.Start(runCtx, artifact, req.Input)
		if rebuilt || !errors.Is(err, sandbox.ErrArtifactMissing) {
			break
		}

		// removed by a concurrent eviction between lookup and launch
		cancel()
		ex.logger.Warn("artifact missing at launch, rebuilding", zap.String("artifact", artifact.ID))
		ex.teardown(ctx, inst)
		ex.d.caches[req.Runtime].Discard(fp)
	}
	if err == nil {
		err = b.Wait(runCtx, inst)
	}
	timedOut := sandbox.IsTimeout(err) ||
		(err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil)
	cancel()

	switch {
	case timedOut:
		// the instance is already stopped at the isolation boundary; finish
		// releasing it without holding up the caller
		ex.d.async(func() {
			ex.cleanup(ctx, ws, inst)
		})
		return ex.fail(StateTimedOut, "timed out after %s", timeout)
	case err != nil:
		ex.cleanup(ctx, ws, inst)
		return ex.fail(StateRunFailed, "run failed: %s", sandbox.Diagnostic(err))
	}

	ex.transition(StateCollecting)
	out, err := b.Output(ctx, inst)
	ex.cleanup(ctx, ws, inst)
	if err != nil {
		return ex.fail(StateRunFailed, "run failed: %s", sandbox.Diagnostic(err))
	}

	ex.transition(StateDone)
	return Result{Status: StatusSuccess, Output: out.Stdout, Warm: warm}
}

func (ex *execution) ensureBuilt(ctx context.Context, req Request, ws *workspace.Workspace, fp fingerprint.Fingerprint) (sandbox.ArtifactHandle, bool, error) {
	return ex.d.caches[req.Runtime].EnsureBuilt(ctx, fp, func(ctx context.Context) (sandbox.ArtifactHandle, error) {
		artifact, err := ex.backend.Build(ctx, ws)
		ex.d.recorder.BuildFinished(string(req.Runtime), err)
		return artifact, err
	})
}

// cleanup tears down the instance, then frees the workspace. It runs on every
// exit path and outlives a cancelled caller.
func (ex *execution) cleanup(ctx context.Context, ws *workspace.Workspace, inst sandbox.Instance) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	ex.teardown(ctx, inst)
	if err := ex.d.workspaces.Destroy(ws); err != nil {
		ex.logger.Error("failed to destroy workspace", zap.String("workspace_id", ws.ID), zap.Error(err))
	}
}

func (ex *execution) teardown(ctx context.Context, inst sandbox.Instance) {
	if inst.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := ex.backend.Teardown(ctx, inst); err != nil {
		ex.logger.Error("failed to tear down instance", zap.String("instance", inst.ID), zap.Error(err))
	}
}
