// Package sandbox provides isolated execution backends for submitted functions.
//
// A Backend exposes the capability set every isolation strategy shares:
// Prepare stages code in a workspace, Build turns the workspace into a
// reusable artifact, Start launches an instance of the artifact, Wait blocks
// until the instance finishes or the context deadline passes, Output collects
// what it printed and Teardown releases the instance.
//
// Two variants are provided. ContainerBackend builds a minimal image per code
// fingerprint and runs one network-less, memory-bounded container per
// execution through the docker (or podman) CLI. SimulatedBackend evaluates the
// code with Starlark inside the process, with no file or network builtins, and
// injects artificial startup latency standing in for a heavier sandbox.
//
// Every failure that crosses the Backend boundary is one of PrepareError,
// BuildError, RunError or TimeoutError.
//
// Usage:
//
//	backends, err := sandbox.NewBackends(logger, cfg)
//	art, err := backend.Build(ctx, ws)
//	inst, err := backend.Start(ctx, art, input)
//	defer backend.Teardown(ctx, inst)
package sandbox
