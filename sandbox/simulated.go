package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/isdmx/funcbox/workspace"
)

const (
	sourceFileName = "handler.star"
	handlerName    = "handler"
	stopLocalKey   = "funcbox.stop"
	outputBanner   = "gvisor (simulated) output:"

	// sleeps at or beyond this overflow time.Duration
	maxSleepSeconds = float64(math.MaxInt64) / float64(time.Second)
)

var (
	errStopped   = errors.New("execution stopped")
	errNoHandler = errors.New("function 'handler' not defined")
)

func init() {
	// Handlers are ordinary scripts; allow the Python constructs Starlark
	// gates behind flags.
	resolve.AllowSet = true
	resolve.AllowGlobalReassign = true
	resolve.AllowRecursion = true
}

// predeclared is the complete set of names visible to user code besides the
// Starlark universe. Nothing here reaches the file system or the network.
var predeclared = starlark.StringDict{
	"json":  starjson.Module,
	"math":  starmath.Module,
	"sum":   starlark.NewBuiltin("sum", sumBuiltin),
	"sleep": starlark.NewBuiltin("sleep", sleepBuiltin),
}

// SimulatedConfig holds configuration for the simulated backend
type SimulatedConfig struct {
	BuildLatency time.Duration
	BootLatency  time.Duration
	MaxSteps     uint64
}

// SimulatedBackend implements Backend by evaluating Starlark in-process. The
// injected latencies stand in for the startup cost of a real strong-isolation
// runtime.
type SimulatedBackend struct {
	logger *zap.Logger
	config *SimulatedConfig
	fs     workspace.FileSystem

	mu        sync.Mutex
	instances map[string]*simulatedRun
}

type simulatedRun struct {
	thread *starlark.Thread
	done   chan struct{}
	stop   chan struct{}
	once   sync.Once

	// written by the run goroutine before done is closed
	printed bytes.Buffer
	result  starlark.Value
	err     error
}

// SimulatedOption defines a functional option for SimulatedBackend
type SimulatedOption func(*SimulatedBackend)

// WithSimulatedFileSystem sets the FileSystem for SimulatedBackend
func WithSimulatedFileSystem(fs workspace.FileSystem) SimulatedOption {
	return func(s *SimulatedBackend) {
		s.fs = fs
	}
}

// NewSimulatedBackend creates a new SimulatedBackend
func NewSimulatedBackend(logger *zap.Logger, config *SimulatedConfig, opts ...SimulatedOption) *SimulatedBackend {
	backend := &SimulatedBackend{
		logger:    logger,
		config:    config,
		fs:        &workspace.RealFileSystem{},
		instances: make(map[string]*simulatedRun),
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Runtime returns RuntimeSimulated
func (*SimulatedBackend) Runtime() Runtime { return RuntimeSimulated }

// Name identifies the backend in results
func (*SimulatedBackend) Name() string { return "starlark" }

// Prepare writes the source and the input document into the workspace
func (s *SimulatedBackend) Prepare(_ context.Context, ws *workspace.Workspace, code string, input json.RawMessage) error {
	event, err := normalizeInput(input)
	if err != nil {
		return &PrepareError{Runtime: RuntimeSimulated, Diagnostic: fmt.Sprintf("invalid input payload: %v", err), Err: err}
	}
	if err := s.fs.WriteFile(ws.Path(sourceFileName), []byte(code), workspace.FilePermission); err != nil {
		return &PrepareError{Runtime: RuntimeSimulated, Diagnostic: "failed to write " + sourceFileName, Err: err}
	}
	if err := s.fs.WriteFile(ws.Path(InputFileName), event, workspace.FilePermission); err != nil {
		return &PrepareError{Runtime: RuntimeSimulated, Diagnostic: "failed to write " + InputFileName, Err: err}
	}
	return nil
}

// Build compiles the staged source and pays the build latency
func (s *SimulatedBackend) Build(ctx context.Context, ws *workspace.Workspace) (ArtifactHandle, error) {
	src, err := s.fs.ReadFile(ws.Path(sourceFileName))
	if err != nil {
		return ArtifactHandle{}, &BuildError{Runtime: RuntimeSimulated, Diagnostic: "failed to read " + sourceFileName, Err: err}
	}

	_, prog, err := starlark.SourceProgram(sourceFileName, src, predeclared.Has)
	if err != nil {
		return ArtifactHandle{}, &BuildError{Runtime: RuntimeSimulated, Diagnostic: err.Error(), Err: err}
	}

	if err := pause(ctx, s.config.BuildLatency, nil); err != nil {
		return ArtifactHandle{}, &BuildError{Runtime: RuntimeSimulated, Diagnostic: "build interrupted", Err: err}
	}

	return ArtifactHandle{ID: "sim-" + ws.Label, Runtime: RuntimeSimulated, ref: prog}, nil
}

// Start launches the program on its own goroutine
func (s *SimulatedBackend) Start(_ context.Context, artifact ArtifactHandle, input json.RawMessage) (Instance, error) {
	inst := Instance{ID: "sim-" + uuid.NewString(), Artifact: artifact}

	prog, ok := artifact.ref.(*starlark.Program)
	if !ok || prog == nil {
		return inst, &RunError{Runtime: RuntimeSimulated, Diagnostic: fmt.Sprintf("artifact %s is not a compiled program", artifact.ID)}
	}
	event, err := compactInput(input)
	if err != nil {
		return inst, &RunError{Runtime: RuntimeSimulated, Diagnostic: fmt.Sprintf("invalid input payload: %v", err), Err: err}
	}

	run := &simulatedRun{
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
	run.thread = &starlark.Thread{
		Name: inst.ID,
		Print: func(_ *starlark.Thread, msg string) {
			run.printed.WriteString(msg)
			run.printed.WriteByte('\n')
		},
	}
	run.thread.SetLocal(stopLocalKey, run.stop)
	if s.config.MaxSteps > 0 {
		run.thread.SetMaxExecutionSteps(s.config.MaxSteps)
	}

	s.mu.Lock()
	s.instances[inst.ID] = run
	s.mu.Unlock()

	go run.execute(prog, string(event), s.config.BootLatency)

	return inst, nil
}

func (r *simulatedRun) execute(prog *starlark.Program, event string, boot time.Duration) {
	defer close(r.done)

	if err := pause(context.Background(), boot, r.stop); err != nil {
		r.err = err
		return
	}

	globals, err := prog.Init(r.thread, predeclared)
	if err != nil {
		r.err = err
		return
	}
	handler, ok := globals[handlerName]
	if !ok {
		r.err = errNoHandler
		return
	}

	decoded, err := starlark.Call(r.thread, starjson.Module.Members["decode"], starlark.Tuple{starlark.String(event)}, nil)
	if err != nil {
		r.err = fmt.Errorf("failed to decode event: %w", err)
		return
	}

	r.result, r.err = starlark.Call(r.thread, handler, starlark.Tuple{decoded}, nil)
}

func (r *simulatedRun) cancel(reason string) {
	r.once.Do(func() {
		close(r.stop)
		r.thread.Cancel(reason)
	})
}

// Wait blocks until the handler returns or the context deadline passes
func (s *SimulatedBackend) Wait(ctx context.Context, inst Instance) error {
	run, err := s.lookup(inst)
	if err != nil {
		return err
	}

	select {
	case <-run.done:
		if run.err != nil {
			return &RunError{Runtime: RuntimeSimulated, Diagnostic: evalDiagnostic(run.err), Err: run.err}
		}
		return nil
	case <-ctx.Done():
		run.cancel("deadline exceeded")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Runtime: RuntimeSimulated, Diagnostic: fmt.Sprintf("instance %s cancelled at the deadline", inst.ID)}
		}
		return &RunError{Runtime: RuntimeSimulated, Diagnostic: "execution cancelled", Err: ctx.Err()}
	}
}

// Output renders the printed lines followed by the JSON-encoded return value,
// if the handler returned one
func (s *SimulatedBackend) Output(_ context.Context, inst Instance) (RawOutput, error) {
	run, err := s.lookup(inst)
	if err != nil {
		return RawOutput{}, err
	}

	select {
	case <-run.done:
	default:
		return RawOutput{}, &RunError{Runtime: RuntimeSimulated, Diagnostic: fmt.Sprintf("instance %s is still running", inst.ID)}
	}
	if run.err != nil {
		return RawOutput{}, &RunError{Runtime: RuntimeSimulated, Diagnostic: evalDiagnostic(run.err), Err: run.err}
	}

	var out strings.Builder
	out.WriteString(outputBanner)
	out.WriteByte('\n')
	out.WriteString(strings.TrimRight(run.printed.String(), "\n"))

	// a handler that returns nothing contributes only its printed output
	if run.result != nil && run.result != starlark.None {
		value, err := encodeResult(run.thread, run.result)
		if err != nil {
			return RawOutput{}, &RunError{Runtime: RuntimeSimulated, Diagnostic: err.Error(), Err: err}
		}
		out.WriteString("\n\nReturn Value:\n")
		out.WriteString(value)
	}

	return RawOutput{Stdout: out.String()}, nil
}

// Teardown cancels the instance if it is still running and forgets it.
// Tearing down an unknown instance succeeds.
func (s *SimulatedBackend) Teardown(ctx context.Context, inst Instance) error {
	s.mu.Lock()
	run, ok := s.instances[inst.ID]
	delete(s.instances, inst.ID)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	run.cancel("torn down")
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("instance %s did not stop: %w", inst.ID, ctx.Err())
	}
}

// Release is a no-op; compiled programs are reclaimed by the garbage collector.
func (*SimulatedBackend) Release(context.Context, ArtifactHandle) error { return nil }

// Live returns the number of instances started and not yet torn down
func (s *SimulatedBackend) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

func (s *SimulatedBackend) lookup(inst Instance) (*simulatedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.instances[inst.ID]
	if !ok {
		return nil, &RunError{Runtime: RuntimeSimulated, Diagnostic: fmt.Sprintf("unknown instance %s", inst.ID)}
	}
	return run, nil
}

func encodeResult(thread *starlark.Thread, result starlark.Value) (string, error) {
	encoded, err := starlark.Call(thread, starjson.Module.Members["encode"], starlark.Tuple{result}, nil)
	if err != nil {
		return "", fmt.Errorf("return value is not JSON serializable: %w", err)
	}
	s, ok := starlark.AsString(encoded)
	if !ok {
		return "", fmt.Errorf("unexpected encoding of return value: %s", encoded.Type())
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(s), "", "  "); err != nil {
		return "", fmt.Errorf("failed to indent return value: %w", err)
	}
	return buf.String(), nil
}

func evalDiagnostic(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}

// pause sleeps for d unless ctx is done or stop is closed first
func pause(ctx context.Context, d time.Duration, stop <-chan struct{}) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	}
}

func stopSignal(thread *starlark.Thread) <-chan struct{} {
	stop, _ := thread.Local(stopLocalKey).(chan struct{})
	return stop
}

// sumBuiltin implements sum(iterable, start=0)
func sumBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		iterable starlark.Iterable
		start    starlark.Value = starlark.MakeInt(0)
	)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &iterable, &start); err != nil {
		return nil, err
	}

	stop := stopSignal(thread)
	iter := iterable.Iterate()
	defer iter.Done()

	total := start
	var x starlark.Value
	for i := 0; iter.Next(&x); i++ {
		if i%1024 == 0 {
			select {
			case <-stop:
				return nil, errStopped
			default:
			}
		}
		var err error
		if total, err = starlark.Binary(syntax.PLUS, total, x); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	return total, nil
}

// sleepBuiltin implements sleep(seconds), interrupted by cancellation
func sleepBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seconds starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &seconds); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(seconds)
	if !ok || math.IsNaN(f) || f < 0 {
		return nil, fmt.Errorf("%s: want non-negative number, got %s", b.Name(), seconds.Type())
	}

	stop := stopSignal(thread)
	if math.IsInf(f, 1) || f >= maxSleepSeconds {
		// longer than any timeout; only cancellation ends it
		<-stop
		return nil, errStopped
	}
	if err := pause(context.Background(), time.Duration(f*float64(time.Second)), stop); err != nil {
		return nil, err
	}
	return starlark.None, nil
}
