package engine

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
	"go.uber.org/zap"

	"github.com/isdmx/funcbox/buildcache"
	"github.com/isdmx/funcbox/config"
	"github.com/isdmx/funcbox/fingerprint"
	"github.com/isdmx/funcbox/metrics"
	"github.com/isdmx/funcbox/sandbox"
	"github.com/isdmx/funcbox/workspace"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultMaximum  = 60 * time.Second
	teardownTimeout = 30 * time.Second
	recordTimeout   = 5 * time.Second
)

// Dispatcher runs execution requests against the registered backends
type Dispatcher struct {
	logger     *zap.Logger
	backends   map[RuntimeKind]sandbox.Backend
	caches     map[RuntimeKind]*buildcache.Cache
	workspaces *workspace.Manager
	sink       metrics.Sink
	recorder   *metrics.Recorder

	defaultTimeout  time.Duration
	maxTimeout      time.Duration
	cacheMaxEntries int
	observer        func(from, to State)
	now             func() time.Time

	// outstanding asynchronous cleanups; pending only grows while no Drain
	// is waiting on it
	mu       sync.Mutex
	draining int
	pending  sync.WaitGroup
}

// Option defines a functional option for Dispatcher
type Option func(*Dispatcher)

// WithRecorder sets the Prometheus recorder
func WithRecorder(r *metrics.Recorder) Option {
	return func(d *Dispatcher) {
		d.recorder = r
	}
}

// WithDefaultTimeout sets the timeout applied to requests that do not set one
func WithDefaultTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		d.defaultTimeout = t
	}
}

// WithMaxTimeout sets the largest timeout a request may ask for
func WithMaxTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		d.maxTimeout = t
	}
}

// WithCacheMaxEntries bounds each runtime's build cache. Zero is unbounded.
func WithCacheMaxEntries(n int) Option {
	return func(d *Dispatcher) {
		d.cacheMaxEntries = n
	}
}

// WithObserver registers a callback for every state transition
func WithObserver(fn func(from, to State)) Option {
	return func(d *Dispatcher) {
		d.observer = fn
	}
}

// NewDispatcher creates a Dispatcher with one build cache per backend
func NewDispatcher(logger *zap.Logger, backends []sandbox.Backend, workspaces *workspace.Manager, sink metrics.Sink, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		logger:         logger,
		backends:       make(map[RuntimeKind]sandbox.Backend, len(backends)),
		caches:         make(map[RuntimeKind]*buildcache.Cache, len(backends)),
		workspaces:     workspaces,
		sink:           sink,
		defaultTimeout: defaultTimeout,
		maxTimeout:     defaultMaximum,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	if len(backends) == 0 {
		return nil, errors.New("no backend registered")
	}
	if d.sink == nil {
		d.sink = metrics.NopStore{}
	}
	if d.defaultTimeout <= 0 || d.maxTimeout < d.defaultTimeout {
		return nil, fmt.Errorf("invalid timeouts: default %s, max %s", d.defaultTimeout, d.maxTimeout)
	}

	for _, b := range backends {
		runtime := b.Runtime()
		if _, dup := d.backends[runtime]; dup {
			return nil, fmt.Errorf("duplicate backend for runtime %s", runtime)
		}
		d.backends[runtime] = b
		d.caches[runtime] = buildcache.New(
			buildcache.WithMaxEntries(d.cacheMaxEntries),
			buildcache.WithOnEvict(d.releaser(b)),
		)
	}

	return d, nil
}

// NewFromConfig creates a Dispatcher from the engine configuration
func NewFromConfig(
	logger *zap.Logger,
	cfg *config.Config,
	backends []sandbox.Backend,
	workspaces *workspace.Manager,
	store metrics.Store,
	recorder *metrics.Recorder,
) (*Dispatcher, error) {
	return NewDispatcher(logger, backends, workspaces, store,
		WithRecorder(recorder),
		WithDefaultTimeout(cfg.DefaultTimeout()),
		WithMaxTimeout(cfg.MaxTimeout()),
		WithCacheMaxEntries(cfg.Engine.CacheMaxEntries),
	)
}

// Runtimes lists the registered runtimes
func (d *Dispatcher) Runtimes() []RuntimeKind {
	runtimes := make([]RuntimeKind, 0, len(d.backends))
	for _, r := range []RuntimeKind{RuntimeStrong, RuntimeSimulated} {
		if _, ok := d.backends[r]; ok {
			runtimes = append(runtimes, r)
		}
	}
	return runtimes
}

// Execute runs req to a terminal state. The returned error is non-nil only for
// a *ValidationError; every accepted request yields a Result.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Result, error) {
	start := d.now()

	backend, timeout, err := d.validate(req)
	if err != nil {
		return Result{}, err
	}

	fp := fingerprint.Of(req.Code)
	ex := &execution{
		d:       d,
		backend: backend,
		state:   StateReceived,
		logger: d.logger.With(
			zap.String("execution_id", uuid.NewString()),
			zap.String("runtime", string(req.Runtime)),
			zap.String("fingerprint", fp.Short()),
		),
	}

	d.recorder.ExecutionStarted()
	result := ex.run(ctx, req, fp, timeout)

	elapsed := d.now().Sub(start)
	result.Runtime = req.Runtime
	result.Backend = backend.Name()
	result.Fingerprint = fp.String()
	result.Duration = math.Round(elapsed.Seconds()*1000) / 1000

	d.recorder.ExecutionFinished(string(req.Runtime), string(result.Status), result.Warm, elapsed)
	d.record(ctx, ex.logger, result)

	ex.logger.Info("execution finished",
		zap.String("status", string(result.Status)),
		zap.Bool("warm", result.Warm),
		zap.Duration("duration", elapsed),
	)
	return result, nil
}

// Drain waits for outstanding asynchronous cleanups. Cleanups started while
// it waits run synchronously on the request's goroutine.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining++
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		d.mu.Lock()
		d.draining--
		d.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain pending cleanups: %w", ctx.Err())
	}
}

// async runs fn on its own goroutine, tracked by Drain
func (d *Dispatcher) async(fn func()) {
	d.mu.Lock()
	if d.draining > 0 {
		d.mu.Unlock()
		fn()
		return
	}
	d.pending.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.pending.Done()
		fn()
	}()
}

// Close drains pending cleanups and closes the metrics sink
func (d *Dispatcher) Close(ctx context.Context) error {
	drainErr := d.Drain(ctx)
	if err := d.sink.Close(); err != nil {
		return errors.Join(drainErr, fmt.Errorf("failed to close metrics sink: %w", err))
	}
	return drainErr
}

func (d *Dispatcher) validate(req Request) (sandbox.Backend, time.Duration, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, 0, &ValidationError{Err: ErrEmptyCode}
	}

	backend, ok := d.backends[req.Runtime]
	if !ok {
		return nil, 0, &ValidationError{Err: ErrUnsupportedRuntime, Detail: fmt.Sprintf("%q", req.Runtime)}
	}

	if len(bytes.TrimSpace(req.Input)) > 0 && !json.Valid(req.Input) {
		return nil, 0, &ValidationError{Err: ErrInvalidPayload, Detail: "not valid JSON"}
	}

	timeout := req.Timeout
	switch {
	case timeout == 0:
		timeout = d.defaultTimeout
	case timeout < 0:
		return nil, 0, &ValidationError{Err: ErrInvalidTimeout, Detail: fmt.Sprintf("%s is negative", timeout)}
	case timeout > d.maxTimeout:
		return nil, 0, &ValidationError{Err: ErrInvalidTimeout, Detail: fmt.Sprintf("%s exceeds the maximum of %s", timeout, d.maxTimeout)}
	}

	return backend, timeout, nil
}

func (d *Dispatcher) record(ctx context.Context, logger *zap.Logger, result Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	rec := metrics.MetricRecord{
		Timestamp: d.now().UTC(),
		Runtime:   string(result.Runtime),
		Success:   result.Status == StatusSuccess,
		Duration:  result.Duration,
		Warm:      result.Warm,
	}
	if err := d.sink.Record(ctx, rec); err != nil {
		logger.Error("failed to record execution metric", zap.Error(err))
	}
}

func (d *Dispatcher) releaser(b sandbox.Backend) buildcache.EvictFunc {
	return func(fp fingerprint.Fingerprint, artifact sandbox.ArtifactHandle) {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := b.Release(ctx, artifact); err != nil {
			d.logger.Warn("failed to release evicted artifact",
				zap.String("fingerprint", fp.Short()),
				zap.String("artifact", artifact.ID),
				zap.Error(err),
			)
			return
		}
		d.logger.Debug("evicted artifact released", zap.String("fingerprint", fp.Short()), zap.String("artifact", artifact.ID))
	}
}
