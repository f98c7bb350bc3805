package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes live execution metrics to Prometheus. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	builds     *prometheus.CounterVec
	inflight   prometheus.Gauge
}

// NewRecorder registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		// executions counts finished executions by runtime and terminal status.
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funcbox_executions_total",
				Help: "Total number of function executions",
			},
			[]string{"runtime", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "funcbox_execution_duration_seconds",
				Help:    "End-to-end duration of function executions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"runtime", "warm"},
		),
		builds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "funcbox_builds_total",
				Help: "Total number of artifact builds",
			},
			[]string{"runtime", "result"},
		),
		inflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "funcbox_inflight_executions",
				Help: "Number of executions currently being processed",
			},
		),
	}
}

// ExecutionStarted marks one more execution in flight
func (r *Recorder) ExecutionStarted() {
	if r == nil {
		return
	}
	r.inflight.Inc()
}

// ExecutionFinished records a terminal execution and takes it out of flight
func (r *Recorder) ExecutionFinished(runtime, status string, warm bool, d time.Duration) {
	if r == nil {
		return
	}
	r.inflight.Dec()
	r.executions.WithLabelValues(runtime, status).Inc()
	r.duration.WithLabelValues(runtime, strconv.FormatBool(warm)).Observe(d.Seconds())
}

// BuildFinished counts one build attempt
func (r *Recorder) BuildFinished(runtime string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.builds.WithLabelValues(runtime, result).Inc()
}
