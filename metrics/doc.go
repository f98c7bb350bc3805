// Package metrics records one MetricRecord per finished execution.
//
// History is append-only and goes to one of several stores: a JSON Lines file
// (the default), a Redis list or a PostgreSQL table. Recorder additionally
// exposes live counters and histograms to Prometheus, and Summarize computes
// the aggregate view over stored history.
package metrics
