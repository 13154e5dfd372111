// Package metric wraps a dedicated prometheus registry and defines the
// rules engine's instrumentation: fact counts, firing durations, rule
// trigger counts, deployment statuses and geofence batches.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a private prometheus registry so tests and embedders never
// collide with the global default.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates a registry pre-loaded with the Go runtime and process
// collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg}
}

// Register adds a collector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.reg.Register(c)
}

// MustRegister adds collectors, panicking on conflict. Use at startup only.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// Handler returns the scrape endpoint handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying gatherer for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
