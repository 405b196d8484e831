// Package metrics exposes the process metrics in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry exposes every metric registered through promauto (HTTP, action, cache and
// connection metrics, plus the Go runtime and process collectors) together with any
// collector registered on it directly.
type Registry struct {
	registry *prometheus.Registry
	gatherer prometheus.Gatherer
}

// NewRegistry creates a Registry backed by the default Prometheus gatherer.
func NewRegistry() *Registry {
	return newRegistry(prometheus.DefaultGatherer)
}

func newRegistry(base prometheus.Gatherer) *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{
		registry: reg,
		gatherer: prometheus.Gatherers{base, reg},
	}
}

// Register registers a custom Prometheus collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers custom collectors and panics on error.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector registered on r.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Handler returns the /metrics handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the combined gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.gatherer
}
