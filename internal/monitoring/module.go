package monitoring

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options control monitoring module configuration.
type Options struct {
	// Namespace prefixes the module's own collectors. Defaults to "authcore".
	Namespace string
	// Gatherers are merged into the metrics endpoint, typically prometheus.DefaultGatherer
	// which holds the authentication counters.
	Gatherers []prometheus.Gatherer
}

// Module owns the maintenance collectors, the job statistics and the health probes.
type Module struct {
	registry  *prometheus.Registry
	gatherers prometheus.Gatherers
	jobs      *jobCollectors
	stats     *jobStore
	health    *HealthManager
}

// NewModule constructs a monitoring module with its own Prometheus registry.
func NewModule(opts Options) (*Module, error) {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "authcore"
	}

	registry := prometheus.NewRegistry()
	jobs := newJobCollectors(namespace)
	for _, collector := range jobs.all() {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	gatherers := prometheus.Gatherers{registry}
	for _, g := range opts.Gatherers {
		if g != nil {
			gatherers = append(gatherers, g)
		}
	}

	return &Module{
		registry:  registry,
		gatherers: gatherers,
		jobs:      jobs,
		stats:     newJobStore(),
		health:    NewHealthManager(),
	}, nil
}

// Registry exposes the module's own registry.
func (m *Module) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves every configured gatherer in the Prometheus text format.
func (m *Module) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.gatherers, promhttp.HandlerOpts{})
}

// Health exposes the health manager responsible for liveness and readiness probes.
func (m *Module) Health() *HealthManager {
	if m == nil {
		return nil
	}
	return m.health
}

var globalModule atomic.Pointer[Module]

// SetModule configures the process-wide module used by RecordMaintenanceRun and Snapshot.
func SetModule(module *Module) {
	if module == nil {
		return
	}
	globalModule.Store(module)
}

// CurrentModule returns the process-wide monitoring module, or nil when unset.
func CurrentModule() *Module {
	return globalModule.Load()
}
