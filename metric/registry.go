package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/capturekit/errors"
)

// Registrar is the interface components use to register their own metrics
// alongside the core capture-plane set.
type Registrar interface {
	Register(component, metricName string, collector prometheus.Collector) error
	Unregister(component, metricName string) bool
}

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a registry with the core capture metrics and Go
// runtime collectors pre-registered.
func NewRegistry() *Registry {
	promReg := prometheus.NewRegistry()
	r := &Registry{
		prometheusRegistry: promReg,
		Metrics:            NewMetrics(),
		registered:         make(map[string]prometheus.Collector),
	}
	promReg.MustRegister(r.Metrics.collectors()...)
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core capture-plane metrics.
func (r *Registry) CoreMetrics() *Metrics {
	return r.Metrics
}

// Register registers a component-owned collector under component.metricName.
func (r *Registry) Register(component, metricName string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, metricName)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for %s", metricName, component),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyReg prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyReg) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "Registry", "Register", "prometheus registration failed")
	}

	r.registered[key] = collector
	return nil
}

// Unregister removes a component-owned collector.
func (r *Registry) Unregister(component, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, metricName)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}
	ok := r.prometheusRegistry.Unregister(collector)
	if ok {
		delete(r.registered, key)
	}
	return ok
}
