package metric

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, r *Registry) map[string]bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewRegistryExposesCoreMetrics(t *testing.T) {
	registry := NewRegistry()
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())

	registry.CoreMetrics().StreamsActive.Inc()
	registry.CoreMetrics().ChunksSealed.WithLabelValues("stream://a/b", "sealed").Inc()

	names := gatherNames(t, registry)
	assert.True(t, names["capturekit_stream_active"])
	assert.True(t, names["capturekit_stream_chunks_sealed_total"])
}

func TestRegisterComponentCollector(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_publish_failures_total",
		Help: "Publish failures",
	})
	require.NoError(t, registry.Register("eventbus", "publish_failures_total", counter))
	counter.Inc()

	names := gatherNames(t, registry)
	assert.True(t, names["eventbus_publish_failures_total"])
}

func TestRegisterDuplicateRejected(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "x"})
	require.NoError(t, registry.Register("svc", "dup_total", counter))

	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_total", Help: "x"})
	err := registry.Register("svc", "dup_total", other)
	assert.Error(t, err)
}

func TestUnregisterAllowsReRegistration(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "cycle_total", Help: "x"})
	require.NoError(t, registry.Register("svc", "cycle_total", counter))
	assert.True(t, registry.Unregister("svc", "cycle_total"))
	assert.False(t, registry.Unregister("svc", "cycle_total"))

	again := prometheus.NewCounter(prometheus.CounterOpts{Name: "cycle_total", Help: "x"})
	assert.NoError(t, registry.Register("svc", "cycle_total", again))
}

func TestConcurrentRegistration(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name: fmt.Sprintf("concurrent_%d_total", i),
				Help: "x",
			})
			assert.NoError(t, registry.Register("svc", fmt.Sprintf("m%d", i), c))
		}(i)
	}
	wg.Wait()
}
