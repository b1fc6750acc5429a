package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureComponent simulates a component registering its own metrics
// through the Registrar interface.
type captureComponent struct {
	name      string
	rotations prometheus.Counter
}

func (c *captureComponent) registerMetrics(r Registrar) error {
	c.rotations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "capturekit",
		Subsystem: c.name,
		Name:      "rotations_total",
		Help:      "Chunk rotations driven by this component",
	})
	return r.Register(c.name, "rotations_total", c.rotations)
}

func TestComponentMetricsFlowToEndpoint(t *testing.T) {
	registry := NewRegistry()

	comp := &captureComponent{name: "streammgr"}
	require.NoError(t, comp.registerMetrics(registry))
	comp.rotations.Inc()
	comp.rotations.Inc()

	registry.CoreMetrics().StreamsActive.Set(3)
	registry.CoreMetrics().EventsDrained.WithLabelValues("chunk_full").Inc()

	handler := promhttp.HandlerFor(registry.PrometheusRegistry(), promhttp.HandlerOpts{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "capturekit_streammgr_rotations_total 2"))
	assert.True(t, strings.Contains(text, "capturekit_stream_active 3"))
	assert.True(t, strings.Contains(text, `capturekit_events_drained_total{type="chunk_full"} 1`))
}

func TestServerLifecycle(t *testing.T) {
	registry := NewRegistry()
	server := NewServer(0, "/metrics", registry)
	assert.Equal(t, "http://localhost:9090/metrics", server.Address())

	// Stop before start is a no-op
	assert.NoError(t, server.Stop())
}
