// Package metric provides Prometheus-based metrics collection and an HTTP
// server for capture-plane observability.
//
// The package offers a centralized registry managing both core capture
// metrics (active streams, sealing, RT event channel pressure, sessions,
// slicing, NATS health) and component-owned metrics registered at runtime.
// An HTTP server exposes everything in Prometheus format.
//
// # Basic Usage
//
//	registry := metric.NewRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        log.Fatal(err)
//	    }
//	}()
//	defer server.Stop()
//
//	registry.CoreMetrics().StreamsActive.Inc()
//
// Components register their own collectors through the Registrar interface:
//
//	err := registry.Register("eventbus", "publish_failures_total", counter)
//
// The rotation-latency histogram deserves attention in dashboards: it
// measures the chunk-full to switch-command round trip, whose budget is the
// RT plane's write headroom. Sustained growth there precedes data loss.
package metric
