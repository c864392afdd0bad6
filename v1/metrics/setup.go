package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// sizeBuckets covers message payloads from 64B to 4MiB.
var sizeBuckets = prometheus.ExponentialBuckets(64, 4, 9)

// Metrics holds a dedicated Prometheus registry, the built-in operation
// metrics and the HTTP server exposing them.
type Metrics struct {
	// Server serves the registry on /metrics.
	Server *http.Server

	// Registry is the isolated registry all metrics of this instance live in.
	Registry *prometheus.Registry

	// registerer wraps Registry with the constant "service" label
	registerer prometheus.Registerer
	namespace  string

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	payloadSize       *prometheus.HistogramVec
	transportUp       *prometheus.GaugeVec
}

// NewMetrics creates the registry, registers the operation metrics and, when
// enabled, the default collectors, and prepares the /metrics server.
//
// Built-in metrics (names prefixed by Config.Namespace when set):
//   - operations_total{component,operation,resource,status}
//   - operation_duration_seconds{component,operation}
//   - payload_size_bytes{component,operation}
//   - transport_up{component,target}
//
// Example:
//
//	m := metrics.NewMetrics(metrics.Config{
//	    Address:     ":9090",
//	    ServiceName: "billing",
//	})
//	bus.WithObserver(metrics.NewOperationObserver(m))
//	go m.Server.ListenAndServe()
func NewMetrics(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()

	// every metric registered through m.registerer carries service="<ServiceName>"
	wrappedRegistry := prometheus.WrapRegistererWith(
		prometheus.Labels{"service": cfg.ServiceName},
		registry,
	)

	m := &Metrics{
		Registry:   registry,
		registerer: wrappedRegistry,
		namespace:  cfg.Namespace,
	}

	m.operationsTotal = m.createCounterVec("operations_total",
		"Total number of completed client operations", []string{"component", "operation", "resource", "status"})
	m.operationDuration = m.createHistogramVec("operation_duration_seconds",
		"Duration of client operations in seconds", []string{"component", "operation"}, prometheus.DefBuckets)
	m.payloadSize = m.createHistogramVec("payload_size_bytes",
		"Size of message payloads in bytes", []string{"component", "operation"}, sizeBuckets)
	m.transportUp = m.createGaugeVec("transport_up",
		"1 when the last connect attempt of the transport succeeded, 0 otherwise", []string{"component", "target"})

	wrappedRegistry.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.payloadSize,
		m.transportUp,
	)

	if cfg.EnableDefaultCollectors {
		wrappedRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewBuildInfoCollector(),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	m.Server = &http.Server{
		Addr:              cfg.address(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m
}
