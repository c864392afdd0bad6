// Package metrics provides Prometheus-based metrics for the bus and the
// services built on it.
//
// # Architecture
//
// This package follows the "accept interfaces, return structs" design pattern:
//   - MetricsCollector interface: Defines the contract for metrics operations
//   - Metrics struct: Concrete implementation of the MetricsCollector interface
//   - OperationObserver: Implements observability.Observer on top of a MetricsCollector
//   - FX module: Provides *Metrics, MetricsCollector, *OperationObserver and
//     observability.Observer for dependency injection
//
// Core Features:
//   - A dedicated registry per instance with a constant "service" label
//   - Built-in operation counters, latency and payload size histograms, and a
//     transport_up gauge fed by the bus "connect" operation
//   - Optional Go runtime, process and build info collectors
//   - A /metrics endpoint started and stopped by the Fx lifecycle
//
// # Direct Usage (Without FX)
//
//	import "github.com/Aleph-Alpha/rabbitbus/v1/metrics"
//
//	m := metrics.NewMetrics(metrics.Config{
//		Address:                 ":9090",
//		EnableDefaultCollectors: true,
//		ServiceName:             "billing",
//	})
//	go m.Server.ListenAndServe()
//
//	bus, _ := rabbit.NewClient(cfg)
//	bus.WithObserver(metrics.NewOperationObserver(m))
//
// # FX Module Integration
//
//	app := fx.New(
//		logger.FXModule,  // Optional: lifecycle logs
//		metrics.FXModule, // Provides the observer rabbit.FXModule injects
//		rabbit.FXModule,
//		fx.Provide(func() metrics.Config {
//			return metrics.Config{Address: ":9090", ServiceName: "billing"}
//		}),
//	)
//	app.Run()
//
// # Exposed Metrics
//
//	operations_total{component,operation,resource,status}
//	operation_duration_seconds{component,operation}
//	payload_size_bytes{component,operation}
//	transport_up{component,target}
//
// For the bus, operation is one of connect, publish, send, consume, ack,
// requeue, reject, dead_letter, get, create_queue and delete_queue; resource
// is the exchange or queue name and status is success or error.
//
// # Configuration
//
//	METRICS_ADDRESS=:9090                      # Port and address for /metrics endpoint
//	METRICS_ENABLE_DEFAULT_COLLECTORS=true     # Enable runtime and process metrics
//	METRICS_NAMESPACE=billing                  # Optional prefix for all metric names
//	METRICS_SERVICE_NAME=billing               # Adds service label to all metrics
//
// # Custom Metrics
//
//	processed := m.CreateCounter("orders_processed_total", "Processed orders", []string{"kind"})
//	processed.WithLabelValues("refund").Inc()
//
// Keep label values bounded; queue and exchange names are fine, message ids are not.
package metrics
