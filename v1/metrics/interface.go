package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector provides an interface for collecting and exposing application metrics.
//
// This interface is implemented by the concrete *Metrics type.
type MetricsCollector interface {
	// RecordOperation counts an operation and records its duration.
	RecordOperation(component, operation, resource, status string, duration time.Duration)

	// RecordPayloadSize records a message payload size in bytes.
	RecordPayloadSize(component, operation string, size int64)

	// SetTransportUp reports whether a component reached its broker target.
	SetTransportUp(component, target string, up bool)

	// CreateCounter creates a new CounterVec metric and registers it.
	CreateCounter(name, help string, labels []string) *prometheus.CounterVec

	// CreateHistogram creates a new HistogramVec metric and registers it.
	CreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec

	// CreateGauge creates a new GaugeVec metric and registers it.
	CreateGauge(name, help string, labels []string) *prometheus.GaugeVec
}
