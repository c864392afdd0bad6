package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RecordOperation counts one completed operation and records its duration.
// Example: m.RecordOperation("rabbit", "publish", "default-exchange", "success", 3*time.Millisecond)
func (m *Metrics) RecordOperation(component, operation, resource, status string, duration time.Duration) {
	m.operationsTotal.WithLabelValues(component, operation, resource, status).Inc()
	m.operationDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordPayloadSize records the size of a message payload in bytes.
func (m *Metrics) RecordPayloadSize(component, operation string, size int64) {
	m.payloadSize.WithLabelValues(component, operation).Observe(float64(size))
}

// SetTransportUp sets the transport_up gauge for a component's broker target.
// Example: m.SetTransportUp("rabbit", "rabbitmq", true)
func (m *Metrics) SetTransportUp(component, target string, up bool) {
	value := 0.0
	if up {
		value = 1
	}
	m.transportUp.WithLabelValues(component, target).Set(value)
}

// CreateCounter creates a new CounterVec metric and registers it.
func (m *Metrics) CreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := m.createCounterVec(name, help, labels)
	m.registerer.MustRegister(counter)
	return counter
}

// CreateHistogram creates a new HistogramVec metric and registers it.
func (m *Metrics) CreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	hist := m.createHistogramVec(name, help, labels, buckets)
	m.registerer.MustRegister(hist)
	return hist
}

// CreateGauge creates a new GaugeVec metric and registers it.
func (m *Metrics) CreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := m.createGaugeVec(name, help, labels)
	m.registerer.MustRegister(gauge)
	return gauge
}

func (m *Metrics) createCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func (m *Metrics) createHistogramVec(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

func (m *Metrics) createGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}
