package metrics

import (
	"github.com/Aleph-Alpha/rabbitbus/v1/observability"
)

// OperationObserver turns observability.OperationContext records into
// Prometheus metrics. Pass it to rabbit.WithObserver, or let FXModule provide
// it as the observability.Observer of the container.
type OperationObserver struct {
	collector MetricsCollector
}

// NewOperationObserver returns an observer recording into collector.
func NewOperationObserver(collector MetricsCollector) *OperationObserver {
	return &OperationObserver{collector: collector}
}

// ObserveOperation implements observability.Observer.
//
// "connect" operations also drive the transport_up gauge for the component
// and target. The bus reports a connection dropped by the broker as a failed
// connect, so an outage reads 0 until the next successful connect.
func (o *OperationObserver) ObserveOperation(ctx observability.OperationContext) {
	o.collector.RecordOperation(ctx.Component, ctx.Operation, ctx.Resource, ctx.Status(), ctx.Duration)
	if ctx.Size > 0 {
		o.collector.RecordPayloadSize(ctx.Component, ctx.Operation, ctx.Size)
	}
	if ctx.Operation == "connect" {
		o.collector.SetTransportUp(ctx.Component, ctx.Resource, ctx.Error == nil)
	}
}
