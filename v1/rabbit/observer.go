package rabbit

import (
	"time"

	"github.com/Aleph-Alpha/rabbitbus/v1/observability"
)

// observeOperation notifies the observer about an operation if one is configured.
//
// Notes:
//   - resource: the exchange or queue the operation targeted
//   - subResource: the routing key or event name, when there is one
func (rb *RabbitClient) observeOperation(operation, resource, subResource string, duration time.Duration, err error, size int64) {
	if rb == nil || rb.observer == nil {
		return
	}

	rb.observer.ObserveOperation(observability.OperationContext{
		Component:   "rabbit",
		Operation:   operation,
		Resource:    resource,
		SubResource: subResource,
		Duration:    duration,
		Error:       err,
		Size:        size,
	})
}
