// Package observability defines the hook that client packages use to report
// the operations they perform.
//
// Clients accept an optional Observer (via WithObserver or Fx injection) and
// emit one OperationContext per completed operation. Implementations turn
// those records into metrics, traces or audit logs; see metrics.OperationObserver.
package observability

import "time"

// Observer receives a notification for every completed client operation.
// Implementations must be safe for concurrent use and should return quickly,
// since they are called inline on the operation path.
type Observer interface {
	ObserveOperation(ctx OperationContext)
}

// OperationContext describes a single completed operation.
type OperationContext struct {
	// Component is the emitting package, e.g. "rabbit".
	Component string

	// Operation is the verb, e.g. "publish", "consume", "requeue".
	Operation string

	// Resource is the primary target (exchange or queue name).
	Resource string

	// SubResource is a secondary target such as a routing key or event name.
	SubResource string

	Duration time.Duration

	// Error is nil for successful operations.
	Error error

	// Size is the payload size in bytes, 0 when not applicable.
	Size int64

	Metadata map[string]interface{}
}

// Status returns "success" or "error" depending on Error.
func (o OperationContext) Status() string {
	if o.Error != nil {
		return "error"
	}
	return "success"
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(ctx OperationContext)

// ObserveOperation calls f(ctx).
func (f ObserverFunc) ObserveOperation(ctx OperationContext) {
	f(ctx)
}
