// Package metrics records easymail metrics. Components depend on their own
// narrow sink interfaces; Sink is the union implemented here.
package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	TriggerScheduled()
	TriggerFired(misfired bool, lag time.Duration)
	ClaimError()
	PendingTriggersUpdate(count int)

	// Dispatcher metrics
	DeliveryCompleted(outcome string, duration time.Duration)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Reconciler metrics
	TriggersRestored(count int)

	// API metrics
	ScheduleRequest(outcome string)
}

// Outcome constants for ScheduleRequest.
const (
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
	RequestFailed   = "error"
)
