package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TriggerScheduled()                                 {}
func (n *NoopSink) TriggerFired(misfired bool, lag time.Duration)     {}
func (n *NoopSink) ClaimError()                                       {}
func (n *NoopSink) PendingTriggersUpdate(count int)                   {}
func (n *NoopSink) DeliveryCompleted(outcome string, d time.Duration) {}
func (n *NoopSink) EventsInFlightIncr()                               {}
func (n *NoopSink) EventsInFlightDecr()                               {}
func (n *NoopSink) BufferSizeUpdate(size int)                         {}
func (n *NoopSink) BufferCapacitySet(capacity int)                    {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)         {}
func (n *NoopSink) EmitError()                                        {}
func (n *NoopSink) TriggersRestored(count int)                        {}
func (n *NoopSink) ScheduleRequest(outcome string)                    {}

var _ Sink = (*NoopSink)(nil)
