package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	log zerolog.Logger

	// Scheduler metrics
	triggersScheduledTotal prometheus.Counter
	triggersFiredTotal     *prometheus.CounterVec
	claimErrorsTotal       prometheus.Counter
	pendingTriggers        prometheus.Gauge
	fireLag                prometheus.Histogram

	// Dispatcher metrics
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	eventsInFlight   prometheus.Gauge

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	restoredTotal prometheus.Counter

	scheduleRequestsTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, log zerolog.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initIntakeMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.triggersScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_scheduler_triggers_scheduled_total",
		Help: "Total number of triggers registered through the API.",
	})
	s.triggersFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymail_scheduler_triggers_fired_total",
		Help: "Total number of triggers fired.",
	}, []string{"misfired"})
	s.claimErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_scheduler_claim_errors_total",
		Help: "Total number of store errors while claiming a due trigger.",
	})
	s.pendingTriggers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_scheduler_pending_triggers",
		Help: "Number of triggers waiting to fire.",
	})
	s.fireLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easymail_scheduler_fire_lag_seconds",
		Help:    "Delay between a trigger's fire instant and its actual firing in seconds.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 3600},
	})

	s.register(reg, s.triggersScheduledTotal, "easymail_scheduler_triggers_scheduled_total")
	s.register(reg, s.triggersFiredTotal, "easymail_scheduler_triggers_fired_total")
	s.register(reg, s.claimErrorsTotal, "easymail_scheduler_claim_errors_total")
	s.register(reg, s.pendingTriggers, "easymail_scheduler_pending_triggers")
	s.register(reg, s.fireLag, "easymail_scheduler_fire_lag_seconds")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymail_dispatcher_deliveries_total",
		Help: "Total number of deliveries by outcome.",
	}, []string{"outcome"})

	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easymail_dispatcher_delivery_duration_seconds",
		Help:    "Mail delivery latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_dispatcher_events_in_flight",
		Help: "Number of events currently being processed.",
	})

	s.register(reg, s.deliveriesTotal, "easymail_dispatcher_deliveries_total")
	s.register(reg, s.deliveryDuration, "easymail_dispatcher_delivery_duration_seconds")
	s.register(reg, s.eventsInFlight, "easymail_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_eventbus_buffer_saturation",
		Help: "Fraction of the event bus buffer in use (0-1).",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full or cancelled).",
	})

	s.register(reg, s.bufferSize, "easymail_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "easymail_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "easymail_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "easymail_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initIntakeMetrics(reg prometheus.Registerer) {
	s.restoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_reconciler_restored_total",
		Help: "Total number of persisted triggers re-registered by the reconciler.",
	})
	s.scheduleRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymail_api_schedule_requests_total",
		Help: "Total number of schedule requests by outcome.",
	}, []string{"outcome"})

	s.register(reg, s.restoredTotal, "easymail_reconciler_restored_total")
	s.register(reg, s.scheduleRequestsTotal, "easymail_api_schedule_requests_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn().Err(err).Str("metric", name).Msg("failed to register metric")
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TriggerScheduled() {
	s.triggersScheduledTotal.Inc()
}

func (s *PrometheusSink) TriggerFired(misfired bool, lag time.Duration) {
	s.triggersFiredTotal.WithLabelValues(strconv.FormatBool(misfired)).Inc()
	if lag < 0 {
		lag = 0
	}
	s.fireLag.Observe(lag.Seconds())
}

func (s *PrometheusSink) ClaimError() {
	s.claimErrorsTotal.Inc()
}

func (s *PrometheusSink) PendingTriggersUpdate(count int) {
	s.pendingTriggers.Set(float64(count))
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryCompleted(outcome string, duration time.Duration) {
	s.deliveriesTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		s.deliveryDuration.Observe(duration.Seconds())
	}
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

func (s *PrometheusSink) TriggersRestored(count int) {
	s.restoredTotal.Add(float64(count))
}

func (s *PrometheusSink) ScheduleRequest(outcome string) {
	s.scheduleRequestsTotal.WithLabelValues(outcome).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
