package metrics

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/transport/channel"
)

// gather returns the registry's metric families by name.
func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

// series returns the metric of family name whose labels match, or nil.
func series(t *testing.T, reg *prometheus.Registry, name string, labels ...string) *dto.Metric {
	t.Helper()
	mf, ok := gather(t, reg)[name]
	if !ok {
		return nil
	}
	for _, m := range mf.GetMetric() {
		if hasLabels(m, labels) {
			return m
		}
	}
	return nil
}

func hasLabels(m *dto.Metric, kv []string) bool {
	if len(m.GetLabel())*2 != len(kv) {
		return false
	}
	for i := 0; i < len(kv); i += 2 {
		found := false
		for _, p := range m.GetLabel() {
			if p.GetName() == kv[i] && p.GetValue() == kv[i+1] {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestPrometheusSink_ExposesEveryMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zerolog.Nop())

	sink.TriggerScheduled()
	sink.TriggerFired(false, time.Second)
	sink.ClaimError()
	sink.PendingTriggersUpdate(1)
	sink.DeliveryCompleted(dispatcher.OutcomeSuccess, time.Second)
	sink.EventsInFlightIncr()
	sink.BufferSizeUpdate(1)
	sink.BufferCapacitySet(1)
	sink.BufferSaturationUpdate(1)
	sink.EmitError()
	sink.TriggersRestored(1)
	sink.ScheduleRequest(RequestAccepted)

	want := map[string]dto.MetricType{
		"easymail_scheduler_triggers_scheduled_total":   dto.MetricType_COUNTER,
		"easymail_scheduler_triggers_fired_total":       dto.MetricType_COUNTER,
		"easymail_scheduler_claim_errors_total":         dto.MetricType_COUNTER,
		"easymail_scheduler_pending_triggers":           dto.MetricType_GAUGE,
		"easymail_scheduler_fire_lag_seconds":           dto.MetricType_HISTOGRAM,
		"easymail_dispatcher_deliveries_total":          dto.MetricType_COUNTER,
		"easymail_dispatcher_delivery_duration_seconds": dto.MetricType_HISTOGRAM,
		"easymail_dispatcher_events_in_flight":          dto.MetricType_GAUGE,
		"easymail_eventbus_buffer_size":                 dto.MetricType_GAUGE,
		"easymail_eventbus_buffer_capacity":             dto.MetricType_GAUGE,
		"easymail_eventbus_buffer_saturation":           dto.MetricType_GAUGE,
		"easymail_eventbus_emit_errors_total":           dto.MetricType_COUNTER,
		"easymail_reconciler_restored_total":            dto.MetricType_COUNTER,
		"easymail_api_schedule_requests_total":          dto.MetricType_COUNTER,
	}

	got := gather(t, reg)
	if len(got) != len(want) {
		t.Errorf("gathered %d families, want %d", len(got), len(want))
	}
	for name, typ := range want {
		mf, ok := got[name]
		if !ok {
			t.Errorf("%s not exposed", name)
			continue
		}
		if mf.GetType() != typ {
			t.Errorf("%s type = %s, want %s", name, mf.GetType(), typ)
		}
	}
}

func TestPrometheusSink_FireLagByMisfire(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zerolog.Nop())

	sink.TriggerFired(false, 200*time.Millisecond)
	sink.TriggerFired(true, 2*time.Hour)
	// Clock skew can make the lag negative; it is recorded as zero.
	sink.TriggerFired(false, -time.Second)

	if m := series(t, reg, "easymail_scheduler_triggers_fired_total", "misfired", "false"); m.GetCounter().GetValue() != 2 {
		t.Errorf("misfired=false = %v, want 2", m.GetCounter().GetValue())
	}
	if m := series(t, reg, "easymail_scheduler_triggers_fired_total", "misfired", "true"); m.GetCounter().GetValue() != 1 {
		t.Errorf("misfired=true = %v, want 1", m.GetCounter().GetValue())
	}

	h := series(t, reg, "easymail_scheduler_fire_lag_seconds").GetHistogram()
	if h.GetSampleCount() != 3 {
		t.Errorf("lag samples = %d, want 3", h.GetSampleCount())
	}
	if want := 0.2 + 7200; h.GetSampleSum() != want {
		t.Errorf("lag sum = %v, want %v", h.GetSampleSum(), want)
	}
}

func TestPrometheusSink_AbandonedDeliveryHasNoDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zerolog.Nop())

	sink.DeliveryCompleted(dispatcher.OutcomeAbandoned, 0)
	sink.DeliveryCompleted(dispatcher.OutcomeSuccess, 1500*time.Millisecond)

	if m := series(t, reg, "easymail_dispatcher_deliveries_total", "outcome", dispatcher.OutcomeAbandoned); m == nil {
		t.Fatal("abandoned outcome not counted")
	}
	h := series(t, reg, "easymail_dispatcher_delivery_duration_seconds").GetHistogram()
	if h.GetSampleCount() != 1 || h.GetSampleSum() != 1.5 {
		t.Errorf("duration samples = %d sum %v, want 1 sample of 1.5s", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestPrometheusSink_ScheduleRequestsAndRestores(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zerolog.Nop())

	for _, outcome := range []string{RequestAccepted, RequestRejected, RequestAccepted, RequestFailed} {
		sink.ScheduleRequest(outcome)
	}
	sink.TriggersRestored(4)
	sink.TriggersRestored(0)

	for outcome, want := range map[string]float64{RequestAccepted: 2, RequestRejected: 1, RequestFailed: 1} {
		m := series(t, reg, "easymail_api_schedule_requests_total", "outcome", outcome)
		if m.GetCounter().GetValue() != want {
			t.Errorf("outcome=%s = %v, want %v", outcome, m.GetCounter().GetValue(), want)
		}
	}
	if m := series(t, reg, "easymail_reconciler_restored_total"); m.GetCounter().GetValue() != 4 {
		t.Errorf("restored = %v, want 4", m.GetCounter().GetValue())
	}
}

// pipelineStore records delivery attempts; jobs always travel in the event.
type pipelineStore struct {
	mu       sync.Mutex
	attempts int
}

func (s *pipelineStore) GetJob(ctx context.Context, id uuid.UUID, group string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}

func (s *pipelineStore) InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return nil
}

type bounceAction struct{ bounce string }

func (a bounceAction) Execute(ctx context.Context, job domain.Job) error {
	if job.Payload.Recipient == a.bounce {
		return errors.New("550 mailbox unavailable")
	}
	return nil
}

func TestPrometheusSink_RecordsDeliveryPipeline(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zerolog.Nop())

	bus := channel.NewEventBus(2, channel.WithMetrics(sink), channel.WithEmitTimeout(10*time.Millisecond))
	ctx := context.Background()
	for _, to := range []string{"ok@example.com", "bounce@example.com"} {
		event := domain.FireEvent{
			JobID:       uuid.New(),
			Payload:     &domain.EmailPayload{Recipient: to, Subject: "s", Body: "b"},
			ScheduledAt: time.Now(),
			FiredAt:     time.Now(),
		}
		if err := bus.Emit(ctx, event); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	// A third event does not fit.
	if err := bus.Emit(ctx, domain.FireEvent{JobID: uuid.New()}); !errors.Is(err, channel.ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}

	if v := series(t, reg, "easymail_eventbus_buffer_saturation").GetGauge().GetValue(); v != 1 {
		t.Errorf("saturation = %v, want 1", v)
	}
	if v := series(t, reg, "easymail_eventbus_buffer_capacity").GetGauge().GetValue(); v != 2 {
		t.Errorf("capacity = %v, want 2", v)
	}
	if v := series(t, reg, "easymail_eventbus_emit_errors_total").GetCounter().GetValue(); v != 1 {
		t.Errorf("emit errors = %v, want 1", v)
	}

	store := &pipelineStore{}
	d := dispatcher.New(store, bounceAction{bounce: "bounce@example.com"}).WithMetrics(sink)
	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	// Cancelled before start: both buffered events go through the drain.
	d.Run(runCtx, bus.Channel())

	for outcome, want := range map[string]float64{dispatcher.OutcomeSuccess: 1, dispatcher.OutcomeFailed: 1} {
		m := series(t, reg, "easymail_dispatcher_deliveries_total", "outcome", outcome)
		if m.GetCounter().GetValue() != want {
			t.Errorf("outcome=%s = %v, want %v", outcome, m.GetCounter().GetValue(), want)
		}
	}
	if v := series(t, reg, "easymail_dispatcher_events_in_flight").GetGauge().GetValue(); v != 0 {
		t.Errorf("in flight = %v after drain, want 0", v)
	}
	if store.attempts != 2 {
		t.Errorf("attempts = %d, want 2", store.attempts)
	}
}

func TestPrometheusSink_RegistrationConflictIsLogged(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg, zerolog.Nop())

	var buf bytes.Buffer
	second := NewPrometheusSink(reg, zerolog.New(&buf))
	second.TriggerScheduled()
	second.DeliveryCompleted(dispatcher.OutcomeFailed, time.Second)

	if !bytes.Contains(buf.Bytes(), []byte("failed to register metric")) {
		t.Errorf("expected a registration warning, got %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("easymail_api_schedule_requests_total")) {
		t.Errorf("expected the conflicting metric to be named, got %q", buf.String())
	}
}
