package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/scheduler"
)

type recordingMetrics struct {
	mu          sync.Mutex
	capacity    int
	sizes       []int
	saturations []float64
	emitErrors  int
}

func (m *recordingMetrics) BufferSizeUpdate(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, size)
}

func (m *recordingMetrics) BufferCapacitySet(capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capacity = capacity
}

func (m *recordingMetrics) BufferSaturationUpdate(saturation float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saturations = append(m.saturations, saturation)
}

func (m *recordingMetrics) EmitError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErrors++
}

func (m *recordingMetrics) errors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitErrors
}

func emailEvent(recipient string) domain.FireEvent {
	now := time.Now().UTC()
	return domain.FireEvent{
		JobID:       uuid.New(),
		Payload:     &domain.EmailPayload{Recipient: recipient, Subject: "Reminder", Body: "<p>hi</p>"},
		ScheduledAt: now,
		FiredAt:     now,
	}
}

func TestEventBus_DeliversPayloadInOrder(t *testing.T) {
	bus := NewEventBus(3)
	ctx := context.Background()

	recipients := []string{"a@example.com", "b@example.com", "c@example.com"}
	for _, r := range recipients {
		if err := bus.Emit(ctx, emailEvent(r)); err != nil {
			t.Fatalf("Emit(%s): %v", r, err)
		}
	}

	for _, want := range recipients {
		got := <-bus.Channel()
		job, ok := got.Job()
		if !ok {
			t.Fatalf("event %s lost its payload", got.JobID)
		}
		if job.Payload.Recipient != want {
			t.Errorf("recipient = %s, want %s", job.Payload.Recipient, want)
		}
	}
}

func TestEventBus_EmitTimeoutOption(t *testing.T) {
	for _, timeout := range []time.Duration{20 * time.Millisecond, 80 * time.Millisecond} {
		t.Run(timeout.String(), func(t *testing.T) {
			metrics := &recordingMetrics{}
			bus := NewEventBus(1, WithEmitTimeout(timeout), WithMetrics(metrics))
			ctx := context.Background()

			if err := bus.Emit(ctx, emailEvent("first@example.com")); err != nil {
				t.Fatalf("first Emit: %v", err)
			}

			start := time.Now()
			err := bus.Emit(ctx, emailEvent("second@example.com"))
			elapsed := time.Since(start)

			if !errors.Is(err, ErrBufferFull) {
				t.Fatalf("err = %v, want ErrBufferFull", err)
			}
			if elapsed < timeout {
				t.Errorf("gave up after %v, before the %v emit timeout", elapsed, timeout)
			}
			if metrics.errors() != 1 {
				t.Errorf("emit errors = %d, want 1", metrics.errors())
			}
		})
	}
}

func TestEventBus_EmitWaitsForSpaceWithinTimeout(t *testing.T) {
	bus := NewEventBus(1, WithEmitTimeout(2*time.Second))
	ctx := context.Background()

	if err := bus.Emit(ctx, emailEvent("first@example.com")); err != nil {
		t.Fatalf("first Emit: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		<-bus.Channel()
	}()

	if err := bus.Emit(ctx, emailEvent("second@example.com")); err != nil {
		t.Fatalf("Emit after the dispatcher freed space: %v", err)
	}
	job, _ := (<-bus.Channel()).Job()
	if job.Payload.Recipient != "second@example.com" {
		t.Errorf("recipient = %s, want second@example.com", job.Payload.Recipient)
	}
}

func TestEventBus_MetricsTrackBufferUse(t *testing.T) {
	metrics := &recordingMetrics{}
	bus := NewEventBus(4, WithMetrics(metrics))
	ctx := context.Background()

	if metrics.capacity != 4 {
		t.Errorf("capacity = %d, want 4", metrics.capacity)
	}

	bus.Emit(ctx, emailEvent("a@example.com"))
	bus.Emit(ctx, emailEvent("b@example.com"))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.sizes) != 2 || metrics.sizes[0] != 1 || metrics.sizes[1] != 2 {
		t.Errorf("sizes = %v, want [1 2]", metrics.sizes)
	}
	if len(metrics.saturations) != 2 || metrics.saturations[1] != 0.5 {
		t.Errorf("saturations = %v, want [0.25 0.5]", metrics.saturations)
	}
	if metrics.emitErrors != 0 {
		t.Errorf("emit errors = %d, want 0", metrics.emitErrors)
	}
}

func TestEventBus_CancelledContextIsEmitError(t *testing.T) {
	metrics := &recordingMetrics{}
	bus := NewEventBus(1, WithEmitTimeout(time.Minute), WithMetrics(metrics))

	if err := bus.Emit(context.Background(), emailEvent("first@example.com")); err != nil {
		t.Fatalf("first Emit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bus.Emit(ctx, emailEvent("second@example.com"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if metrics.errors() != 1 {
		t.Errorf("emit errors = %d, want 1", metrics.errors())
	}
}

// claimStore holds one job in memory and signals when its trigger is claimed.
type claimStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]domain.Job
	claimed chan uuid.UUID
}

func (s *claimStore) InsertJob(ctx context.Context, job domain.Job, trigger domain.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *claimStore) GetJob(ctx context.Context, id uuid.UUID, group string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return job, nil
}

func (s *claimStore) PendingTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error) {
	return nil, nil
}

func (s *claimStore) MarkFired(ctx context.Context, jobID uuid.UUID, state domain.TriggerState, firedAt time.Time) error {
	s.claimed <- jobID
	return nil
}

func TestEventBus_SchedulerShutdownStillHandsOffClaimedTrigger(t *testing.T) {
	bus := NewEventBus(1, WithEmitTimeout(5*time.Second))
	store := &claimStore{jobs: make(map[uuid.UUID]domain.Job), claimed: make(chan uuid.UUID, 1)}
	sched := scheduler.New(scheduler.Config{EmitTimeout: 5 * time.Second}, store, bus)

	// The dispatcher is behind: the buffer is already full.
	if err := bus.Emit(context.Background(), emailEvent("queued@example.com")); err != nil {
		t.Fatalf("prefill Emit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	id := uuid.New()
	job := domain.Job{
		ID:      id,
		Group:   domain.JobGroup,
		Payload: domain.EmailPayload{Recipient: "late@example.com", Subject: "s", Body: "b"},
	}
	trigger := domain.Trigger{JobID: id, Group: domain.TriggerGroup, FireAt: time.Now().Add(20 * time.Millisecond)}
	if err := sched.Schedule(ctx, job, trigger); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	select {
	case <-store.claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger was not claimed")
	}

	// Shut the scheduler down while its emit is waiting for buffer space.
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	<-bus.Channel()
	select {
	case got := <-bus.Channel():
		if got.JobID != id {
			t.Errorf("JobID = %s, want %s", got.JobID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("claimed trigger was dropped at shutdown")
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
