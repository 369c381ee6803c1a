// Package scheduler owns the pending one-shot triggers and fires each of them
// exactly once, at or after its fire instant.
//
// Every registered trigger is persisted before it enters the in-memory wait
// queue. A single waiter goroutine sleeps until the earliest trigger is due,
// claims it in the store (scheduled -> fired|misfired) and hands a FireEvent to
// the dispatcher. The claim is a guarded state transition, so a trigger observed
// as due by both the waiter and a recovery pass fires only once.
//
// s.mu guards the in-memory queue only; store calls run without it.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/easy-mail/internal/domain"
)

type Store interface {
	InsertJob(ctx context.Context, job domain.Job, trigger domain.Trigger) error
	GetJob(ctx context.Context, id uuid.UUID, group string) (domain.Job, error)
	PendingTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error)
	// MarkFired moves a scheduled trigger to a terminal state. Implementations
	// MUST return domain.ErrAlreadyFired when the trigger is already terminal.
	MarkFired(ctx context.Context, jobID uuid.UUID, state domain.TriggerState, firedAt time.Time) error
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.FireEvent) error
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TriggerScheduled()
	TriggerFired(misfired bool, lag time.Duration)
	ClaimError()
	PendingTriggersUpdate(count int)
}

type Config struct {
	// MisfireThreshold is how late a trigger may fire before it is recorded as
	// misfired. Misfired triggers still fire, once.
	MisfireThreshold time.Duration

	// RetryDelay is how long a trigger waits before its claim is retried after
	// a store error.
	RetryDelay time.Duration

	// MaxWait caps a single sleep of the waiter. Timers run on the monotonic
	// clock, which stops while the host is suspended; the wall clock is
	// re-checked at least this often.
	MaxWait time.Duration

	// EmitTimeout bounds the hand-off of a claimed trigger to the dispatcher.
	EmitTimeout time.Duration

	// RecoveryBatchSize is the page size used when loading pending triggers.
	RecoveryBatchSize int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MisfireThreshold:  time.Minute,
		RetryDelay:        5 * time.Second,
		MaxWait:           time.Minute,
		EmitTimeout:       30 * time.Second,
		RecoveryBatchSize: 500,
	}
}

// SchedulerError is returned when a job could not be registered.
type SchedulerError struct {
	JobID uuid.UUID
	Op    string
	Err   error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("schedule job %s: %s: %v", e.JobID, e.Op, e.Err)
}

func (e *SchedulerError) Unwrap() error {
	return e.Err
}

type Scheduler struct {
	config  Config
	store   Store
	emitter EventEmitter
	metrics MetricsSink // optional, nil = disabled
	log     zerolog.Logger
	clock   func() time.Time

	mu      sync.Mutex
	queue   triggerQueue
	pending map[uuid.UUID]*entry
	wake    chan struct{}
}

func New(config Config, store Store, emitter EventEmitter) *Scheduler {
	defaults := DefaultConfig()
	if config.MisfireThreshold <= 0 {
		config.MisfireThreshold = defaults.MisfireThreshold
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.MaxWait <= 0 {
		config.MaxWait = defaults.MaxWait
	}
	if config.EmitTimeout <= 0 {
		config.EmitTimeout = defaults.EmitTimeout
	}
	if config.RecoveryBatchSize <= 0 {
		config.RecoveryBatchSize = defaults.RecoveryBatchSize
	}

	return &Scheduler{
		config:  config,
		store:   store,
		emitter: emitter,
		log:     zerolog.Nop(),
		clock:   time.Now,
		pending: make(map[uuid.UUID]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

func (s *Scheduler) WithLogger(log zerolog.Logger) *Scheduler {
	s.log = log
	return s
}

// Schedule persists the job with its trigger and registers the trigger with the
// waiter. The call returns once the pair is durable; firing is asynchronous.
func (s *Scheduler) Schedule(ctx context.Context, job domain.Job, trigger domain.Trigger) error {
	if trigger.JobID != job.ID {
		return &SchedulerError{JobID: job.ID, Op: "register", Err: fmt.Errorf("trigger references job %s", trigger.JobID)}
	}
	if trigger.State == "" {
		trigger.State = domain.TriggerStateScheduled
	}
	if trigger.State != domain.TriggerStateScheduled {
		return &SchedulerError{JobID: job.ID, Op: "register", Err: domain.ErrAlreadyFired}
	}
	if trigger.MisfirePolicy == "" {
		trigger.MisfirePolicy = domain.MisfirePolicyFireNow
	}
	trigger.FireAt = trigger.FireAt.UTC()

	s.mu.Lock()
	_, exists := s.pending[job.ID]
	s.mu.Unlock()
	if exists {
		return &SchedulerError{JobID: job.ID, Op: "register", Err: domain.ErrDuplicateJob}
	}

	if err := s.store.InsertJob(ctx, job, trigger); err != nil {
		return &SchedulerError{JobID: job.ID, Op: "persist", Err: err}
	}

	payload := job.Payload
	s.mu.Lock()
	// A recovery pass may have picked the trigger up from the store already.
	if _, exists := s.pending[job.ID]; !exists {
		s.pushLocked(trigger, &payload)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TriggerScheduled()
	}
	s.log.Info().
		Str("job", job.Key()).
		Time("fire_at", trigger.FireAt).
		Str("timezone", trigger.Timezone).
		Msg("trigger registered")
	return nil
}

// Restore registers a trigger that is already persisted. It reports whether the
// trigger was added; terminal and already tracked triggers are ignored.
func (s *Scheduler) Restore(trigger domain.Trigger) bool {
	if trigger.State != domain.TriggerStateScheduled {
		return false
	}
	trigger.FireAt = trigger.FireAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[trigger.JobID]; exists {
		return false
	}
	s.pushLocked(trigger, nil)
	return true
}

// Recover loads every scheduled trigger from the store. Triggers whose fire
// instant has passed are due immediately (fire-now misfire policy).
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	restored := 0
	overdue := 0
	now := s.clock().UTC()

	for offset := 0; ; offset += s.config.RecoveryBatchSize {
		triggers, err := s.store.PendingTriggers(ctx, s.config.RecoveryBatchSize, offset)
		if err != nil {
			return restored, fmt.Errorf("load pending triggers: %w", err)
		}
		for _, trigger := range triggers {
			if s.Restore(trigger) {
				restored++
				if !trigger.FireAt.After(now) {
					overdue++
				}
			}
		}
		if len(triggers) < s.config.RecoveryBatchSize {
			break
		}
	}

	if restored > 0 {
		s.log.Info().Int("restored", restored).Int("overdue", overdue).Msg("pending triggers recovered")
	}
	return restored, nil
}

// Pending returns the number of triggers waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run recovers persisted triggers and then fires triggers as they become due.
// It blocks until ctx is cancelled. Triggers that have not fired stay scheduled
// in the store and are recovered by the next Run.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Dur("misfire_threshold", s.config.MisfireThreshold).
		Dur("max_wait", s.config.MaxWait).
		Msg("scheduler started")

	if _, err := s.Recover(ctx); err != nil {
		// Triggers still persisted; the reconciler or next restart picks them up.
		s.log.Error().Err(err).Msg("recovery failed")
	}

	for {
		wait, ok := s.fireDue(ctx)
		if !ok || wait > s.config.MaxWait {
			wait = s.config.MaxWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Int("pending", s.Pending()).Msg("scheduler stopped")
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// fireDue claims and emits every trigger whose due time has been reached.
// It returns the delay until the next trigger is due, and false if none is pending.
//
// Due entries leave the queue before they are claimed but stay in s.pending,
// so Schedule and Restore keep treating them as tracked while the lock is
// released for the store round trips.
func (s *Scheduler) fireDue(ctx context.Context) (time.Duration, bool) {
	now := s.clock().UTC()

	s.mu.Lock()
	var due []*entry
	for s.queue.Len() > 0 && ctx.Err() == nil && !s.queue[0].due.After(now) {
		due = append(due, heap.Pop(&s.queue).(*entry))
	}
	s.mu.Unlock()

	var events []domain.FireEvent
	var requeue []*entry
	var claimed []uuid.UUID
	for _, e := range due {
		if ctx.Err() != nil {
			requeue = append(requeue, e)
			continue
		}

		event, err := s.claim(ctx, e, now)
		if err != nil {
			if s.metrics != nil {
				s.metrics.ClaimError()
			}
			s.log.Error().Err(err).
				Str("job", e.trigger.JobID.String()).
				Dur("retry_in", s.config.RetryDelay).
				Msg("claim trigger failed")
			e.due = now.Add(s.config.RetryDelay)
			requeue = append(requeue, e)
			continue
		}

		claimed = append(claimed, e.trigger.JobID)
		if event != nil {
			events = append(events, *event)
		}
	}

	s.mu.Lock()
	for _, e := range requeue {
		heap.Push(&s.queue, e)
	}
	for _, id := range claimed {
		delete(s.pending, id)
	}

	var wait time.Duration
	ok := s.queue.Len() > 0
	if ok {
		wait = s.queue[0].due.Sub(s.clock().UTC())
	}
	if s.metrics != nil {
		s.metrics.PendingTriggersUpdate(len(s.pending))
	}
	s.mu.Unlock()

	for _, event := range events {
		s.emit(ctx, event)
	}
	return wait, ok
}

// claim loads the payload of a recovered trigger, then marks the trigger
// terminal in the store. A nil event with a nil error means the trigger had
// already fired elsewhere, or had no job to deliver.
func (s *Scheduler) claim(ctx context.Context, e *entry, now time.Time) (*domain.FireEvent, error) {
	trigger := e.trigger
	orphan := false
	if e.payload == nil {
		job, err := s.store.GetJob(ctx, trigger.JobID, domain.JobGroup)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			orphan = true
		case err != nil:
			return nil, fmt.Errorf("load job: %w", err)
		default:
			e.payload = &job.Payload
		}
	}

	misfired := now.Sub(trigger.FireAt) > s.config.MisfireThreshold
	state := domain.TriggerStateFired
	if misfired {
		state = domain.TriggerStateMisfired
	}

	if err := s.store.MarkFired(ctx, trigger.JobID, state, now); err != nil {
		if errors.Is(err, domain.ErrAlreadyFired) {
			s.log.Debug().Str("job", trigger.JobID.String()).Msg("trigger already fired, skipping")
			return nil, nil
		}
		return nil, err
	}
	if orphan {
		s.log.Error().Str("job", trigger.JobID.String()).Msg("trigger has no job, retired without delivery")
		return nil, nil
	}

	event := &domain.FireEvent{
		JobID:       trigger.JobID,
		Payload:     e.payload,
		ScheduledAt: trigger.FireAt,
		FiredAt:     now,
		Misfired:    misfired,
	}
	if s.metrics != nil {
		s.metrics.TriggerFired(misfired, event.Lag())
	}
	return event, nil
}

// emit hands a claimed trigger to the dispatcher. Shutdown does not cancel the
// hand-off: the dispatcher outlives the scheduler and drains the bus.
func (s *Scheduler) emit(ctx context.Context, event domain.FireEvent) {
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.EmitTimeout)
	defer cancel()

	if err := s.emitter.Emit(emitCtx, event); err != nil {
		s.log.Error().Err(err).
			Str("job", event.JobID.String()).
			Time("scheduled_at", event.ScheduledAt).
			Msg("fired trigger not handed to dispatcher")
		return
	}

	level := zerolog.InfoLevel
	if event.Misfired {
		level = zerolog.WarnLevel
	}
	s.log.WithLevel(level).
		Str("job", event.JobID.String()).
		Time("scheduled_at", event.ScheduledAt).
		Dur("lag", event.Lag()).
		Bool("misfired", event.Misfired).
		Msg("trigger fired")
}

// pushLocked adds a trigger to the wait queue and wakes the waiter when the
// trigger became the earliest one. Callers must hold s.mu.
func (s *Scheduler) pushLocked(trigger domain.Trigger, payload *domain.EmailPayload) {
	e := &entry{trigger: trigger, payload: payload, due: trigger.FireAt}
	heap.Push(&s.queue, e)
	s.pending[trigger.JobID] = e

	if e.index == 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}
