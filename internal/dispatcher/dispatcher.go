package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/djlord-it/easy-mail/internal/domain"
)

const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// DefaultDrainTimeout is the maximum time spent on buffered events during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// DefaultDeliveryTimeout bounds a single action.
const DefaultDeliveryTimeout = time.Minute

type Store interface {
	GetJob(ctx context.Context, id uuid.UUID, group string) (domain.Job, error)
	InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
}

type AnalyticsSink interface {
	Record(ctx context.Context, event domain.FireEvent, outcome string)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryCompleted(outcome string, duration time.Duration)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type Dispatcher struct {
	store     Store
	action    Action
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	log       zerolog.Logger
	clock     func() time.Time

	workers         int
	drainTimeout    time.Duration
	deliveryTimeout time.Duration
}

func New(store Store, action Action) *Dispatcher {
	return &Dispatcher{
		store:           store,
		action:          action,
		log:             zerolog.Nop(),
		clock:           time.Now,
		workers:         1,
		drainTimeout:    DefaultDrainTimeout,
		deliveryTimeout: DefaultDeliveryTimeout,
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithLogger(log zerolog.Logger) *Dispatcher {
	d.log = log
	return d
}

// WithWorkers sets the number of concurrent deliveries. Values below 1 are ignored.
func (d *Dispatcher) WithWorkers(n int) *Dispatcher {
	if n > 0 {
		d.workers = n
	}
	return d
}

func (d *Dispatcher) WithDrainTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.drainTimeout = timeout
	}
	return d
}

func (d *Dispatcher) WithDeliveryTimeout(timeout time.Duration) *Dispatcher {
	if timeout > 0 {
		d.deliveryTimeout = timeout
	}
	return d
}

// Run processes events from the channel until context is cancelled.
// After cancellation, in-flight deliveries finish and buffered events are
// drained for at most the drain timeout; whatever is left is abandoned.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.FireEvent) {
	d.log.Info().Int("workers", d.workers).Msg("dispatcher started")

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, ch)
		}()
	}
	wg.Wait()

	d.drain(ch)
}

func (d *Dispatcher) work(ctx context.Context, ch <-chan domain.FireEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			// Deliveries outlive shutdown; they are bounded by the delivery timeout.
			if err := d.Dispatch(context.WithoutCancel(ctx), event); err != nil {
				d.log.Error().Err(err).Str("job", event.JobID.String()).Msg("dispatch failed")
			}
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
func (d *Dispatcher) drain(ch <-chan domain.FireEvent) {
	deadline := time.NewTimer(d.drainTimeout)
	defer deadline.Stop()

	count := 0
	for {
		select {
		case <-deadline.C:
			abandoned := d.abandon(ch)
			d.log.Warn().Int("processed", count).Int("abandoned", abandoned).Msg("drain timeout")
			return
		default:
		}

		select {
		case event, ok := <-ch:
			if !ok {
				d.log.Info().Int("processed", count).Msg("drain complete")
				return
			}
			if err := d.Dispatch(context.Background(), event); err != nil {
				d.log.Error().Err(err).Str("job", event.JobID.String()).Msg("drain dispatch failed")
			}
			count++
		default:
			if count > 0 {
				d.log.Info().Int("processed", count).Msg("drain complete")
			}
			return
		}
	}
}

// abandon empties the buffer without delivering. The triggers are already
// terminal, so these emails are never sent.
func (d *Dispatcher) abandon(ch <-chan domain.FireEvent) int {
	n := 0
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return n
			}
			n++
			d.log.Error().
				Str("job", event.JobID.String()).
				Time("scheduled_at", event.ScheduledAt).
				Msg("delivery abandoned at shutdown")
			if d.metrics != nil {
				d.metrics.DeliveryCompleted(OutcomeAbandoned, 0)
			}
		default:
			return n
		}
	}
}

// Dispatch executes the action of a fired job once and records the attempt.
// The job comes from the event payload; events without one fall back to the
// store. A failed action is not an error: it is logged and recorded. Errors
// are returned only when the job could not be loaded, after a failed attempt
// has been recorded for it.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.FireEvent) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	job, ok := event.Job()
	if !ok {
		var err error
		job, err = d.store.GetJob(ctx, event.JobID, domain.JobGroup)
		if err != nil {
			err = fmt.Errorf("get job: %w", err)
			d.recordLoadFailure(ctx, event, err)
			return err
		}
	}

	startedAt := d.clock().UTC()
	actionErr := d.execute(ctx, job)
	finishedAt := d.clock().UTC()

	attempt := domain.DeliveryAttempt{
		ID:         uuid.New(),
		JobID:      job.ID,
		Recipient:  job.Payload.Recipient,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	outcome := OutcomeSuccess
	if actionErr != nil {
		attempt.Error = actionErr.Error()
		outcome = OutcomeFailed
	}

	if err := d.store.InsertDeliveryAttempt(ctx, attempt); err != nil {
		d.log.Error().Err(err).Str("job", job.Key()).Msg("failed to record delivery attempt")
	}
	if d.metrics != nil {
		d.metrics.DeliveryCompleted(outcome, finishedAt.Sub(startedAt))
	}
	if d.analytics != nil {
		d.analytics.Record(ctx, event, outcome)
	}

	if actionErr != nil {
		d.log.Error().Err(actionErr).
			Str("job", job.Key()).
			Str("recipient", job.Payload.Recipient).
			Msg("Failed to send email")
		return nil
	}

	d.log.Info().
		Str("job", job.Key()).
		Str("recipient", job.Payload.Recipient).
		Dur("took", finishedAt.Sub(startedAt)).
		Msg("email sent")
	return nil
}

// recordLoadFailure leaves a failed attempt behind for a fired job whose
// payload could not be read. The trigger is terminal, so nothing retries it.
func (d *Dispatcher) recordLoadFailure(ctx context.Context, event domain.FireEvent, cause error) {
	now := d.clock().UTC()
	attempt := domain.DeliveryAttempt{
		ID:         uuid.New(),
		JobID:      event.JobID,
		Error:      cause.Error(),
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := d.store.InsertDeliveryAttempt(ctx, attempt); err != nil {
		d.log.Error().Err(err).Str("job", event.JobID.String()).Msg("failed to record delivery attempt")
	}
	if d.metrics != nil {
		d.metrics.DeliveryCompleted(OutcomeFailed, 0)
	}
	if d.analytics != nil {
		d.analytics.Record(ctx, event, OutcomeFailed)
	}
}

// execute runs the action under the delivery timeout. A panicking action is a
// failed delivery.
func (d *Dispatcher) execute(ctx context.Context, job domain.Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &DeliveryError{
				JobID:     job.ID,
				Recipient: job.Payload.Recipient,
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
	}()

	err = d.action.Execute(ctx, job)
	var de *DeliveryError
	if err != nil && !errors.As(err, &de) {
		err = &DeliveryError{JobID: job.ID, Recipient: job.Payload.Recipient, Err: err}
	}
	return err
}
