// Package reconciler periodically re-registers persisted triggers that the
// scheduler is not tracking.
//
// A trigger can be durable but absent from the scheduler's wait queue when
// the startup recovery pass failed, or when rows were written by another
// process. The reconciler pages through every scheduled trigger and hands it
// to the scheduler; triggers already tracked are ignored there, so a cycle is
// idempotent.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/djlord-it/easy-mail/internal/domain"
)

// Store defines the interface for listing scheduled triggers.
type Store interface {
	PendingTriggers(ctx context.Context, limit, offset int) ([]domain.Trigger, error)
}

// Registry accepts persisted triggers. Restore reports whether the trigger was added.
type Registry interface {
	Restore(trigger domain.Trigger) bool
}

// MetricsSink defines the interface for recording reconciler metrics.
type MetricsSink interface {
	TriggersRestored(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Schedule is a cron expression or descriptor ("@every 1m", "@hourly").
	// Default: "@every 1m".
	Schedule string

	// BatchSize is the page size used when listing triggers.
	// Default: 500.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:  "@every 1m",
		BatchSize: 500,
	}
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a standard 5-field cron expression or a descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", spec, err)
	}
	return sched, nil
}

type Reconciler struct {
	config   Config
	schedule cron.Schedule
	store    Store
	registry Registry
	metrics  MetricsSink // optional, nil = disabled
	log      zerolog.Logger
}

// New creates a new Reconciler. It fails if the schedule does not parse.
func New(config Config, store Store, registry Registry) (*Reconciler, error) {
	defaults := DefaultConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	sched, err := ParseSchedule(config.Schedule)
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		config:   config,
		schedule: sched,
		store:    store,
		registry: registry,
		log:      zerolog.Nop(),
	}, nil
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithLogger(log zerolog.Logger) *Reconciler {
	r.log = log
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled and
// waits for a running cycle to finish before returning.
func (r *Reconciler) Run(ctx context.Context) {
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(r.schedule, cron.FuncJob(func() {
		r.cycle(ctx)
	}))

	r.log.Info().Str("schedule", r.config.Schedule).Int("batch", r.config.BatchSize).Msg("reconciler started")

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	r.log.Info().Msg("reconciler stopped")
}

func (r *Reconciler) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.RunCycle(ctx); err != nil {
		// Will retry next cycle.
		r.log.Error().Err(err).Msg("reconcile cycle failed")
	}
}

// RunCycle registers every persisted scheduled trigger that the registry is
// not tracking and returns how many were added.
func (r *Reconciler) RunCycle(ctx context.Context) (int, error) {
	restored := 0
	for offset := 0; ; offset += r.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return restored, err
		}

		triggers, err := r.store.PendingTriggers(ctx, r.config.BatchSize, offset)
		if err != nil {
			return restored, fmt.Errorf("list pending triggers: %w", err)
		}

		for _, trigger := range triggers {
			if r.registry.Restore(trigger) {
				restored++
				r.log.Warn().
					Str("job", trigger.JobID.String()).
					Time("fire_at", trigger.FireAt).
					Msg("re-registered untracked trigger")
			}
		}

		if len(triggers) < r.config.BatchSize {
			break
		}
	}

	if restored > 0 && r.metrics != nil {
		r.metrics.TriggersRestored(restored)
	}
	return restored, nil
}
