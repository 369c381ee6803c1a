// Package analytics keeps per-hour delivery counters in Redis.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/djlord-it/easy-mail/internal/domain"
)

// DefaultRetention is how long hourly buckets are kept.
const DefaultRetention = 7 * 24 * time.Hour

const keyPrefix = "easymail"

type RedisSink struct {
	client    redis.Cmdable
	retention time.Duration
	timeout   time.Duration
	log       zerolog.Logger
}

func NewRedisSink(client redis.Cmdable) *RedisSink {
	return &RedisSink{
		client:    client,
		retention: DefaultRetention,
		timeout:   2 * time.Second,
		log:       zerolog.Nop(),
	}
}

func (s *RedisSink) WithRetention(d time.Duration) *RedisSink {
	if d > 0 {
		s.retention = d
	}
	return s
}

func (s *RedisSink) WithLogger(log zerolog.Logger) *RedisSink {
	s.log = log
	return s
}

// Record counts one delivery outcome in the hour bucket of the trigger's fire
// instant. Misfired triggers are counted separately as well. Failures are
// logged; analytics never affects delivery.
func (s *RedisSink) Record(ctx context.Context, event domain.FireEvent, outcome string) {
	if err := s.Write(ctx, event, outcome); err != nil {
		s.log.Warn().Err(err).Str("job", event.JobID.String()).Msg("analytics write failed")
	}
}

func (s *RedisSink) Write(ctx context.Context, event domain.FireEvent, outcome string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys := []string{buildKey(outcome, event.ScheduledAt)}
	if event.Misfired {
		keys = append(keys, buildKey("misfired", event.ScheduledAt))
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count returns the counter of one outcome for the hour containing t.
func (s *RedisSink) Count(ctx context.Context, outcome string, t time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(outcome, t)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func buildKey(counter string, t time.Time) string {
	return fmt.Sprintf("%s:deliveries:%s:%s", keyPrefix, counter, hourBucket(t))
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
