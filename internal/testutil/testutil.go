// Package testutil provides shared test helpers for easymail.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-mail/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the clock to t, which may be in the past.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses a UUID string and panics on error.
// Only for use in tests.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

// NewEmailJob returns a fresh job and its scheduled trigger firing at fireAt.
func NewEmailJob(recipient string, fireAt time.Time) (domain.Job, domain.Trigger) {
	now := fireAt.Add(-time.Hour).UTC()
	job := domain.Job{
		ID:          uuid.New(),
		Group:       domain.JobGroup,
		Description: domain.JobDescription,
		Payload: domain.EmailPayload{
			Recipient: recipient,
			Subject:   "Reminder",
			Body:      "<p>Hello</p>",
		},
		Durable:   true,
		CreatedAt: now,
	}
	trigger := domain.Trigger{
		JobID:         job.ID,
		Group:         domain.TriggerGroup,
		Description:   domain.TriggerDescription,
		FireAt:        fireAt.UTC(),
		Timezone:      "UTC",
		MisfirePolicy: domain.MisfirePolicyFireNow,
		State:         domain.TriggerStateScheduled,
		CreatedAt:     now,
	}
	return job, trigger
}
