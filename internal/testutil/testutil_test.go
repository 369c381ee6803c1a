package testutil

import (
	"testing"
	"time"

	"github.com/djlord-it/easy-mail/internal/domain"
)

func TestFakeClock_Now(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(fixed)

	got := clock.Now()
	if !got.Equal(fixed) {
		t.Errorf("Now() = %v, want %v", got, fixed)
	}
}

func TestFakeClock_Advance(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(fixed)

	clock.Advance(5 * time.Minute)

	want := fixed.Add(5 * time.Minute)
	got := clock.Now()
	if !got.Equal(want) {
		t.Errorf("after Advance(5m), Now() = %v, want %v", got, want)
	}
}

func TestFakeClock_Set(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(fixed)

	earlier := fixed.Add(-time.Hour)
	clock.Set(earlier)

	if got := clock.Now(); !got.Equal(earlier) {
		t.Errorf("after Set, Now() = %v, want %v", got, earlier)
	}
}

func TestNewEmailJob(t *testing.T) {
	fireAt := time.Date(2024, 1, 15, 10, 0, 0, 0, time.FixedZone("CET", 3600))
	job, trigger := NewEmailJob("user@example.com", fireAt)

	if trigger.JobID != job.ID {
		t.Errorf("trigger.JobID = %v, want %v", trigger.JobID, job.ID)
	}
	if trigger.FireAt.Location() != time.UTC || !trigger.FireAt.Equal(fireAt) {
		t.Errorf("trigger.FireAt = %v, want %v in UTC", trigger.FireAt, fireAt)
	}
	if trigger.State != domain.TriggerStateScheduled {
		t.Errorf("trigger.State = %q, want scheduled", trigger.State)
	}
	if job.Payload.Recipient != "user@example.com" {
		t.Errorf("recipient = %q", job.Payload.Recipient)
	}
}

func TestTestContext_HasDeadline(t *testing.T) {
	ctx := TestContext(t)

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("TestContext should have a deadline")
	}

	remaining := time.Until(deadline)
	if remaining <= 0 || remaining > 6*time.Second {
		t.Errorf("deadline should be ~5s from now, got %v", remaining)
	}
}

func TestMustParseUUID_Valid(t *testing.T) {
	id := MustParseUUID("12345678-1234-1234-1234-123456789abc")
	if id.String() != "12345678-1234-1234-1234-123456789abc" {
		t.Errorf("unexpected UUID: %s", id)
	}
}

func TestMustParseUUID_Invalid(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustParseUUID should panic on invalid UUID")
		}
	}()
	MustParseUUID("not-a-uuid")
}
