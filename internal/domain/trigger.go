package domain

import (
	"time"

	"github.com/google/uuid"
)

// TriggerGroup namespaces trigger identities apart from job identities.
const TriggerGroup = "email-triggers"

const TriggerDescription = "Send Email Trigger"

type TriggerState string

const (
	TriggerStateScheduled TriggerState = "scheduled"
	TriggerStateFired     TriggerState = "fired"
	TriggerStateMisfired  TriggerState = "misfired" // fired late, after a misfire
)

// Terminal reports whether the trigger has already fired.
func (s TriggerState) Terminal() bool {
	return s == TriggerStateFired || s == TriggerStateMisfired
}

type MisfirePolicy string

// MisfirePolicyFireNow fires an overdue trigger once, as soon as possible.
const MisfirePolicyFireNow MisfirePolicy = "fire_now"

// Trigger is the one-shot schedule attached to exactly one job.
// Its identity is the job id within TriggerGroup.
type Trigger struct {
	JobID uuid.UUID
	Group string

	Description string

	FireAt        time.Time // UTC
	Timezone      string    // zone the caller asked for
	MisfirePolicy MisfirePolicy

	State   TriggerState
	FiredAt *time.Time

	CreatedAt time.Time
}

// FireEvent is emitted by the scheduler once a trigger has been claimed.
// Payload is loaded before the claim, so delivery needs no further read.
type FireEvent struct {
	JobID   uuid.UUID
	Payload *EmailPayload

	ScheduledAt time.Time // trigger fire instant (UTC)
	FiredAt     time.Time // actual claim time
	Misfired    bool
}

// Job rebuilds the fired job from the carried payload. ok is false when the
// event has no payload.
func (e FireEvent) Job() (job Job, ok bool) {
	if e.Payload == nil {
		return Job{}, false
	}
	return Job{
		ID:          e.JobID,
		Group:       JobGroup,
		Description: JobDescription,
		Payload:     *e.Payload,
		Durable:     true,
	}, true
}

// Lag is how late the trigger fired.
func (e FireEvent) Lag() time.Duration {
	return e.FiredAt.Sub(e.ScheduledAt)
}
