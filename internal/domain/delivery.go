package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryAttempt records the single delivery attempt made for a fired job.
type DeliveryAttempt struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	Recipient string

	Error string // empty on success

	StartedAt  time.Time
	FinishedAt time.Time
}

func (a DeliveryAttempt) Succeeded() bool {
	return a.Error == ""
}
