package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobGroup namespaces email job identities.
const JobGroup = "email-jobs"

const JobDescription = "Send Email Job"

// EmailPayload is the message a job delivers when its trigger fires.
type EmailPayload struct {
	Recipient string
	Subject   string
	Body      string // HTML
}

// Job is a durable one-shot unit of deferred work. It is never mutated after insert.
type Job struct {
	ID    uuid.UUID
	Group string

	Description string
	Payload     EmailPayload

	// Durable jobs are retained after their trigger fired.
	Durable bool

	CreatedAt time.Time
}

// Key returns the (id, group) identity of the job.
func (j Job) Key() string {
	return j.Group + "." + j.ID.String()
}
