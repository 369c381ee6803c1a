package dispatcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-mail/internal/domain"
	"github.com/djlord-it/easy-mail/internal/mail"
)

// Action is the work performed when a job's trigger fires.
type Action interface {
	Execute(ctx context.Context, job domain.Job) error
}

// DeliveryError reports a failed action. It is recorded, never retried.
type DeliveryError struct {
	JobID     uuid.UUID
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver job %s to %s: %v", e.JobID, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// EmailAction sends the job's payload as an HTML email.
type EmailAction struct {
	sender mail.Sender
	from   string
}

func NewEmailAction(sender mail.Sender, from string) *EmailAction {
	return &EmailAction{sender: sender, from: from}
}

func (a *EmailAction) Execute(ctx context.Context, job domain.Job) error {
	msg := mail.Message{
		From:    a.from,
		To:      job.Payload.Recipient,
		Subject: job.Payload.Subject,
		HTML:    job.Payload.Body,
	}
	if err := a.sender.Send(ctx, msg); err != nil {
		return &DeliveryError{JobID: job.ID, Recipient: job.Payload.Recipient, Err: err}
	}
	return nil
}
