package api

import "time"

// ScheduleEmailRequest is the body of POST /schedule/email. DateTime is a
// local date-time without offset, interpreted in TimeZone.
type ScheduleEmailRequest struct {
	Email    string `json:"email"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type ScheduleEmailResponse struct {
	Success  bool   `json:"success"`
	JobID    string `json:"jobId,omitempty"`
	JobGroup string `json:"jobGroup,omitempty"`
	Message  string `json:"message"`
}

type DeliveryAttemptResponse struct {
	ID         string `json:"id"`
	Succeeded  bool   `json:"succeeded"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"startedAt"`
	FinishedAt string `json:"finishedAt"`
}

type JobStatusResponse struct {
	JobID       string  `json:"jobId"`
	JobGroup    string  `json:"jobGroup"`
	Description string  `json:"description"`
	Email       string  `json:"email"`
	Subject     string  `json:"subject"`
	FireAt      string  `json:"fireAt"`
	TimeZone    string  `json:"timeZone"`
	State       string  `json:"state"`
	FiredAt     *string `json:"firedAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`

	Attempts []DeliveryAttemptResponse `json:"attempts"`
}

type PendingTriggerResponse struct {
	JobID    string `json:"jobId"`
	FireAt   string `json:"fireAt"`
	TimeZone string `json:"timeZone"`
}

type ListPendingResponse struct {
	Triggers []PendingTriggerResponse `json:"triggers"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
