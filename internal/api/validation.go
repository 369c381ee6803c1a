package api

import (
	"net/mail"
	"strings"
)

// ValidationError is returned for a malformed schedule request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// validateScheduleEmail checks the request shape. It returns the normalised
// recipient address. Time validity is checked by the resolver.
func validateScheduleEmail(req ScheduleEmailRequest) (string, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return "", &ValidationError{Field: "email", Message: "is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", &ValidationError{Field: "email", Message: "must be a valid email address"}
	}

	if strings.TrimSpace(req.Subject) == "" {
		return "", &ValidationError{Field: "subject", Message: "is required"}
	}
	if strings.TrimSpace(req.Body) == "" {
		return "", &ValidationError{Field: "body", Message: "is required"}
	}
	if strings.TrimSpace(req.DateTime) == "" {
		return "", &ValidationError{Field: "dateTime", Message: "is required"}
	}
	if strings.TrimSpace(req.TimeZone) == "" {
		return "", &ValidationError{Field: "timeZone", Message: "is required"}
	}

	return addr.Address, nil
}
