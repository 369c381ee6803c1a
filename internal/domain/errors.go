package domain

import "errors"

var (
	// ErrDuplicateJob is returned when a job or trigger with the same identity exists.
	ErrDuplicateJob = errors.New("job already exists")

	ErrNotFound = errors.New("not found")

	// ErrAlreadyFired is returned when a trigger transition is attempted on a
	// trigger that is already in a terminal state.
	ErrAlreadyFired = errors.New("trigger already fired")
)
