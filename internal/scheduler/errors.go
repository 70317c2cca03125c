package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation is wrapped by every input error. Nothing is enqueued
	// when it is returned.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound means the post does not exist.
	ErrNotFound = errors.New("post not found")
	// ErrMissingUser means the caller did not identify a user.
	ErrMissingUser = errors.New("user id required")
	// ErrUnauthorized means the post belongs to another user.
	ErrUnauthorized = errors.New("post belongs to another user")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidScheduleError is returned for a schedule time that is not strictly
// in the future.
type InvalidScheduleError struct {
	ScheduledFor time.Time
	Now          time.Time
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("scheduled time %s is not in the future (now %s)",
		e.ScheduledFor.UTC().Format(time.RFC3339), e.Now.UTC().Format(time.RFC3339))
}

func (e *InvalidScheduleError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
