package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload is the root of every validation failure at the API boundary.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrMissingSessionID is returned when a request names no session.
	ErrMissingSessionID = errors.New("session id is required")
	// ErrStoreUnavailable means the relational store is not configured.
	ErrStoreUnavailable = errors.New("relational store unavailable")
	// ErrDuplicate is returned by the relational store on a unique-key conflict.
	ErrDuplicate = errors.New("duplicate record")
	// ErrTeamNotFound indicates a team ID unknown to the session.
	ErrTeamNotFound = errors.New("team not found")
	// ErrStudentNotFound indicates a student ID unknown to the session.
	ErrStudentNotFound = errors.New("student not found")
	// ErrAnswerNotFound indicates an answer ID unknown to the session.
	ErrAnswerNotFound = errors.New("answer not found")
	// ErrResetNotConfirmed guards the irreversible reset.
	ErrResetNotConfirmed = errors.New("reset requires explicit confirmation")
)

// ValidationError describes a rejected field in a write payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Is lets callers match any validation failure with errors.Is(err, ErrInvalidPayload).
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
