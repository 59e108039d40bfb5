package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits is returned when an account has no runs remaining.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrProjectNotConnected is returned when a run targets a disconnected project.
	ErrProjectNotConnected = errors.New("project not connected")
	// ErrIllegalTransition is returned for any status change the state machine rejects.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrArtifactsRequired is returned when COMPLETE is reported without both artifacts.
	ErrArtifactsRequired = errors.New("pull request url and report url are required")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")

	errInvalidScheme = errors.New("scheme must be http or https")
	errMissingHost   = errors.New("host is required")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	RunID  string
	From   RunStatus
	To     RunStatus
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("illegal transition %s -> %s for run %s", e.From, e.To, e.RunID)
	}
	return fmt.Sprintf("illegal transition %s -> %s for run %s: %s", e.From, e.To, e.RunID, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// InvalidInputError carries the offending field for validation failures.
type InvalidInputError struct {
	Field   string
	Message string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Message)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

func invalid(field, message string) error {
	return &InvalidInputError{Field: field, Message: message}
}
