package models

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyInput      = errors.New("empty input")
	ErrUnknownModality = errors.New("unknown modality")
	ErrBusy            = errors.New("a turn is already being processed")
	ErrConfirmInFlight = errors.New("a save is already in flight")
	ErrNoEstimate      = errors.New("no current estimate")
	ErrNothingToRetry  = errors.New("nothing to retry")
	ErrNotFound        = errors.New("not found")
)

// ScoringFailure wraps any error returned by the scoring collaborator.
type ScoringFailure struct {
	Err error
}

func (e *ScoringFailure) Error() string {
	if e == nil || e.Err == nil {
		return "scoring failed"
	}
	return fmt.Sprintf("scoring failed: %v", e.Err)
}

func (e *ScoringFailure) Unwrap() error { return e.Err }

// PersistenceFailure wraps an error from the remote persistence API. Op is
// the remote operation that failed ("create", "delete", "use_favorite").
type PersistenceFailure struct {
	Op  string
	Err error
}

func (e *PersistenceFailure) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("persistence %s failed", e.Op)
	}
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// StatusError is returned by the persistence client for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Body)
}
