package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks missing or malformed caller input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a referenced patient or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a broken per-patient invariant (two active sessions,
	// a duplicated sequence number). Patient-scoped locking should make it
	// unreachable, so it is logged for investigation and never retried.
	ErrConflict = errors.New("conflict")
	// ErrStorageUnavailable is returned when the datastore cannot be reached or was never connected.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

func validationError(detail string) error {
	return fmt.Errorf("%w: %s", ErrValidation, detail)
}

func patientNotFound(patientID string) error {
	return fmt.Errorf("%w: patient %s", ErrNotFound, patientID)
}
