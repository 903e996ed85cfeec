package command

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation failures reject the command with no mutation;
// version conflicts ask the caller to re-fetch and retry; persistence
// failures mean the whole operation is not-applied and safe to retry in full.
var (
	ErrValidation      = errors.New("validation failed")
	ErrVersionConflict = errors.New("version conflict")
	ErrPersistence     = errors.New("persistence unavailable")
)

// Validationf wraps a human-readable message in ErrValidation.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// IsValidation reports whether err is a rejected-command validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// ErrorKind is the coarse rejection class carried on Result for callers
// that only see the serialized envelope.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindConflict    ErrorKind = "conflict"
	KindUnavailable ErrorKind = "unavailable"
	KindInternal    ErrorKind = "internal"
)

// Classify maps an error to its ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrVersionConflict):
		return KindConflict
	case errors.Is(err, ErrPersistence):
		return KindUnavailable
	default:
		return KindInternal
	}
}
