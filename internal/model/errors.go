package model

import "errors"

var (
	// ErrNotFound is returned when a referenced job, template or quota record
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller does not own the entity.
	ErrForbidden = errors.New("forbidden")
	// ErrQuotaExceeded is matched by every *QuotaError.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInvalidTransition is returned by stores that refuse a status change
	// which would move a job backwards or skip processing.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidArgument marks requests that are malformed before any lookup.
	ErrInvalidArgument = errors.New("invalid argument")
)

// QuotaError explains why a tier forbids an operation.
type QuotaError struct {
	Tier   Tier
	Reason string
}

func (e *QuotaError) Error() string {
	return "quota exceeded: " + e.Reason
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
