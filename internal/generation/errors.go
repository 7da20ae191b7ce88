package generation

import "errors"

var (
	// Validation.
	ErrBatchTooLarge  = errors.New("generation: batch cannot exceed 4 requests")
	ErrEmptyBatch     = errors.New("generation: batch must contain at least one request")
	ErrInvalidRequest = errors.New("generation: request payload does not match job type")

	// Admission.
	ErrQueueFull = errors.New("generation: queue is full, try again later")

	// Lookup and lifecycle.
	ErrJobNotFound    = errors.New("generation: job not found")
	ErrNotOwner       = errors.New("generation: job belongs to another user")
	ErrNotCancellable = errors.New("generation: job cannot be cancelled in its current state")
	ErrJobFinished    = errors.New("generation: job already reached a terminal status")
)
