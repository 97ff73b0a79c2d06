package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrGroupNotFound is returned when a job group cannot be found in the store.
	ErrGroupNotFound = errors.New("job group not found")

	// ErrJobAlreadyClaimed is returned when a worker loses the claim race:
	// the job is no longer SUBMITTED.
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in SUBMITTED status")

	// ErrAlreadyTerminal is returned when an operation requires a live job
	// but the job has reached a terminal state.
	ErrAlreadyTerminal = errors.New("job is already in a terminal state")

	// ErrNotCancellable is returned when the job type's policy forbids
	// cancellation outright.
	ErrNotCancellable = errors.New("job type is not cancellable")

	// ErrGroupTerminal is returned when a producer tries to spawn a child
	// into a group that has already been resolved or torn down.
	ErrGroupTerminal = errors.New("job group is already resolved")

	// ErrInvalidPayload is returned when a job's payload cannot be decoded.
	ErrInvalidPayload = errors.New("invalid job payload")
)
