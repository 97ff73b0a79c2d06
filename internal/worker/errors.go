package worker

import "fmt"

// retryableError marks a processing failure as transient so the pool NACKs
// the delivery with requeue. Everything else is recorded in the job store
// and the delivery is dropped.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.err)
}

func (e *retryableError) Unwrap() error {
	return e.err
}

func newRetryableError(err error) error {
	return &retryableError{err: err}
}
