package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueEmpty is returned by DequeueNext when no job arrived within
	// the timeout. Not a failure; the worker idles and polls again.
	ErrQueueEmpty = errors.New("queue: no job available")

	// ErrStoreUnavailable wraps infrastructure-level Redis failures. The
	// worker backs off and retries the store operation; job state is
	// unaffected.
	ErrStoreUnavailable = errors.New("queue: store unavailable")

	// ErrUnknownJobType means no schema is registered for the job type.
	ErrUnknownJobType = errors.New("queue: unknown job type")

	// ErrDuplicateJobType means the job type is already registered.
	ErrDuplicateJobType = errors.New("queue: job type already registered")
)

// ValidationError marks a payload as structurally invalid for its job type.
// Terminal: the worker routes it straight to the dead-letter list without
// consuming a retry attempt.
type ValidationError struct {
	JobType string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload for job type %q: %v", e.JobType, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PermanentError marks an execution failure as non-retryable, e.g. the
// delivery service rejected the content outright.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker dead-letters the job instead of
// scheduling a retry. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
