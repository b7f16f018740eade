package apperr

import "errors"

// Class tells a caller what to do about an error.
type Class string

const (
	ClassRetryLater  Class = "retry_later"
	ClassFixRequest  Class = "fix_request"
	ClassSessionOver Class = "session_over"
	ClassInternal    Class = "internal"
)

// Retryable is implemented by errors that know whether a later retry may succeed.
// The AI client errors implement it.
type Retryable interface {
	Retryable() bool
}

// Fatal is implemented by errors that cannot be fixed by the caller, such as
// missing server-side configuration.
type Fatal interface {
	Fatal() bool
}

func Classify(err error) Class {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrLimitExceeded):
		return ClassSessionOver
	case errors.Is(err, ErrValidation), errors.Is(err, ErrForbidden),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return ClassFixRequest
	}

	var fatal Fatal
	if errors.As(err, &fatal) && fatal.Fatal() {
		return ClassInternal
	}
	var retryable Retryable
	if errors.As(err, &retryable) {
		if retryable.Retryable() {
			return ClassRetryLater
		}
		return ClassFixRequest
	}
	return ClassInternal
}
