package engine

import (
	"errors"
)

var (
	ErrUnsupportedRuntime = errors.New("unsupported runtime")
	ErrInvalidPayload     = errors.New("invalid input payload")
	ErrEmptyCode          = errors.New("empty code")
	ErrInvalidTimeout     = errors.New("invalid timeout")
)

// ValidationError rejects a request before any resource is allocated. Err is
// one of the sentinel errors above.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err rejects the request itself
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
