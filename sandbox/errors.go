package sandbox

import (
	"errors"
	"fmt"
)

// ErrArtifactMissing is wrapped by a RunError from Start when the artifact no
// longer exists in the runtime. The caller should rebuild it.
var ErrArtifactMissing = errors.New("artifact no longer exists")

// PrepareError reports a failure to stage code in a workspace.
type PrepareError struct {
	Runtime    Runtime
	Diagnostic string
	Err        error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("%s prepare failed: %s", e.Runtime, e.Diagnostic)
}

func (e *PrepareError) Unwrap() error { return e.Err }

// BuildError reports a failure to produce an artifact, with backend diagnostics.
type BuildError struct {
	Runtime    Runtime
	Diagnostic string
	Err        error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s build failed: %s", e.Runtime, e.Diagnostic)
}

func (e *BuildError) Unwrap() error { return e.Err }

// RunError reports a launch failure or an execution that ended abnormally.
type RunError struct {
	Runtime    Runtime
	Diagnostic string
	Err        error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s run failed: %s", e.Runtime, e.Diagnostic)
}

func (e *RunError) Unwrap() error { return e.Err }

// TimeoutError reports an execution that outlived its deadline and was killed.
type TimeoutError struct {
	Runtime    Runtime
	Diagnostic string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s execution timed out: %s", e.Runtime, e.Diagnostic)
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Diagnostic extracts the diagnostic text of a backend error, falling back to
// err.Error() for anything else.
func Diagnostic(err error) string {
	var (
		pe *PrepareError
		be *BuildError
		re *RunError
		te *TimeoutError
	)
	switch {
	case errors.As(err, &pe):
		return pe.Diagnostic
	case errors.As(err, &be):
		return be.Diagnostic
	case errors.As(err, &re):
		return re.Diagnostic
	case errors.As(err, &te):
		return te.Diagnostic
	case err != nil:
		return err.Error()
	default:
		return ""
	}
}
