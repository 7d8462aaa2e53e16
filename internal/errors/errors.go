// Package errors defines the daemon's flat error-kind taxonomy (spec.md §7)
// using the teacher's typed-struct-with-builder-methods idiom.
package errors

import (
	"fmt"
	"time"
)

// Kind is one of the seven error kinds the wire protocol can surface
// (spec.md §4.B, §7).
type Kind string

const (
	NotInitialized     Kind = "NotInitialized"
	NotFound           Kind = "NotFound"
	InvalidRequest     Kind = "InvalidRequest"
	Conflict           Kind = "Conflict"
	StorageUnavailable Kind = "StorageUnavailable"
	Timeout            Kind = "Timeout"
	Internal           Kind = "Internal"
)

// EngramError is the single typed error struct used across the daemon. A
// flat kind enum (rather than the teacher's per-subsystem split of
// IndexingError/ParseError/SearchError/FileError/ConfigError) matches the
// spec's error model, which names exactly one taxonomy shared by every
// component.
type EngramError struct {
	Kind       Kind
	Op         string
	Path       string
	ProjectHash string
	Underlying  error
	Timestamp   time.Time
	Recoverable bool
}

// New creates an EngramError for op, wrapping err (which may be nil).
func New(kind Kind, op string, err error) *EngramError {
	return &EngramError{
		Kind:       kind,
		Op:         op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// WithPath attaches a filesystem path to the error.
func (e *EngramError) WithPath(path string) *EngramError {
	e.Path = path
	return e
}

// WithProject attaches the project hash the error occurred under.
func (e *EngramError) WithProject(hash string) *EngramError {
	e.ProjectHash = hash
	return e
}

// WithRecoverable marks whether the failing operation can be retried (used
// by per-file scan/reindex failures, which are always recoverable per
// spec.md §7).
func (e *EngramError) WithRecoverable(recoverable bool) *EngramError {
	e.Recoverable = recoverable
	return e
}

func (e *EngramError) Error() string {
	switch {
	case e.Path != "" && e.ProjectHash != "":
		return fmt.Sprintf("%s: %s failed for project %s path %s: %v", e.Kind, e.Op, e.ProjectHash, e.Path, e.Underlying)
	case e.Path != "":
		return fmt.Sprintf("%s: %s failed for %s: %v", e.Kind, e.Op, e.Path, e.Underlying)
	case e.ProjectHash != "":
		return fmt.Sprintf("%s: %s failed for project %s: %v", e.Kind, e.Op, e.ProjectHash, e.Underlying)
	default:
		return fmt.Sprintf("%s: %s failed: %v", e.Kind, e.Op, e.Underlying)
	}
}

func (e *EngramError) Unwrap() error {
	return e.Underlying
}

func (e *EngramError) IsRecoverable() bool {
	return e.Recoverable
}

// KindOf extracts the Kind from err, defaulting to Internal for errors that
// are not an *EngramError. Used by the request router to map any error
// returned by a handler onto a wire-protocol error code.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ee *EngramError
	if As(err, &ee) {
		return ee.Kind
	}
	return Internal
}

// As is a tiny local shim so this package doesn't need to import the
// standard errors package under the same name as itself.
func As(err error, target **EngramError) bool {
	for err != nil {
		if ee, ok := err.(*EngramError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// MultiError aggregates independent failures, e.g. per-file scan errors that
// are individually recovered but worth reporting in diagnostics.
type MultiError struct {
	Errors []error
}

func NewMultiError(errs []error) *MultiError {
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return &MultiError{Errors: filtered}
}

func (e *MultiError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v", len(e.Errors), e.Errors)
}

func (e *MultiError) Unwrap() []error {
	return e.Errors
}
