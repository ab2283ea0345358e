// Package loaderr provides error kinds and the structured load error type
// shared across the pipeline. This is a leaf package with no internal
// dependencies so that every subsystem can classify failures without
// circular imports.
package loaderr

import (
	"errors"
	"fmt"
)

// Kind classifies a load failure.
type Kind int

const (
	// KindConfigInvalid indicates a bad or contradictory configuration.
	// Fatal at job start.
	KindConfigInvalid Kind = iota + 1

	// KindFileIO indicates an unreadable, truncated, or permission-denied
	// input file. Fails the file, not the job.
	KindFileIO

	// KindFormatUndetermined indicates delimiter detection confidence was
	// below threshold and no explicit override was given.
	KindFormatUndetermined

	// KindQualityFailed indicates the quality report violated a strict
	// policy before load.
	KindQualityFailed

	// KindConnectionLost indicates a transient transport failure. Retried
	// up to the configured attempt limit before escalating to LoadFailed.
	KindConnectionLost

	// KindLoadFailed indicates a permanent server-side COPY error, such as
	// a schema mismatch or a data coercion failure under ABORT_STATEMENT.
	KindLoadFailed

	// KindTimeout indicates the COPY exceeded its maximum wait. The server
	// query is not cancelled; completeness validation is the authoritative
	// post-condition.
	KindTimeout

	// KindCancelled indicates the job's cancellation signal fired.
	KindCancelled

	// KindWarehouseValidationFailed indicates the completeness report found
	// missing dates or excessive anomalies. Warning severity by default.
	KindWarehouseValidationFailed
)

// String returns the kind name used in reports and logs.
func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "CONFIG_INVALID"
	case KindFileIO:
		return "FILE_IO"
	case KindFormatUndetermined:
		return "FORMAT_UNDETERMINED"
	case KindQualityFailed:
		return "QUALITY_FAILED"
	case KindConnectionLost:
		return "CONNECTION_LOST"
	case KindLoadFailed:
		return "LOAD_FAILED"
	case KindTimeout:
		return "TIMEOUT"
	case KindCancelled:
		return "CANCELLED"
	case KindWarehouseValidationFailed:
		return "WAREHOUSE_VALIDATION_FAILED"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Transient reports whether an error of this kind may be retried with a
// fresh session.
func (k Kind) Transient() bool {
	return k == KindConnectionLost
}

// Error is a classified load error. QueryID carries the server-side query
// identifier when the failure happened after COPY submission.
type Error struct {
	Kind    Kind
	Message string
	Path    string // input file, when file-scoped
	QueryID string // server query id, when known
	Err     error  // wrapped cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (file: %s)", e.Path)
	}
	if e.QueryID != "" {
		msg += fmt.Sprintf(" (query_id: %s)", e.QueryID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithPath attaches the input file path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithQueryID attaches the server query id.
func (e *Error) WithQueryID(id string) *Error {
	e.QueryID = id
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// return the zero Kind, so callers that need a specific kind should
// classify at the failure site.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
