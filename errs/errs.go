// Package errs models the error kinds raised across the opencode-mem core:
// the spool, flush pipeline, retrieval engine, replication log, and sync
// protocol all wrap a small set of sentinel kinds so callers (HTTP
// handlers, CLI shells, the sync daemon) can branch on behavior without
// string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind sentinels. Compare with errors.Is, not equality, since Error wraps
// them alongside an underlying cause.
var (
	// ErrInvariantViolation covers malformed input that violates a data
	// invariant: bad opencode_session_id, non-positive numeric config, a
	// signed op whose device id does not match its source.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrNotFound covers unknown memory ids, sessions, or peers.
	ErrNotFound = errors.New("not found")

	// ErrConflict covers a duplicate nonce or a clock that does not
	// advance; the caller should treat it as a silent skip, not a failure.
	ErrConflict = errors.New("conflict")

	// ErrAuthFailure covers signature verification, timestamp window, and
	// unknown-peer-device failures.
	ErrAuthFailure = errors.New("auth failure")

	// ErrPayloadTooLarge covers a request body over the configured limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrTransientIO covers peer connect refused, timeout, and upstream
	// embedding failures. Safe to retry on the next tick.
	ErrTransientIO = errors.New("transient io failure")

	// ErrExtractionFailure covers a flush batch's extraction collaborator
	// raising an exception; the batch is left in status=error.
	ErrExtractionFailure = errors.New("extraction failure")

	// ErrFatalStorage covers schema init failure or disk-full conditions.
	// The process should not continue serving requests after this.
	ErrFatalStorage = errors.New("fatal storage error")
)

// Error wraps a sentinel Kind with the operation that raised it and the
// underlying cause, so logs carry "flush_raw_events: extraction failure:
// <cause>" without every call site hand-rolling that string.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Kind is one of the sentinel errors declared above.
type Kind = error

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// New constructs an *Error for op with the given kind and underlying cause.
// cause may be nil, in which case the message is just the kind.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is* helpers mirror the teacher's MCPError accessor style so call sites
// never need to know about the wrapper struct.

func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsAuthFailure(err error) bool       { return errors.Is(err, ErrAuthFailure) }
func IsInvariantViolation(err error) bool { return errors.Is(err, ErrInvariantViolation) }
func IsPayloadTooLarge(err error) bool    { return errors.Is(err, ErrPayloadTooLarge) }
func IsTransientIO(err error) bool        { return errors.Is(err, ErrTransientIO) }
func IsExtractionFailure(err error) bool  { return errors.Is(err, ErrExtractionFailure) }
func IsFatalStorage(err error) bool       { return errors.Is(err, ErrFatalStorage) }

// HTTPStatus maps a Kind to the status code spec.md §7 assigns it. Returns
// 500 for unrecognized kinds (treated as FatalStorage-adjacent).
func HTTPStatus(err error) int {
	switch {
	case IsInvariantViolation(err):
		return 400
	case IsAuthFailure(err):
		return 401
	case IsNotFound(err):
		return 404
	case IsPayloadTooLarge(err):
		return 413
	case IsConflict(err):
		return 200 // caller reports a skipped count, not a failure
	case IsTransientIO(err):
		return 502
	case IsFatalStorage(err):
		return 500
	default:
		return 500
	}
}
