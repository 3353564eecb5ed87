// Package apperr defines the machine-readable error kinds surfaced by the
// strata core. Every error returned across a package boundary carries one
// of these kinds so callers can branch on it with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. A Kind is itself an error so it can be used as
// an errors.Is target.
type Kind string

// Error implements error.
func (k Kind) Error() string { return string(k) }

// Error kinds.
const (
	// Validation errors are rejected before any I/O.
	Validation Kind = "validation"

	// InProgress means another compression holds the session lock.
	InProgress Kind = "in_progress"

	// VersionExists means a part already has a version at the requested level.
	VersionExists Kind = "version_exists"

	// StaleManifest means the manifest changed between load and save and
	// the write could not be reapplied.
	StaleManifest Kind = "stale_manifest"

	SessionNotFound     Kind = "session_not_found"
	PartNotFound        Kind = "part_not_found"
	VersionNotFound     Kind = "version_not_found"
	CompositionNotFound Kind = "composition_not_found"
	SourceMissing       Kind = "source_missing"

	// SourceDiverged means the session log was rewritten in a way that no
	// longer extends the compressed parts with a contiguous suffix.
	SourceDiverged Kind = "source_diverged"

	// ParseFailed means the session source could not be read as messages.
	ParseFailed Kind = "parse_failed"

	// NoDelta and InsufficientMessages are benign content conditions.
	NoDelta              Kind = "no_delta"
	InsufficientMessages Kind = "insufficient_messages"

	// NeedsCompression means no stored version is good enough for the
	// requested budget and a new compression should be created.
	NeedsCompression Kind = "needs_compression"

	SummarizerFailed Kind = "summarizer_failed"

	// Internal covers storage and I/O failures.
	Internal Kind = "internal"
)

// Error is a kind-tagged error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// New returns an Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error wrapping err. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error returns "op: msg: cause".
func (e *Error) Error() string {
	msg := e.Op
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if msg == "" {
		return string(e.Kind)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf reports the kind of err. Errors without a kind are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}
