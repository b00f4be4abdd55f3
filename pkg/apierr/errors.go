// Package apierr defines the error taxonomy shared by the core and its
// collaborators (spec §7): validation, authorization, conflict, not-found,
// backend-transient, backend-permanent, and internal. Handlers (an external
// collaborator) map these to status codes; the reconciler never surfaces
// them to a caller, only into a resource's status.message.
package apierr

import "errors"

// Kind classifies an error for the handler layer and the reconciler alike.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindAuthorization    Kind = "authorization"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindBackendTransient Kind = "backend_transient"
	KindBackendPermanent Kind = "backend_permanent"
	KindInternal         Kind = "internal"
)

// Error is a classified error carrying a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func NotFound(msg string) *Error         { return New(KindNotFound, msg) }
func Conflict(msg string) *Error         { return New(KindConflict, msg) }
func Validation(msg string) *Error       { return New(KindValidation, msg) }
func Unauthorized(msg string) *Error     { return New(KindAuthorization, msg) }
func Internal(msg string, err error) *Error {
	return Wrap(KindInternal, msg, err)
}
