package domain

import "fmt"

// ErrorKind is the closed taxonomy of domain failures (SPEC §7). The
// Dispatcher is the only layer that turns a Kind into a wire error code;
// everything below it only ever returns an *Error.
type ErrorKind string

const (
	Validation             ErrorKind = "Validation"
	NotFound               ErrorKind = "NotFound"
	DuplicateCode          ErrorKind = "DuplicateCode"
	InvalidStateTransition ErrorKind = "InvalidStateTransition"
	ClaimConflict          ErrorKind = "ClaimConflict"
	NotOwner               ErrorKind = "NotOwner"
	Conflict               ErrorKind = "Conflict"
	Database               ErrorKind = "Database"
)

// Error is the typed error every Coordinator and Store operation returns.
// Data carries structured detail for the dispatcher's error envelope
// (e.g. {from_state, to_state} for InvalidStateTransition).
type Error struct {
	Kind    ErrorKind
	Message string
	Data    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an *Error with no structured data.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf builds an *Error with a formatted message.
func NewErrorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured detail and returns the receiver for chaining.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// Wrap annotates a lower-level error (typically from the store) as a
// domain error of the given kind (Database at every current call site),
// preserving it for errors.Is/As.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Is reports whether err is a domain *Error of the given kind.
func Is(err error, kind ErrorKind) bool {
	var de *Error
	if e, ok := err.(*Error); ok {
		de = e
	} else {
		return false
	}
	return de.Kind == kind
}
