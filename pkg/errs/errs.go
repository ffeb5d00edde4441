// Package errs defines the stable error taxonomy described in the design's
// error-handling section and maps each kind to the process exit code the
// CLI surfaces to the caller.
package errs

import "fmt"

// Kind is a stable error category, never renumbered across releases.
type Kind string

const (
	KindUsage             Kind = "UsageError"
	KindSpec              Kind = "SpecError"
	KindStateTransition   Kind = "StateTransition"
	KindIdConflict        Kind = "IdConflict"
	KindNotFound          Kind = "NotFound"
	KindBackendFailure    Kind = "BackendFailure"
	KindHookFailure       Kind = "HookFailure"
	KindTranslation       Kind = "Translation"
	KindResourceExhausted Kind = "ResourceExhaustion"
	KindCorruption        Kind = "Corruption"
)

// ExitCode returns the process exit code associated with a Kind.
func (k Kind) ExitCode() int {
	switch k {
	case KindUsage:
		return 2
	case KindSpec:
		return 126
	case KindBackendFailure:
		return 125
	case KindNotFound:
		return 127
	default:
		return 1
	}
}

// Error is the typed error every layer of the shim returns so the CLI can
// print "<kind>: <message>" and choose an exit code without string
// matching.
type Error struct {
	Kind Kind
	// Path is the JSON path of the offending field, set on spec errors and
	// on translation errors that can name the field.
	Path string
	// Stage/Index identify the failing hook for HookFailure.
	Stage string
	Index int
	// Stderr carries captured backend/hook output, when available.
	Stderr string
	Msg    string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// WithPath attaches a JSON path, used by the validator.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// As reports whether err (or something it wraps) is an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e, true
	}
	return nil, false
}

func asError(err error, target **Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}
