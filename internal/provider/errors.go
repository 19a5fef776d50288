package provider

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure.  The dispatcher logs the kind of
// every error before exiting non-zero.
type Kind string

const (
	KindInput           Kind = "InputError"
	KindNoMatchingTool  Kind = "NoMatchingTool"
	KindAmbiguousTool   Kind = "AmbiguousTool"
	KindExternalCommand Kind = "ExternalCommandError"
	KindNetwork         Kind = "NetworkError"
	KindSupervisor      Kind = "SupervisorError"
	KindNotFound        Kind = "NotFound"
	KindUnknownCommand  Kind = "UnknownCommand"
	KindInternal        Kind = "InternalError"
)

// Sentinels for errors.Is checks.  Matching is by Kind only.
var (
	ErrInput           = &Error{Kind: KindInput}
	ErrNoMatchingTool  = &Error{Kind: KindNoMatchingTool}
	ErrAmbiguousTool   = &Error{Kind: KindAmbiguousTool}
	ErrExternalCommand = &Error{Kind: KindExternalCommand}
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrSupervisor      = &Error{Kind: KindSupervisor}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrUnknownCommand  = &Error{Kind: KindUnknownCommand}
)

// Error is a provider failure of a known Kind, optionally wrapping the
// underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// NewError returns an *Error of the given kind.  err may be nil.
func NewError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindInternal
}
