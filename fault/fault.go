// Package fault holds the error instances shared by the value model, the
// mapping store and the finalize journal.
//
// Errors returned by this module wrap one of these with detail, so callers
// classify a failure with errors.Is rather than by message.
package fault

import "errors"

// common errors - keep in alphabetic order
var (
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidAccess     = errors.New("invalid access")
	ErrInvalidEncoding   = errors.New("invalid encoding")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrMalformedPath     = errors.New("malformed path")
	ErrNotAContainer     = errors.New("not a container")
	ErrNotFound          = errors.New("not found")
	ErrOutOfRange        = errors.New("out of range")
	ErrRootMismatch      = errors.New("root mismatch")
	ErrTypeMismatch      = errors.New("type mismatch")
)

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports whether err is, or wraps, ErrAlreadyExists.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsOutOfRange reports whether err is, or wraps, ErrOutOfRange.
func IsOutOfRange(err error) bool { return errors.Is(err, ErrOutOfRange) }
