package share

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"syscall"

	"github.com/vdust/partage/internal/lock"
)

// Kind classifies errors surfaced by folders, resources and the trash.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindForbidden
	KindConfiguration
	KindTimeout
	KindInvalid
)

var kindNames = map[Kind]string{
	KindInternal:      "internal",
	KindNotFound:      "notfound",
	KindConflict:      "conflict",
	KindForbidden:     "forbidden",
	KindConfiguration: "configuration",
	KindTimeout:       "timeout",
	KindInvalid:       "invalid",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

// Status returns the HTTP status conventionally associated with k.
func (k Kind) Status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusServiceUnavailable
	case KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Machine-readable error codes.
const (
	CodeNotFound      = "notfound"
	CodeExists        = "exists"
	CodeNotDir        = "notdir"
	CodeIsDir         = "isdir"
	CodeNotEmpty      = "notempty"
	CodeConflict      = "conflict"
	CodeForbidden     = "forbidden"
	CodeConfiguration = "configuration"
	CodeInternal      = "internal"
	CodeTimeout       = "timeout"
	CodeInvalid       = "invalid"
	CodeRenaming      = "renaming"
)

// Error is the typed error returned at the core boundary.
type Error struct {
	Kind Kind
	Code string
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Op != "" {
		msg = e.Op + " " + e.Path + ": " + msg
	} else if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error kind.
func (e *Error) Status() int { return e.Kind.Status() }

func newError(kind Kind, code, op, path string, err error) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Path: path, Err: err}
}

// NotFound reports a missing path, or one the caller may not see.
func NotFound(op, path string) *Error {
	return newError(KindNotFound, CodeNotFound, op, path, nil)
}

// Conflict reports a path in a state that forbids op.
func Conflict(op, path, code string) *Error {
	return newError(KindConflict, code, op, path, nil)
}

// Forbidden reports a missing permission.
func Forbidden(op, path string) *Error {
	return newError(KindForbidden, CodeForbidden, op, path, nil)
}

// Invalid reports a malformed argument.
func Invalid(op, path string, format string, args ...any) *Error {
	return newError(KindInvalid, CodeInvalid, op, path, fmt.Errorf(format, args...))
}

// Internal wraps an unexpected failure.
func Internal(op, path string, err error) *Error {
	return newError(KindInternal, CodeInternal, op, path, err)
}

// FromOS translates a filesystem or lock error. Errors that are already
// typed pass through unchanged.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	switch {
	case errors.Is(err, lock.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, CodeTimeout, op, path, err)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			return newError(KindNotFound, CodeNotFound, op, path, err)
		case syscall.ENOTDIR:
			return newError(KindConflict, CodeNotDir, op, path, err)
		case syscall.EISDIR:
			return newError(KindConflict, CodeIsDir, op, path, err)
		case syscall.EEXIST:
			return newError(KindConflict, CodeExists, op, path, err)
		case syscall.ENOTEMPTY:
			return newError(KindConflict, CodeNotEmpty, op, path, err)
		case syscall.EACCES, syscall.EPERM:
			return newError(KindConfiguration, CodeConfiguration, op, path, err)
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return newError(KindNotFound, CodeNotFound, op, path, err)
	case errors.Is(err, fs.ErrExist):
		return newError(KindConflict, CodeExists, op, path, err)
	case errors.Is(err, fs.ErrPermission):
		return newError(KindConfiguration, CodeConfiguration, op, path, err)
	}
	return newError(KindInternal, CodeInternal, op, path, err)
}

// KindOf returns the kind of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, CodeInternal for untyped errors.
func CodeOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return CodeInternal
}

// IsKind reports whether err is a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	var typed *Error
	return errors.As(err, &typed) && typed.Kind == kind
}

// Status returns the HTTP status for err.
func Status(err error) int {
	return KindOf(err).Status()
}
