package vfs

import (
	"errors"
	"fmt"
)

// Error is a member of the closed set of error conditions the VFS reports to
// its callers. Drivers translate their private failure codes into one of
// these at the driver boundary; the VFS itself never inspects anything else.
type Error string

const ErrNotFound = Error("no such file or directory")
const ErrExists = Error("file exists")
const ErrIOFailed = Error("input/output error")
const ErrNoSpaceOnDevice = Error("no space left on device")
const ErrInvalidArgument = Error("invalid argument")
const ErrNotADirectory = Error("not a directory")
const ErrNotAFile = Error("not a regular file")
const ErrIsADirectory = Error("is a directory")
const ErrDirectoryNotEmpty = Error("directory not empty")
const ErrReadOnlyFileSystem = Error("read-only file system")
const ErrNotSupported = Error("operation not supported")
const ErrPermissionDenied = Error("permission denied")
const ErrFileSystemCorrupted = Error("structure needs cleaning")
const ErrBusy = Error("device or resource busy")
const ErrUnknown = Error("unknown error")

// ErrEndOfDirectory is the sentinel returned by [VFS.ReadDir] once a
// directory handle has yielded its last entry. It is not part of the error
// taxonomy and never escapes any other operation.
const ErrEndOfDirectory = Error("end of directory")

func (e Error) Error() string {
	return string(e)
}

// WithMessage returns a new error that wraps `e` with additional detail.
// errors.Is still matches the original sentinel.
func (e Error) WithMessage(message string) DriverError {
	return wrappedError{
		message:  fmt.Sprintf("%s: %s", string(e), message),
		sentinel: e,
	}
}

// Wrap returns a new error that wraps both `e` and a causing error.
// errors.Is matches either.
func (e Error) Wrap(err error) DriverError {
	return wrappedError{
		message:  fmt.Sprintf("%s: %s", string(e), err.Error()),
		sentinel: e,
		cause:    err,
	}
}

// DriverError is the error type exchanged across the driver/VFS boundary. The
// concrete value always carries exactly one sentinel from the closed set.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
}

// -----------------------------------------------------------------------------

type wrappedError struct {
	message  string
	sentinel Error
	cause    error
}

func (e wrappedError) Error() string {
	return e.message
}

func (e wrappedError) WithMessage(message string) DriverError {
	return wrappedError{
		message:  fmt.Sprintf("%s: %s", e.message, message),
		sentinel: e.sentinel,
		cause:    e,
	}
}

func (e wrappedError) Wrap(err error) DriverError {
	return wrappedError{
		message:  fmt.Sprintf("%s: %s", e.message, err.Error()),
		sentinel: e.sentinel,
		cause:    err,
	}
}

func (e wrappedError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.sentinel}
	}
	return []error{e.sentinel, e.cause}
}

// CastError coerces an arbitrary error into a DriverError. Errors that
// already carry a sentinel pass through unchanged; anything else is treated
// as an I/O failure, since the only foreign errors that can reach the core
// come out of block device operations.
func CastError(err error) DriverError {
	if err == nil {
		return nil
	}

	var driverErr DriverError
	if errors.As(err, &driverErr) {
		return driverErr
	}
	return ErrIOFailed.Wrap(err)
}
