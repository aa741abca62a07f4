// Package ferrors defines the typed error kinds of §7 and maps them to the
// POSIX errno values the kernel filesystem bridge expects, grounded on
// gcsfuse's fs/fs.go special-casing of fuse.ENOENT / fuse.EEXIST /
// *gcs.PreconditionError at the FUSE boundary.
package ferrors

import (
	"errors"
	"syscall"
)

// Kind enumerates the error kinds from §7.
type Kind int

const (
	NotFound Kind = iota
	NotADirectory
	IsADirectory
	NotEmpty
	AlreadyExists
	InvalidArgument
	BadHandle
	TransportError
	Timeout
	IOError
)

// Error is a typed, errno-mappable error. Wrap an underlying cause with New
// so the original error remains available via errors.Unwrap for logging.
type Error struct {
	Kind  Kind
	Op    string
	Cause error
}

func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Op + ": " + e.Cause.Error()
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case NotADirectory:
		return "not a directory"
	case IsADirectory:
		return "is a directory"
	case NotEmpty:
		return "directory not empty"
	case AlreadyExists:
		return "already exists"
	case InvalidArgument:
		return "invalid argument"
	case BadHandle:
		return "bad handle"
	case TransportError:
		return "transport error"
	case Timeout:
		return "timed out"
	case IOError:
		return "i/o error"
	default:
		return "unknown error"
	}
}

// Errno maps err to the errno the kernel bridge should see. A nil err maps
// to nil (success). An *Error maps by Kind; any other non-nil error is
// treated as a hard I/O error, matching the propagation policy's "Transport
// errors ... only after three levels is the error surfaced as EINTR ...
// or EIO".
func Errno(err error) error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case NotFound:
			return syscall.ENOENT
		case NotADirectory:
			return syscall.ENOTDIR
		case IsADirectory:
			return syscall.EISDIR
		case NotEmpty:
			return syscall.ENOTEMPTY
		case AlreadyExists:
			return syscall.EEXIST
		case InvalidArgument:
			return syscall.EINVAL
		case BadHandle:
			return syscall.EBADF
		case Timeout:
			return syscall.EINTR
		case TransportError, IOError:
			return syscall.EIO
		}
	}

	return syscall.EIO
}
