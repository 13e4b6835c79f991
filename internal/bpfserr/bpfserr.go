// Package bpfserr classifies the fallible outcomes every core operation can
// return. Handlers never hand back raw errno-style integers; they
// return one of these kinds, wrapped with xerrors at the call site that
// detected the condition.
package bpfserr

import "golang.org/x/xerrors"

// Kind is one of the classified error kinds every handler returns on failure.
type Kind int

const (
	// NotFound: ino or name does not exist.
	NotFound Kind = iota
	// Exists: target name already present.
	Exists
	// NotDir: type mismatch, expected a directory.
	NotDir
	// IsDir: type mismatch, expected a non-directory.
	IsDir
	// NotEmpty: rmdir on a non-empty directory.
	NotEmpty
	// NameTooLong: name length exceeds the maximum a dirent can hold.
	NameTooLong
	// TooManyLinks: link count would overflow uint32.
	TooManyLinks
	// OutOfSpace: block or inode bitmap exhausted.
	OutOfSpace
	// OutOfMemory: DRAM allocation failure for staging, dcache, shadow tables.
	OutOfMemory
	// InvalidArgument: ino outside bitmap range, malformed request.
	InvalidArgument
	// NotSupported: e.g. mknod of a device without an rdev.
	NotSupported
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Exists:
		return "already exists"
	case NotDir:
		return "not a directory"
	case IsDir:
		return "is a directory"
	case NotEmpty:
		return "directory not empty"
	case NameTooLong:
		return "name too long"
	case TooManyLinks:
		return "too many links"
	case OutOfSpace:
		return "out of space"
	case OutOfMemory:
		return "out of memory"
	case InvalidArgument:
		return "invalid argument"
	case NotSupported:
		return "not supported"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned by every fallible core operation.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "lookup", "rename"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// New wraps a classified error for operation op.
func New(op string, k Kind, cause error) error {
	return &Error{Op: op, Kind: k, Err: cause}
}

// Errorf is a convenience wrapper producing a classified error without an
// underlying cause, formatting the message as the cause via xerrors.
func Errorf(op string, k Kind, format string, args ...interface{}) error {
	return &Error{Op: op, Kind: k, Err: xerrors.Errorf(format, args...)}
}
