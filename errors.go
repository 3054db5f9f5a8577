package milliseries

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrKind classifies the failures the engine can return, per the error
// handling design: errors bubble to the caller unchanged and are never
// retried internally.
type ErrKind int

const (
	// KindIO covers any OS-level failure reading, writing, fsyncing,
	// opening, or mmapping a file.
	KindIO ErrKind = iota
	// KindCorrupt covers CRC mismatches, truncated headers, unknown
	// compression kinds, and non-monotonic commit offsets.
	KindCorrupt
	// KindNotFound is returned when a series directory is absent.
	KindNotFound
	// KindAlreadyExists is returned when create is called for an
	// existing series.
	KindAlreadyExists
	// KindInvalid covers malformed input such as empty series names.
	KindInvalid
)

func (k ErrKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorrupt:
		return "corrupt"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the ErrKind the caller should
// branch on.
type Error struct {
	Kind ErrKind
	Op   string
	Path string
	err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Kind, e.Path, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is(err, ErrNotFound) and errors.Is(err, ErrAlreadyExists)
// work against a *Error by kind rather than identity.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	if !ok {
		return false
	}
	return sentinel.Kind == e.Kind && sentinel.err == nil
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrAlreadyExists = &Error{Kind: KindAlreadyExists}
)

func wrapErr(kind ErrKind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, err: errors.WithStack(err)}
}

func ioErr(op, path string, err error) error      { return wrapErr(KindIO, op, path, err) }
func corruptErr(op, path string, err error) error { return wrapErr(KindCorrupt, op, path, err) }
func invalidErr(op, path string, err error) error { return wrapErr(KindInvalid, op, path, err) }
