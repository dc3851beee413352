package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies pipeline errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindIO
	KindCorrupt
	KindMismatch
	KindStrategy
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string // bucket/id the operation addressed, if any
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, xerrors.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	ErrNotFound = &Error{Kind: KindNotFound}
	ErrCorrupt  = &Error{Kind: KindCorrupt}
	ErrMismatch = &Error{Kind: KindMismatch}
	ErrStrategy = &Error{Kind: KindStrategy}
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindIO:
		return "i/o error"
	case KindCorrupt:
		return "corrupted blob"
	case KindMismatch:
		return "blob id mismatch"
	case KindStrategy:
		return "storage strategy mismatch"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// IsNotFound reports whether err means the addressed blob or mapping does not exist.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsCorrupt reports whether err is a CorruptionError.
func IsCorrupt(err error) bool {
	return err != nil && KindOf(err) == KindCorrupt
}
