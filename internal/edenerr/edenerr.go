// Package edenerr defines the closed error-kind taxonomy of §7: every error
// that crosses an inode-engine boundary is one of these kinds, so callers at
// the kernel/control boundary can map it to the right platform error
// without inspecting message text.
package edenerr

import (
	"fmt"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Kind classifies an error for the purposes of mapping to a kernel errno or
// surfacing to a control-plane caller.
type Kind int

const (
	// KindNotFound means an ino or path is missing (-> ENOENT).
	KindNotFound Kind = iota
	// KindStale means the ino was forgotten by the daemon but is still
	// referenced by the kernel (-> ESTALE where supported).
	KindStale
	// KindPosix wraps a POSIX errno and message.
	KindPosix
	// KindWin32 wraps a platform-specific Win32/HRESULT code and message.
	KindWin32
	// KindNetwork is recognized from an upstream object-store error.
	KindNetwork
	// KindGeneric is the UTF-8-sanitized fallback.
	KindGeneric
	// KindBug means an invariant was violated.
	KindBug
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindStale:
		return "stale"
	case KindPosix:
		return "system-io"
	case KindWin32:
		return "system-io"
	case KindNetwork:
		return "network"
	case KindGeneric:
		return "generic"
	case KindBug:
		return "bug"
	default:
		return "unknown"
	}
}

// Error is the concrete error type produced by the inode engine.
type Error struct {
	Kind    Kind
	Message string
	// Errno is set for KindPosix.
	Errno int
	// Code is set for KindWin32 or KindNetwork (a remote/platform code).
	Code int
	// Remote is the remote exception type name, for KindNetwork and for
	// PrivHelper RESP_ERROR passthrough.
	Remote string
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s (errno %d)", e.Kind, e.Message, e.Errno)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is supports errors.Is(err, edenerr.NotFoundKind), etc. via sentinel
// construction: two *Error values match if their Kind matches.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// NotFound constructs a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: Sanitize(fmt.Sprintf(format, args...))}
}

// Stale constructs a KindStale error.
func Stale(format string, args ...any) *Error {
	return &Error{Kind: KindStale, Message: Sanitize(fmt.Sprintf(format, args...))}
}

// Posix constructs a KindPosix error wrapping errno.
func Posix(errno int, format string, args ...any) *Error {
	return &Error{Kind: KindPosix, Errno: errno, Message: Sanitize(fmt.Sprintf(format, args...))}
}

// Bug constructs a KindBug error. It only builds and returns the error, in
// every build; nothing in this package panics on a KindBug error.
func Bug(format string, args ...any) *Error {
	return &Error{Kind: KindBug, Message: Sanitize(fmt.Sprintf(format, args...))}
}

// Generic constructs a KindGeneric error.
func Generic(format string, args ...any) *Error {
	return &Error{Kind: KindGeneric, Message: Sanitize(fmt.Sprintf(format, args...))}
}

// Network constructs a KindNetwork error carrying a remote code/type, as
// recognized from an upstream object-store error message.
func Network(remote string, code int, format string, args ...any) *Error {
	return &Error{Kind: KindNetwork, Remote: remote, Code: code, Message: Sanitize(fmt.Sprintf(format, args...))}
}

// Sentinels usable with errors.Is.
var (
	NotFoundKind = &Error{Kind: KindNotFound}
	StaleKind    = &Error{Kind: KindStale}
	BugKind      = &Error{Kind: KindBug}
)

// sanitizer replaces ill-formed UTF-8 sequences with the Unicode
// replacement character. Built once; transform.Transformer values are safe
// for concurrent use by separate transform.String calls.
var sanitizer = runes.ReplaceIllFormed()

// Sanitize replaces invalid UTF-8 sequences in s with the Unicode
// replacement character, so every message crossing the control boundary is
// valid UTF-8 (§7: "sanitized to valid UTF-8 ... preserved verbatim modulo
// replacement of invalid code points").
func Sanitize(s string) string {
	out, _, err := transform.String(sanitizer, s)
	if err != nil {
		return s
	}
	return out
}
