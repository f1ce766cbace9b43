package store

import "fmt"

// Kind classifies a storage-layer error. Only the four storage-originated
// kinds live here; Fatal/Retryable/Transport are user- and queue-raised and
// live in package engine.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindGone           Kind = "gone"
	KindVersionMismatch Kind = "version_mismatch"
)

// Error is the structured error every Store method returns on failure. It
// wraps an optional underlying cause and is matched with errors.Is against
// the ErrNotFound/ErrConflict/ErrGone/ErrVersionMismatch sentinels below,
// the same Unwrap-and-compare shape node errors elsewhere in this runtime use.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, store.ErrConflict) match any *Error with the same
// Kind, regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons. Never compared for message equality.
var (
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrGone           = &Error{Kind: KindGone}
	ErrVersionMismatch = &Error{Kind: KindVersionMismatch}
)

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func versionMismatch(format string, args ...any) *Error {
	return &Error{Kind: KindVersionMismatch, Message: fmt.Sprintf(format, args...)}
}
