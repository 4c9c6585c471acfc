package errs

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide between fallback, retry and
// discard without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration covers malformed or missing guild/channel settings.
	// Recoverable by falling back to defaults, never fatal.
	KindConfiguration
	// KindPlatformMutation covers a failed slowmode edit on the platform.
	// Recorded and retried on a later tick.
	KindPlatformMutation
	// KindDataIntegrity covers samples or rows in an impossible state.
	// The offending sample is discarded.
	KindDataIntegrity
	// KindStoreUnavailable covers an unreachable persistence layer.
	// Ticks back off, ingestion buffers in memory.
	KindStoreUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindPlatformMutation:
		return "platform mutation"
	case KindDataIntegrity:
		return "data integrity"
	case KindStoreUnavailable:
		return "store unavailable"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. Returns nil for a nil err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf creates a tagged error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsConfiguration(err error) bool    { return KindOf(err) == KindConfiguration }
func IsPlatformMutation(err error) bool { return KindOf(err) == KindPlatformMutation }
func IsDataIntegrity(err error) bool    { return KindOf(err) == KindDataIntegrity }
func IsStoreUnavailable(err error) bool { return KindOf(err) == KindStoreUnavailable }
