package seriescache

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure.
type Kind int

const (
	// NotFound means upstream has no data for the identity.
	NotFound Kind = iota + 1
	// Unavailable covers transport failures, timeouts and unexpected status codes.
	Unavailable
	// InvalidFormat means the payload could not be normalized into a series.
	InvalidFormat
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Unavailable:
		return "unavailable"
	case InvalidFormat:
		return "invalid_format"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against an *UpstreamError.
var (
	ErrNotFound      = errors.New("seriescache: upstream not found")
	ErrUnavailable   = errors.New("seriescache: upstream unavailable")
	ErrInvalidFormat = errors.New("seriescache: upstream invalid format")
)

// UpstreamError reports why a refresh failed.
type UpstreamError struct {
	Kind   Kind
	Detail string
	Status int   // upstream HTTP status, 0 when no response was received
	Err    error // underlying cause, may be nil
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("seriescache: upstream %s: %s", e.Kind, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == NotFound
	case ErrUnavailable:
		return e.Kind == Unavailable
	case ErrInvalidFormat:
		return e.Kind == InvalidFormat
	}
	return false
}

// KindOf returns the Kind of the first *UpstreamError in err's chain, or 0.
func KindOf(err error) Kind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return 0
}

func invalidFormat(detail string) *UpstreamError {
	return &UpstreamError{Kind: InvalidFormat, Detail: detail}
}
