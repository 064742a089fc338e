package speech

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Kind classifies a speech pipeline failure.
type Kind string

const (
	KindNetwork  Kind = "NETWORK"
	KindAPI      Kind = "API"
	KindTimeout  Kind = "TIMEOUT"
	KindPlayback Kind = "PLAYBACK"
	KindUnknown  Kind = "UNKNOWN"
)

// Error is the single failure type surfaced by the speech pipeline. Retryable
// is decided when the error is created and never changes afterwards.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Status    int
	Err       error
}

func (e *Error) Error() string {
	if e.Retryable {
		return fmt.Sprintf("[%s] %s (retryable)", e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewNetworkError(message string, cause error) *Error {
	return &Error{Kind: KindNetwork, Message: message, Retryable: true, Err: cause}
}

// NewAPIError reports a non-2xx backend response. Only 5xx responses are
// worth retrying.
func NewAPIError(message string, status int) *Error {
	return &Error{
		Kind:      KindAPI,
		Message:   message,
		Status:    status,
		Retryable: status >= 500 && status < 600,
	}
}

func NewTimeoutError(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Retryable: true, Err: cause}
}

func NewPlaybackError(message string, cause error) *Error {
	return &Error{Kind: KindPlayback, Message: message, Err: cause}
}

func NewUnknownError(message string, cause error) *Error {
	return &Error{Kind: KindUnknown, Message: message, Err: cause}
}

// Wrap normalizes any error into *Error. Errors that already carry a kind
// pass through untouched; connectivity failures become NETWORK and the rest
// UNKNOWN.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if isConnectivity(err) {
		return NewNetworkError(fmt.Sprintf("network error: %v", err), err)
	}
	return NewUnknownError(err.Error(), err)
}

// IsRetryable reports whether err, once normalized, may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Wrap(err).Retryable
}

func isConnectivity(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}
