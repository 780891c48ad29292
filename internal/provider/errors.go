// ABOUTME: Error taxonomy shared by all provider bridges.
// ABOUTME: Maps HTTP statuses and transport failures onto the provider sentinels.

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors. Every *Error matches exactly one of these.
var (
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderAuth        = errors.New("provider authentication failed")
	ErrProviderRateLimited = errors.New("provider rate limited")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Registry errors.
var (
	ErrUnknownKind       = errors.New("unknown provider kind")
	ErrDuplicateProvider = errors.New("duplicate provider name")
	ErrProviderNotFound  = errors.New("provider not found")
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       error // one of the sentinels above
	StatusCode int   // upstream HTTP status, 0 when not applicable
	Err        error // underlying cause, may be nil
}

// NewError classifies err as kind for the named provider.
func NewError(provider string, kind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classifyStatus maps a non-2xx upstream status to a provider error.
func classifyStatus(provider string, status int, body string) *Error {
	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = ErrProviderAuth
	case status == http.StatusTooManyRequests:
		kind = ErrProviderRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = ErrProviderTimeout
	default:
		kind = ErrProviderUnavailable
	}
	var cause error
	if body != "" {
		cause = errors.New(truncate(body, 200))
	}
	return &Error{Provider: provider, Kind: kind, StatusCode: status, Err: cause}
}

// classifyTransport maps a transport-level failure to a provider error.
// Caller cancellation stays detectable through errors.Is(err, context.Canceled).
func classifyTransport(provider string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(provider, ErrProviderTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(provider, ErrProviderTimeout, err)
	}
	return NewError(provider, ErrProviderUnavailable, err)
}

// IsRetryable reports whether another provider might succeed where this one failed.
// Every classified failure is retryable on a different provider; caller
// cancellation is not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

var errEmptyAnswer = errors.New("empty answer")
