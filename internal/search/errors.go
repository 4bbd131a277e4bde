package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrAuth means the credential was missing or rejected. Not retried.
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimited is a provider-side 429.
	ErrRateLimited = errors.New("rate limited by provider")
	// ErrThrottled is a local rate-limit rejection in non-blocking mode.
	ErrThrottled = errors.New("throttled")
	// ErrTransient covers 5xx responses and network failures.
	ErrTransient = errors.New("transient provider failure")
	// ErrMalformedResponse means the provider answered with an unexpected shape.
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrTimeout           = errors.New("provider timed out")
	// ErrCircuitOpen is a fast local rejection; no network call is made.
	ErrCircuitOpen          = errors.New("circuit open")
	ErrNoProvidersAvailable = errors.New("no providers available")
	ErrAllProvidersFailed   = errors.New("all providers failed")
	ErrInvalidQuery         = errors.New("invalid query")
)

// ErrorKind is the stable, serialisable name of an error class.
type ErrorKind string

const (
	KindNone        ErrorKind = "none"
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindThrottled   ErrorKind = "throttled"
	KindTransient   ErrorKind = "transient"
	KindMalformed   ErrorKind = "malformed_response"
	KindTimeout     ErrorKind = "timeout"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindCanceled    ErrorKind = "canceled"
	KindInvalid     ErrorKind = "invalid_query"
	KindUnknown     ErrorKind = "unknown"
)

// KindOf classifies err. Context deadline errors count as timeouts.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrThrottled):
		return KindThrottled
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrInvalidQuery):
		return KindInvalid
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// CountsAsFailure reports whether an error of this kind should move a
// provider toward an open circuit.
func (k ErrorKind) CountsAsFailure() bool {
	switch k {
	case KindTransient, KindMalformed, KindTimeout, KindUnknown:
		return true
	}
	return false
}

// ProviderError carries provider context around one of the sentinels.
type ProviderError struct {
	Provider string
	Kind     error
	Status   int
	// Sample is a bounded prefix of the raw payload, kept for diagnosis.
	Sample string
	Err    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// AllProvidersFailedError is returned when every candidate errored. It keeps
// the full status map so callers can tell "no results" from "every backend
// is broken".
type AllProvidersFailedError struct {
	Status map[string]ProviderStatus
}

func (e *AllProvidersFailedError) Error() string {
	names := make([]string, 0, len(e.Status))
	for name := range e.Status {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Status[name].Kind))
	}
	return fmt.Sprintf("%s: [%s]", ErrAllProvidersFailed, strings.Join(parts, "; "))
}

func (e *AllProvidersFailedError) Unwrap() error { return ErrAllProvidersFailed }

const maxSampleBytes = 512

func sample(b []byte) string {
	if len(b) > maxSampleBytes {
		b = b[:maxSampleBytes]
	}
	return string(b)
}
