// Package classify implements the error classification table of spec.md
// §7: every error the scheduler and router observe from an ExecutionBackend
// or a downstream HTTP call is bucketed into one of five categories that
// determine retry and circuit-breaker treatment.
package classify

import "strings"

// Category is one of the five error classes from spec.md §7.
type Category string

const (
	Permanent Category = "PERMANENT"
	Transient Category = "TRANSIENT"
	Timeout   Category = "TIMEOUT"
	Resource  Category = "RESOURCE"
	Unknown   Category = "UNKNOWN"
)

// CountsTowardBreaker reports whether an outcome in this category should be
// recorded against a provider's circuit breaker (spec.md §4.3 "Outcome
// classification": only TRANSIENT, TIMEOUT, RESOURCE, and UNKNOWN count;
// PERMANENT never trips the breaker).
func (c Category) CountsTowardBreaker() bool {
	return c != Permanent
}

// Retryable reports whether the scheduler should retry an error in this
// category at all.
func (c Category) Retryable() bool {
	return c != Permanent
}

// FromHTTPStatus classifies an error by the HTTP status code a provider or
// downstream service returned.
func FromHTTPStatus(status int) Category {
	switch status {
	case 400, 401, 403, 404:
		return Permanent
	case 408, 504:
		return Timeout
	case 429:
		return Resource
	}
	if status >= 500 && status != 504 {
		return Transient
	}
	return Unknown
}

// permanentMarkers and the rest are substrings/names drawn directly from
// spec.md §7's trigger column; classification falls back to substring
// matching because the actual Go errors a backend reports (wrapped network
// errors, provider SDK error types) don't share a common interface.
var (
	permanentMarkers = []string{"ENOENT", "ENOTFOUND", "AuthenticationError", "BadRequestError"}
	transientMarkers = []string{"ECONNRESET", "ECONNREFUSED", "APIConnectionError"}
	timeoutMarkers   = []string{"AbortError", "timeout", "deadline exceeded"}
	resourceMarkers  = []string{"ENOMEM", "ENOSPC", "out of memory", "RateLimitError", "OverloadedError"}
)

// FromError classifies an error by inspecting its message for the marker
// substrings named in spec.md §7. Callers that have an HTTP status should
// prefer FromHTTPStatus and fall back to FromError only for transport-level
// failures that never reached a status line.
func FromError(err error) Category {
	if err == nil {
		return Unknown
	}
	msg := err.Error()
	if containsAny(msg, permanentMarkers) {
		return Permanent
	}
	if containsAny(msg, transientMarkers) {
		return Transient
	}
	if containsAny(msg, timeoutMarkers) {
		return Timeout
	}
	if containsAny(msg, resourceMarkers) {
		return Resource
	}
	return Unknown
}

func containsAny(msg string, markers []string) bool {
	lower := strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
