// Package errors classifies failures from the remote completion endpoint and
// the credential exchange so callers can decide between retrying, surfacing,
// and re-authenticating.
package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrNotAuthenticated is returned when the long-lived credential was rejected
// by the token exchange. The host application must re-run its login flow.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrCancelled marks a caller-initiated abort. Never reported as an error to
// the session callbacks.
var ErrCancelled = errors.New("cancelled")

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	RetryAfter int    // seconds, from a Retry-After header when present
	Message    string // operator-friendly message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// QuotaError marks a billing or usage-budget exhaustion condition. Not
// retried; the host should route the user to billing.
type QuotaError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *QuotaError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("quota exhausted: %v", e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// NewTransientError creates a transient error with an operator-friendly message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a permanent error with an operator-friendly message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var quota *QuotaError
	if errors.As(err, &quota) {
		return false
	}
	if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrCancelled) {
		return false
	}
	return isNetworkError(err)
}

// IsQuota reports whether an error is a billing/budget exhaustion condition.
func IsQuota(err error) bool {
	var quota *QuotaError
	return errors.As(err, &quota)
}

// IsNotAuthenticated reports whether an error means the stored credential is
// no longer usable.
func IsNotAuthenticated(err error) bool {
	return errors.Is(err, ErrNotAuthenticated)
}

// StatusCode extracts the HTTP status carried by a classified error, or 0.
func StatusCode(err error) int {
	var transient *TransientError
	if errors.As(err, &transient) {
		return transient.StatusCode
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return permanent.StatusCode
	}
	var quota *QuotaError
	if errors.As(err, &quota) {
		return quota.StatusCode
	}
	return 0
}

// quotaHints is a best-effort set of substrings observed in quota-exhaustion
// bodies. Upstream wording changes freely; treat a match as a hint, not a
// contract.
var quotaHints = []string{
	"quota",
	"billing",
	"budget",
	"payment required",
	"insufficient credit",
	"spend limit",
	"usage limit",
}

// MapHTTPStatus converts a non-2xx response into a classified error.
func MapHTTPStatus(statusCode int, body []byte, header http.Header) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	base := fmt.Errorf("api error %d: %s", statusCode, snippet)
	lower := strings.ToLower(snippet)

	switch {
	case statusCode == http.StatusPaymentRequired:
		return &QuotaError{Err: base, StatusCode: statusCode,
			Message: "Usage budget exhausted. Please check your plan and billing."}
	case statusCode == http.StatusTooManyRequests:
		for _, hint := range quotaHints {
			if strings.Contains(lower, hint) {
				return &QuotaError{Err: base, StatusCode: statusCode,
					Message: "Usage budget exhausted. Please check your plan and billing."}
			}
		}
		return &TransientError{Err: base, StatusCode: statusCode,
			RetryAfter: parseRetryAfter(header),
			Message:    "Rate limit reached. Retrying with backoff."}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrNotAuthenticated, base)
	case statusCode >= 500:
		return &TransientError{Err: base, StatusCode: statusCode,
			Message: fmt.Sprintf("Server error (%d). Retrying request.", statusCode)}
	default:
		return &PermanentError{Err: base, StatusCode: statusCode,
			Message: fmt.Sprintf("Request rejected (%d).", statusCode)}
	}
}

func parseRetryAfter(header http.Header) int {
	if header == nil {
		return 0
	}
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	seconds := 0
	if _, err := fmt.Sscanf(value, "%d", &seconds); err != nil {
		return 0
	}
	return seconds
}

// FormatForModel converts a failure into text suitable for a tool-result
// message, so the model can see what went wrong and react.
func FormatForModel(err error) string {
	if err == nil {
		return ""
	}
	var transient *TransientError
	if errors.As(err, &transient) && transient.Message != "" {
		return transient.Message
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) && permanent.Message != "" {
		return permanent.Message
	}
	var quota *QuotaError
	if errors.As(err, &quota) && quota.Message != "" {
		return quota.Message
	}
	return err.Error()
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"no such host",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
