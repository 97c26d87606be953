package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies errors for retry and surfacing decisions.
type Kind int

const (
	// KindTransient - retry-able errors (timeouts, 5xx, connection resets).
	KindTransient Kind = iota
	// KindPermanent - non-retry-able errors.
	KindPermanent
	// KindIntegrity - invariant violations; fatal for the workflow.
	KindIntegrity
	// KindResourceExhausted - caps exceeded; fail the workflow and release.
	KindResourceExhausted
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err           error
	RetryAfter    int    // Seconds to wait before retry (from Retry-After header)
	StatusCode    int    // HTTP status code if applicable
	SuggestedWait int    // Suggested wait time in seconds
	Message       string // User-facing message
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

// IntegrityError marks invariant violations: path traversal, checksum
// mismatches on resume, malformed persisted state. Always fatal for the
// workflow that hit it; the session survives.
type IntegrityError struct {
	Err     error
	Message string
}

func (e *IntegrityError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("integrity violation: %v", e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// ResourceExhaustedError marks cap overruns: shared-context caps, memory
// budget, backpressure beyond threshold.
type ResourceExhaustedError struct {
	Err      error
	Resource string // which cap was hit, e.g. "shared_context"
	Message  string
}

func (e *ResourceExhaustedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("resource exhausted (%s): %v", e.Resource, e.Err)
}

func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}
	if IsIntegrity(err) || IsResourceExhausted(err) {
		return false
	}
	// Cancellation is never retried.
	if errors.Is(err, syscall.ECANCELED) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}
	if isSyscallError(err) {
		return true
	}
	return false
}

// IsPermanent checks if an error is non-retry-able.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}
	if IsIntegrity(err) || IsResourceExhausted(err) {
		return true
	}

	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isPermanentHTTPStatus(statusCode)
	}

	lowerErr := strings.ToLower(err.Error())
	permanentPatterns := []string{
		"not found",
		"permission denied",
		"invalid",
		"unauthorized",
		"forbidden",
		"bad request",
		"tool not found",
	}
	for _, pattern := range permanentPatterns {
		if strings.Contains(lowerErr, pattern) {
			return true
		}
	}
	return false
}

// IsIntegrity checks whether err is an invariant violation.
func IsIntegrity(err error) bool {
	var integrityErr *IntegrityError
	return errors.As(err, &integrityErr)
}

// IsResourceExhausted checks whether err is a cap overrun.
func IsResourceExhausted(err error) bool {
	var exhaustedErr *ResourceExhaustedError
	return errors.As(err, &exhaustedErr)
}

// Classify buckets an error into a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindPermanent
	case IsIntegrity(err):
		return KindIntegrity
	case IsResourceExhausted(err):
		return KindResourceExhausted
	case IsTransient(err):
		return KindTransient
	default:
		// Default to permanent to avoid infinite retries.
		return KindPermanent
	}
}

// UserMessage extracts the user-facing message from a classified error.
// Unclassified errors get a generic message; their details belong in the
// server log, not the API response.
func UserMessage(err error) string {
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
	var integrity *IntegrityError
	if errors.As(err, &integrity) && integrity.Message != "" {
		return integrity.Message
	}
	var exhausted *ResourceExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Error()
	}
	if IsTransient(err) || IsPermanent(err) {
		return err.Error()
	}
	return "internal error"
}

// Helper constructors.

// NewTransientError creates a transient error with a user-facing message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a permanent error with a user-facing message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// NewIntegrityError wraps err as a fatal invariant violation.
func NewIntegrityError(err error, message string) *IntegrityError {
	return &IntegrityError{Err: err, Message: message}
}

// NewResourceExhaustedError wraps err as a cap overrun on the named resource.
func NewResourceExhaustedError(err error, resource string) *ResourceExhaustedError {
	return &ResourceExhaustedError{Err: err, Resource: resource}
}

// Helper functions.

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.EAGAIN:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isPermanentHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusMethodNotAllowed,
		http.StatusConflict,
		http.StatusGone,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

var statusCodes = []int{400, 401, 403, 404, 429, 500, 502, 503, 504}

func extractHTTPStatusCode(err error) int {
	lowerErr := strings.ToLower(err.Error())
	for _, code := range statusCodes {
		if strings.Contains(lowerErr, fmt.Sprintf("status %d", code)) ||
			strings.Contains(lowerErr, fmt.Sprintf(" %d", code)) {
			return code
		}
	}
	return 0
}
