package errors

import "net/http"

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: metrics sink unavailable, publish timeout.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid input, configuration not found.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for registry, binding and telemetry failures.
const (
	// Transient errors
	ErrCodeTimeout       ErrorCode = "TIMEOUT"        // Operation timed out
	ErrCodeUnavailable   ErrorCode = "UNAVAILABLE"    // Component closed or not reachable
	ErrCodePublishFailed ErrorCode = "PUBLISH_FAILED" // Metrics sink rejected a batch

	// Permanent errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Configuration or binding does not exist
	ErrCodeStaleBinding ErrorCode = "STALE_BINDING" // Binding points at a deleted configuration
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed or invalid input
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"  // Authentication failed
	ErrCodeUnsupported  ErrorCode = "UNSUPPORTED"   // Operation not supported by this setup
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodePublishFailed:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeStaleBinding, ErrCodeInvalidInput, ErrCodeUnauthorized,
		ErrCodeUnsupported, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:       "operation timed out",
	ErrCodeUnavailable:   "service unavailable",
	ErrCodePublishFailed: "metrics publish failed",
	ErrCodeNotFound:      "resource not found",
	ErrCodeStaleBinding:  "client bound to a deleted configuration",
	ErrCodeInvalidInput:  "invalid input provided",
	ErrCodeUnauthorized:  "authentication required",
	ErrCodeUnsupported:   "operation not supported",
	ErrCodeCanceled:      "operation canceled",
	ErrCodeInternal:      "internal error",
	ErrCodePanic:         "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

// HTTPStatus maps an error code to the response status used by the HTTP API.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeStaleBinding:
		return http.StatusGone
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeUnsupported:
		return http.StatusNotImplemented
	case ErrCodeUnavailable, ErrCodePublishFailed:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
