package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers MUST use these constants instead of
// hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField  ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidKind   ErrorCode = "validation_invalid_kind"
	ErrCodeValidationInvalidTarget ErrorCode = "validation_invalid_target"
	ErrCodeValidationPayloadShape  ErrorCode = "validation_payload_kind_mismatch"
	ErrCodeValidationBatchSize     ErrorCode = "validation_batch_size_out_of_range"

	// Not Found (404)
	ErrCodeNotFoundCampaign ErrorCode = "not_found_campaign"
	ErrCodeNotFoundSequence ErrorCode = "not_found_sequence"

	// Conflict (409)
	ErrCodeConflictTerminal   ErrorCode = "conflict_terminal_status"
	ErrCodeConflictConcurrent ErrorCode = "conflict_concurrent_modification"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeSchedulingFailed   ErrorCode = "internal_scheduling_failed"
	ErrCodeUpstreamMail       ErrorCode = "upstream_mail_provider_unavailable"
	ErrCodeUpstreamRateLimit  ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamTimeout    ErrorCode = "upstream_timeout"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeUpstreamRateLimit):
		return http.StatusTooManyRequests
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. All domain and handler
// errors are expressed as AppError to enable consistent formatting, HTTP
// status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details
// safe to expose to clients.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// TruncateError bounds err's text to ErrorMessageMaxLen runes for storage in
// a recipient row. Human-readable; never empty for a non-nil error.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if msg == "" {
		msg = "unknown delivery error"
	}
	runes := []rune(msg)
	if len(runes) <= ErrorMessageMaxLen {
		return msg
	}
	return string(runes[:ErrorMessageMaxLen])
}
