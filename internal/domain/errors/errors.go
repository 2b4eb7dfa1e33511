package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies an error by how callers are expected to react to it.
type ErrorType string

const (
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeBlockedByPolicy     ErrorType = "blocked_by_policy"
	ErrorTypeBudgetExceeded      ErrorType = "budget_exceeded"
	ErrorTypeResourceUnavailable ErrorType = "resource_unavailable"
	ErrorTypeConfigurationGap    ErrorType = "configuration_gap"
	ErrorTypeInternal            ErrorType = "internal"
)

// Stable, machine-readable reason codes. Gateways match on these, so they never change.
const (
	CodeDNC                 = "dnc"
	CodeQuietHours          = "quiet_hours"
	CodeConsent             = "consent"
	CodeLegalReview         = "legal_review"
	CodeBudgetExceeded      = "budget_exceeded"
	CodeLockTimeout         = "lock_timeout"
	CodeStoreUnavailable    = "store_unavailable"
	CodeConfigurationGap    = "configuration_gap"
	CodeInvalidInput        = "invalid_input"
	CodeIdempotencyMismatch = "idempotency_mismatch"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

// NewBlockedByPolicyError reports a failed compliance check. It is an expected
// outcome, never a server fault.
func NewBlockedByPolicyError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBlockedByPolicy,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

// NewBudgetExceededError reports a hard-stop refusal. Callers surface it with
// payment-required semantics.
func NewBudgetExceededError(mtdBefore, mtdAfter, cap int64, thresholdHit string) *AppError {
	details := map[string]interface{}{
		"mtd_before": mtdBefore,
		"mtd_after":  mtdAfter,
		"cap":        cap,
	}
	if thresholdHit != "" {
		details["threshold_hit"] = thresholdHit
	}
	return &AppError{
		Type:       ErrorTypeBudgetExceeded,
		Code:       CodeBudgetExceeded,
		Message:    fmt.Sprintf("monthly budget exceeded: %d + request > cap %d", mtdBefore, cap),
		Details:    details,
		Retryable:  false,
		StatusCode: 402,
	}
}

// NewResourceUnavailableError is the only retryable class. Retries must reuse the
// original idempotency key.
func NewResourceUnavailableError(code, resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeResourceUnavailable,
		Code:       code,
		Message:    fmt.Sprintf("%s unavailable", resource),
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"resource": resource},
	}
}

func NewConfigurationGapError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConfigurationGap,
		Code:       CodeConfigurationGap,
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// HasCode checks if an error carries a specific reason code
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
