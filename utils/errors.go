package utils

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type APIError struct {
	Code       int           `json:"code"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func NewAPIErrorWithDetails(code int, message, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	ErrInvalidRequest = NewAPIError(http.StatusBadRequest, "Invalid request")
	ErrNotFound       = NewAPIError(http.StatusNotFound, "Resource not found")
	ErrInternalServer = NewAPIError(http.StatusInternalServerError, "Internal server error")
)

var (
	ErrInsufficientBalance = NewAPIError(http.StatusPaymentRequired, "Insufficient credit balance")
	ErrWalletNotFound      = NewAPIError(http.StatusNotFound, "Wallet not found")
	ErrUnlockNotFound      = NewAPIError(http.StatusNotFound, "Unlock not found")
	ErrUnlockBusy          = NewAPIError(http.StatusConflict, "Unlock is being processed by another user")
)

var (
	ErrProviderUnavailable = NewAPIError(http.StatusServiceUnavailable, "Generation provider unavailable")
	ErrProviderTimeout     = NewAPIError(http.StatusGatewayTimeout, "Generation provider timeout")
	ErrProviderError       = NewAPIError(http.StatusBadGateway, "Generation provider error")
)

// NewProviderDegradedError carries a retry-after hint so callers can back off
// instead of hammering an open circuit.
func NewProviderDegradedError(providerKey string, retryAfter time.Duration) *APIError {
	return &APIError{
		Code:       http.StatusServiceUnavailable,
		Message:    "Generation provider degraded",
		Details:    fmt.Sprintf("circuit open for provider %s", providerKey),
		RetryAfter: retryAfter,
	}
}

func WrapError(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// IsRetryableError reports whether an upstream failure is worth another
// attempt: timeouts and rate-limit-shaped errors are, everything else is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"temporary failure",
		"service unavailable",
		"gateway timeout",
		"too many requests",
		"rate limit",
		"429",
	}

	for _, retryableErr := range retryableErrors {
		if strings.Contains(errorStr, retryableErr) {
			return true
		}
	}

	return false
}

func GetHTTPStatusFromError(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}

	errorStr := strings.ToLower(err.Error())
	if strings.Contains(errorStr, "not found") {
		return http.StatusNotFound
	}
	if strings.Contains(errorStr, "timeout") {
		return http.StatusGatewayTimeout
	}
	if strings.Contains(errorStr, "rate limit") {
		return http.StatusTooManyRequests
	}

	return http.StatusInternalServerError
}
