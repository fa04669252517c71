// Package errors provides categorized errors that map onto HTTP responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sale-settlement/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents explorer errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryEligibility represents sale eligibility refusals
	CategoryEligibility ErrorCategory = "eligibility"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Eligibility refusals

// NewPhaseExhaustedError creates an error for a phase with no supply left
func NewPhaseExhaustedError(phase string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusBadRequest,
		Code:       "PHASE_EXHAUSTED",
		Message:    fmt.Sprintf("Token limit exceeded for %s", phase),
		Details: map[string]interface{}{
			"sale_name": phase,
		},
	}
}

// NewNoActiveSaleError creates an error for when no phase is running
func NewNoActiveSaleError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusBadRequest,
		Code:       "NO_ACTIVE_SALE",
		Message:    "Sale not found",
	}
}

// NewKYCIncompleteError creates an error for a user without completed KYC
func NewKYCIncompleteError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusBadRequest,
		Code:       "KYC_INCOMPLETE",
		Message:    "Please complete KYC",
	}
}

// NewAccountUnverifiedError creates an error for a user whose KYC is not approved
func NewAccountUnverifiedError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusBadRequest,
		Code:       "ACCOUNT_UNVERIFIED",
		Message:    "Your account is not verified",
	}
}

// NewAccountSuspendedError creates an error for a suspended account
func NewAccountSuspendedError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusBadRequest,
		Code:       "ACCOUNT_SUSPENDED",
		Message:    "Your account is suspended",
	}
}

// NewPriceMismatchError creates an error for an order priced off the phase
func NewPriceMismatchError(expected, got string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryEligibility,
		StatusCode: http.StatusBadRequest,
		Code:       "PRICE_MISMATCH",
		Message:    "Order price does not match the sale",
		Details: map[string]interface{}{
			"expected": expected,
			"got":      got,
		},
	}
}

// User Input Errors (4xx)

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewForbiddenError creates an error for an authenticated caller acting
// outside its rights
func NewForbiddenError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
	}
}

// NewUserNotFoundError creates an error for an unknown wallet
func NewUserNotFoundError(wallet string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "USER_NOT_FOUND",
		Message:    "User not found",
		Details: map[string]interface{}{
			"wallet_address": wallet,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewOrderNotFoundError creates an error for an unknown order
func NewOrderNotFoundError(txHash string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "ORDER_NOT_FOUND",
		Message:    fmt.Sprintf("order not found: %s", txHash),
		Details: map[string]interface{}{
			"transactionHash": txHash,
		},
	}
}

// NewDuplicateOrderError creates an error for a transaction hash already on file
func NewDuplicateOrderError(txHash string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "DUPLICATE_ORDER",
		Message:    fmt.Sprintf("order already exists: %s", txHash),
		Details: map[string]interface{}{
			"transactionHash": txHash,
		},
	}
}

// NewInvalidStatusTransitionError creates an error for a forbidden status change
func NewInvalidStatusTransitionError(from, to types.OrderStatus) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "INVALID_STATUS_TRANSITION",
		Message:    fmt.Sprintf("cannot move order from %s to %s", from, to),
		Details: map[string]interface{}{
			"from": string(from),
			"to":   string(to),
		},
	}
}

// NewLedgerConflictError creates an error for a lost conditional update
func NewLedgerConflictError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "LEDGER_CONFLICT",
		Message:    message,
		Cause:      cause,
	}
}

// NewRateLimitError creates a throttling error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too Many Requests. Please Try after sometimes",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Explorer Errors

// NewProviderError creates an explorer error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("explorer error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewProviderTimeoutError creates an explorer timeout error
func NewProviderTimeoutError(provider string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "PROVIDER_TIMEOUT",
		Message:    fmt.Sprintf("explorer timeout: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewProviderRateLimitError creates an explorer rate limit error
func NewProviderRateLimitError(provider string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusTooManyRequests,
		Code:       "PROVIDER_RATE_LIMIT",
		Message:    fmt.Sprintf("explorer rate limit exceeded: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsEligibilityError reports whether err is a business refusal rather than a fault
func IsEligibilityError(err error) bool {
	var catErr *CategorizedError
	return errors.As(err, &catErr) && catErr.Category == CategoryEligibility
}
