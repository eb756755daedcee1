package agon

import (
	"errors"
	"fmt"
	"net/http"
)

// ProtocolError is the single error shape used across the SDK. Backend-reported
// failures keep their original code; transport-level failures are synthesized
// locally under ErrCodeInternal with a distinguishing message and a
// "transport" detail.
type ProtocolError struct {
	Status  int                    `json:"status"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Account and auth errors.
const (
	ErrCodeAccountNotFound = "account_not_found"
	ErrCodeAccountRevoked  = "account_revoked"
	ErrCodeInvalidAPIKey   = "invalid_api_key"
)

// Balance errors.
const (
	ErrCodeInsufficientFunds          = "insufficient_funds"
	ErrCodeInsufficientAvailable      = "insufficient_available"
	ErrCodeWithdrawalExceedsAvailable = "withdrawal_exceeds_available"
)

// Deposit errors.
const (
	ErrCodeDepositVerificationFailed = "deposit_verification_failed"
)

// Token and reservation errors.
const (
	ErrCodeTokenNotFound       = "token_not_found"
	ErrCodeTokenAlreadyUsed    = "token_already_used"
	ErrCodeTokenExpired        = "token_expired"
	ErrCodeAlreadyConsumed     = "reservation_already_consumed"
	ErrCodeAlreadyReleased     = "reservation_already_released"
	ErrCodeReservationNotFound = "reservation_not_found"
	ErrCodeDuplicateRequest    = "duplicate_request"
	ErrCodeAmountExceedsToken  = "amount_exceeds_token_max"
)

// Platform errors.
const (
	ErrCodePlatformNotFound   = "platform_not_found"
	ErrCodePlatformInactive   = "platform_inactive"
	ErrCodeInvalidPlatformKey = "invalid_platform_key"
)

// Passthrough errors.
const (
	ErrCodeInvalidPaymentChallenge = "invalid_payment_challenge"
	ErrCodeMerchantUnreachable     = "merchant_unreachable"
	ErrCodeProxyPaymentFailed      = "proxy_payment_failed"
	ErrCodeUnsupportedNetwork      = "unsupported_network"
	ErrCodeProxyDisabled           = "proxy_disabled"
	ErrCodeDomainBlocked           = "domain_blocked"
)

// Spending-control errors.
const (
	ErrCodeSpendingLimitExceeded     = "spending_limit_exceeded"
	ErrCodeOverrideInvalid           = "override_invalid"
	ErrCodeOverrideExpired           = "override_expired"
	ErrCodeOverrideSignatureMismatch = "override_signature_mismatch"
)

// General errors.
const (
	ErrCodeValidation  = "validation_error"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeInternal    = "internal_error"
)

// NewProtocolError creates a ProtocolError.
func NewProtocolError(status int, code, message string, details map[string]interface{}) *ProtocolError {
	return &ProtocolError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode extracts the protocol code from an error chain, or "" if the
// error is not a ProtocolError.
func ErrorCode(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given protocol error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// Transport detail values stored under Details["transport"] for locally
// synthesized failures.
const (
	transportTimeout     = "timeout"
	transportUnreachable = "unreachable"
)

// newTimeoutError marks a client-side timeout, distinct from any
// backend-reported failure.
func newTimeoutError(op string, err error) *ProtocolError {
	return &ProtocolError{
		Status:  http.StatusGatewayTimeout,
		Code:    ErrCodeInternal,
		Message: fmt.Sprintf("%s timed out: %v", op, err),
		Details: map[string]interface{}{"transport": transportTimeout},
	}
}

// newUnreachableError marks an unreachable-host condition.
func newUnreachableError(op string, err error) *ProtocolError {
	return &ProtocolError{
		Status:  http.StatusBadGateway,
		Code:    ErrCodeInternal,
		Message: fmt.Sprintf("%s: backend unreachable: %v", op, err),
		Details: map[string]interface{}{"transport": transportUnreachable},
	}
}

// IsTimeout reports whether err is a locally synthesized timeout.
func IsTimeout(err error) bool {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == ErrCodeInternal && pe.Details["transport"] == transportTimeout
}

// IsUnreachable reports whether err is a locally synthesized connectivity
// failure.
func IsUnreachable(err error) bool {
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Code == ErrCodeInternal && pe.Details["transport"] == transportUnreachable
}
