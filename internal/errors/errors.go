// Package errors defines the structured error type shared by every service.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	CodeValidation    ErrorCode = "VALIDATION_ERROR"
	CodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	CodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken  ErrorCode = "INVALID_TOKEN"
	CodeForbidden     ErrorCode = "FORBIDDEN"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeRateLimited   ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal      ErrorCode = "INTERNAL_ERROR"
	CodeUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
	CodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// Session authorization.
	CodeMissingCredential  ErrorCode = "MISSING_CREDENTIAL"
	CodeCredentialExpired  ErrorCode = "CREDENTIAL_EXPIRED"
	CodeCredentialMismatch ErrorCode = "CREDENTIAL_MISMATCH"
	CodeNoActiveCredential ErrorCode = "NO_ACTIVE_CREDENTIAL"
	CodeBudgetExceeded     ErrorCode = "BUDGET_EXCEEDED"
	CodeInsufficientFunds  ErrorCode = "INSUFFICIENT_BALANCE"
	CodeTreasuryNotFound   ErrorCode = "TREASURY_NOT_FOUND"
	CodeSpendUnsettled     ErrorCode = "SPEND_UNSETTLED"

	// Chain dispatch.
	CodeSignerDerivation       ErrorCode = "SIGNER_DERIVATION_ERROR"
	CodeAllowanceApproval      ErrorCode = "ALLOWANCE_APPROVAL_FAILED"
	CodeTransferFailed         ErrorCode = "TRANSFER_FAILED"
	CodeEscrowCreationFailed   ErrorCode = "ESCROW_CREATION_FAILED"
	CodeEscrowCompletionFailed ErrorCode = "ESCROW_COMPLETION_FAILED"
	CodeChainUnavailable       ErrorCode = "CHAIN_UNAVAILABLE"
	CodeConfirmationTimeout    ErrorCode = "CONFIRMATION_TIMEOUT"
)

// ServiceError carries a code, a client-safe message and an HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Is matches another ServiceError by code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails returns a copy of e with key set in Details.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	cp := *e
	cp.Details = details
	return &cp
}

// New creates a ServiceError.
func New(code ErrorCode, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap creates a ServiceError with a cause.
func Wrap(code ErrorCode, message string, status int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// GetServiceError returns the first ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var se *ServiceError
		if !stderrors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Err
	}
	return false
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// =============================================================================
// Constructors
// =============================================================================

func Validation(message string) *ServiceError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

func InvalidFormat(field, expected string) *ServiceError {
	return New(CodeInvalidFormat, fmt.Sprintf("invalid %s format", field), http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("expected", expected)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidToken(err error) *ServiceError {
	return Wrap(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized, err)
}

func Forbidden(message string) *ServiceError {
	return New(CodeForbidden, message, http.StatusForbidden)
}

func NotFound(resource string) *ServiceError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, "Rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

func Unavailable(message string, err error) *ServiceError {
	return Wrap(CodeUnavailable, message, http.StatusServiceUnavailable, err)
}

func Configuration(message string) *ServiceError {
	return New(CodeConfiguration, message, http.StatusInternalServerError)
}

// Session authorization failures.

func MissingCredential() *ServiceError {
	return New(CodeMissingCredential, "No session key configured or provided", http.StatusUnauthorized)
}

func CredentialExpired() *ServiceError {
	return New(CodeCredentialExpired, "Session key expired", http.StatusUnauthorized)
}

func CredentialMismatch() *ServiceError {
	return New(CodeCredentialMismatch, "Invalid session key", http.StatusUnauthorized)
}

func NoActiveCredential() *ServiceError {
	return New(CodeNoActiveCredential, "No active session key to refresh", http.StatusBadRequest)
}

func BudgetExceeded() *ServiceError {
	return New(CodeBudgetExceeded, "Daily budget exceeded", http.StatusForbidden)
}

func InsufficientBalance() *ServiceError {
	return New(CodeInsufficientFunds, "Insufficient treasury balance", http.StatusBadRequest)
}

func TreasuryNotFound(handle string) *ServiceError {
	return New(CodeTreasuryNotFound, "Agent treasury not found", http.StatusNotFound).WithDetails("handle", handle)
}

// SpendUnsettled reports a payment that reached the chain but whose treasury
// debit was rejected. Details carry the transaction hash.
func SpendUnsettled(err error) *ServiceError {
	return Wrap(CodeSpendUnsettled, "Payment confirmed on chain but the treasury was not debited", http.StatusInternalServerError, err)
}

// Chain dispatch failures.

func SignerDerivation(err error) *ServiceError {
	return Wrap(CodeSignerDerivation, "Failed to derive signer from key material", http.StatusInternalServerError, err)
}

func AllowanceApproval(err error) *ServiceError {
	return Wrap(CodeAllowanceApproval, "Token allowance approval failed", http.StatusBadGateway, err)
}

func TransferFailed(err error) *ServiceError {
	return Wrap(CodeTransferFailed, "Transfer failed", http.StatusBadGateway, err)
}

func EscrowCreationFailed(err error) *ServiceError {
	return Wrap(CodeEscrowCreationFailed, "Escrow creation failed", http.StatusBadGateway, err)
}

func EscrowCompletionFailed(err error) *ServiceError {
	return Wrap(CodeEscrowCompletionFailed, "Escrow completion failed", http.StatusBadGateway, err)
}

func ChainUnavailable(err error) *ServiceError {
	return Wrap(CodeChainUnavailable, "Chain RPC unavailable", http.StatusServiceUnavailable, err)
}
