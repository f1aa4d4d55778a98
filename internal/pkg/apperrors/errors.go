package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	// Pipeline taxonomy. All of these terminate a decision; only ErrExecution is retried,
	// and only inside the execution engine.
	ErrValidation      ErrorType = "VALIDATION_ERROR"
	ErrSizing          ErrorType = "SIZING_ERROR"
	ErrRiskReject      ErrorType = "RISK_REJECT"
	ErrApprovalTimeout ErrorType = "APPROVAL_TIMEOUT"
	ErrApprovalDenied  ErrorType = "APPROVAL_DENIED"
	ErrExecution       ErrorType = "EXECUTION_FAILURE"
	ErrReconciliation  ErrorType = "RECONCILIATION_CONFLICT"

	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrConflict       ErrorType = "CONFLICT"
	ErrReadOnly       ErrorType = "READ_ONLY"
	ErrRateLimited    ErrorType = "RATE_LIMITED"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion,omitempty"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
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

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func Newf(errType ErrorType, format string, args ...any) *AppError {
	return New(errType, fmt.Sprintf(format, args...), nil)
}

func NewValidation(msg string) *AppError {
	return New(ErrValidation, msg, nil)
}

func NewSizing(msg string) *AppError {
	return New(ErrSizing, msg, nil)
}

func NewRiskReject(msg string) *AppError {
	return New(ErrRiskReject, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// TypeOf returns the taxonomy type of err, or ErrInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrInternal
}

// Is reports whether err carries the given taxonomy type anywhere in its chain.
func Is(err error, t ErrorType) bool {
	if err == nil {
		return false
	}
	return TypeOf(err) == t
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrRiskReject, ErrInvalidRequest, ErrValidation, ErrSizing:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrReadOnly:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrConflict, ErrReconciliation:
		return http.StatusConflict
	case ErrNotFound:
		return http.StatusNotFound
	case ErrExecution:
		return http.StatusBadGateway
	case ErrApprovalTimeout, ErrApprovalDenied:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrRiskReject:
		return "Check order parameters against risk limits."
	case ErrValidation:
		return "Check signal confidence, market id and resolution horizon."
	case ErrAuthFailed:
		return "Check the admin key header."
	case ErrConflict:
		return "The intent already left the state required for this action."
	case ErrExecution:
		return "Exchange submission failed; the intent has been expired."
	default:
		return ""
	}
}
