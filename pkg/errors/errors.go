// Package errors defines the caller-facing error shape: a stable code, a message safe to
// show end users, optional details and the internal cause kept for logs.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes are part of the public contract.
type Code string

const (
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeAccountLocked      Code = "ACCOUNT_LOCKED"
	CodeAccountInactive    Code = "ACCOUNT_INACTIVE"
	CodeEmailNotVerified   Code = "EMAIL_NOT_VERIFIED"
	CodeMFARequired        Code = "MFA_REQUIRED"
	CodeMFAInvalid         Code = "MFA_INVALID"
	CodeDuplicateAccount   Code = "DUPLICATE_ACCOUNT"
	CodeWeakPassword       Code = "WEAK_PASSWORD"
	CodePasswordReused     Code = "PASSWORD_REUSED"
	CodeTokenExpired       Code = "TOKEN_EXPIRED"
	CodeTokenInvalid       Code = "TOKEN_INVALID"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeRateLimited        Code = "RATE_LIMIT_EXCEEDED"
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeNotFound           Code = "NOT_FOUND"
	CodeUnavailable        Code = "SERVICE_UNAVAILABLE"
	CodeInternal           Code = "INTERNAL_SERVER_ERROR"
)

var defaultMessages = map[Code]string{
	CodeInvalidCredentials: "Invalid username or password",
	CodeAccountLocked:      "Account locked",
	CodeAccountInactive:    "Account is inactive",
	CodeEmailNotVerified:   "Email not verified",
	CodeMFARequired:        "Multi-factor authentication required",
	CodeMFAInvalid:         "Invalid multi-factor authentication code",
	CodeDuplicateAccount:   "Username or email already exists",
	CodeWeakPassword:       "Password does not meet the security policy",
	CodePasswordReused:     "Password was used recently",
	CodeTokenExpired:       "Token expired",
	CodeTokenInvalid:       "Invalid token",
	CodeSessionNotFound:    "Session not found",
	CodeRateLimited:        "Too many attempts, please slow down",
	CodeBadRequest:         "Invalid request",
	CodeNotFound:           "Not found",
	CodeUnavailable:        "Service temporarily unavailable",
	CodeInternal:           "Internal server error",
}

// DefaultMessage returns the stock message for code.
func DefaultMessage(code Code) string {
	if msg, ok := defaultMessages[code]; ok {
		return msg
	}
	return defaultMessages[CodeInternal]
}

// AppError is the rendering of a failure handed to callers.
type AppError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

// New returns an AppError for code with its stock message. cause may be nil.
func New(code Code, cause error) *AppError {
	return &AppError{Code: code, Message: DefaultMessage(code), cause: cause}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the internal cause.
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is matches another AppError with the same code.
func (e *AppError) Is(target error) bool {
	var other *AppError
	return errors.As(target, &other) && other.Code == e.Code
}

// WithMessage replaces the user-facing message.
func (e *AppError) WithMessage(msg string) *AppError {
	e.Message = msg
	return e
}

// WithDetail attaches a structured detail.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// Envelope is the JSON body used for error responses.
func (e *AppError) Envelope() map[string]any {
	return map[string]any{"success": false, "error": e}
}

// From returns the AppError inside err, or an internal error wrapping it.
func From(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return New(CodeInternal, err)
}
