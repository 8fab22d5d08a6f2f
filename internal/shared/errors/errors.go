package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")

	// Authentication pipeline errors.
	ErrCredentialsUnavailable = errors.New("upstream credentials unavailable")
	ErrOTPTimeout             = errors.New("one-time passcode not received")
	ErrBrowserLoginFailed     = errors.New("browser login failed")
	ErrUpstreamUnreachable    = errors.New("upstream unreachable")
	ErrUpstreamAuthRejected   = errors.New("upstream rejected authentication")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// CredentialsUnavailable signals that no usable username/password could be
// resolved for an authentication attempt.
func CredentialsUnavailable(detail string) *AppError {
	return &AppError{
		Err:        ErrCredentialsUnavailable,
		Message:    "upstream credentials unavailable",
		Code:       "CREDENTIALS_UNAVAILABLE",
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]string{"detail": detail},
	}
}

// OTPTimeout signals the passcode did not arrive within the retry budget.
func OTPTimeout(attempts int) *AppError {
	return &AppError{
		Err:        ErrOTPTimeout,
		Message:    "one-time passcode not received",
		Code:       "OTP_TIMEOUT",
		HTTPStatus: http.StatusUnauthorized,
		Details:    map[string]string{"attempts": fmt.Sprintf("%d", attempts)},
	}
}

// BrowserLoginFailed wraps a failure of the interactive login flow.
func BrowserLoginFailed(err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %w", ErrBrowserLoginFailed, err),
		Message:    "browser login failed",
		Code:       "BROWSER_LOGIN_FAILED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// UpstreamUnreachable wraps a network-level failure talking to the upstream.
func UpstreamUnreachable(err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err),
		Message:    "failed to communicate with the upstream",
		Code:       "UPSTREAM_UNREACHABLE",
		HTTPStatus: http.StatusBadGateway,
	}
}

// UpstreamAuthRejected signals that both the original request and the
// post-refresh retry failed authentication.
func UpstreamAuthRejected(message string) *AppError {
	return &AppError{
		Err:        ErrUpstreamAuthRejected,
		Message:    message,
		Code:       "UPSTREAM_AUTH_REJECTED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	if appErr, ok := err.(*AppError); ok {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}
