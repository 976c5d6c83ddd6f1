package service

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/smallbiznis/valora-session/internal/domain"
)

// AuthError is the client-facing shape of a failure.
type AuthError struct {
	Code    string
	Message string
	Status  int
	// Headers are set on the response, e.g. Retry-After.
	Headers map[string]string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newAuthError(code, msg string, status int) *AuthError {
	return &AuthError{Code: code, Message: msg, Status: status}
}

var (
	errAuthenticationFailed = newAuthError("authentication_failed", "Authentication failed.", http.StatusUnauthorized)
	errForbidden            = newAuthError("forbidden", "Insufficient permissions.", http.StatusForbidden)
	errInternal             = newAuthError("server_error", "Internal server error.", http.StatusInternalServerError)
)

// ErrForbidden is rendered when a permission check fails.
var ErrForbidden = errForbidden

// AsAuthError maps err to its client representation. Every authentication
// failure collapses to the same 401 body.
func AsAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		retry := int(rl.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		return &AuthError{
			Code:    "rate_limited",
			Message: "Too many attempts. Try again later.",
			Status:  http.StatusTooManyRequests,
			Headers: map[string]string{
				"Retry-After":           strconv.Itoa(retry),
				"X-RateLimit-Remaining": strconv.Itoa(rl.Remaining),
			},
		}
	}
	if domain.IsAuthFailure(err) {
		return errAuthenticationFailed
	}
	return errInternal
}

// BadRequest builds a 400 error.
func BadRequest(msg string) *AuthError {
	return newAuthError("invalid_request", msg, http.StatusBadRequest)
}
