package domain

import (
	"errors"
	"fmt"
	"time"
)

// Authentication failure kinds. They are distinguished internally for logs and
// metrics and collapse to one generic failure at the API boundary.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUserInactive        = errors.New("user inactive")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenMalformed      = errors.New("token malformed")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenReuseDetected  = errors.New("refresh token reuse detected")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	ErrSessionLimitReached = errors.New("session limit reached")
	ErrRateLimited         = errors.New("rate limited")
	ErrNotFound            = errors.New("not found")
)

// RateLimitError carries the budget state of a rejected request.
type RateLimitError struct {
	Scope      string
	Remaining  int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s: retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// IsAuthFailure reports whether err is one of the authentication failure kinds.
func IsAuthFailure(err error) bool {
	for _, target := range []error{
		ErrInvalidCredentials,
		ErrUserInactive,
		ErrTokenExpired,
		ErrTokenMalformed,
		ErrTokenRevoked,
		ErrTokenReuseDetected,
		ErrInvalidRefreshToken,
		ErrRefreshTokenRevoked,
		ErrRefreshTokenExpired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// FailureKind names the failure for logs and metric labels.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrUserInactive):
		return "user_inactive"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenMalformed):
		return "token_malformed"
	case errors.Is(err, ErrTokenRevoked):
		return "token_revoked"
	case errors.Is(err, ErrTokenReuseDetected):
		return "token_reuse_detected"
	case errors.Is(err, ErrInvalidRefreshToken):
		return "invalid_refresh_token"
	case errors.Is(err, ErrRefreshTokenRevoked):
		return "refresh_token_revoked"
	case errors.Is(err, ErrRefreshTokenExpired):
		return "refresh_token_expired"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
