// Package ratelimit throttles authentication attempts with fixed-window
// counters kept in the fast store.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/repository"
)

// Scopes with independent counters.
const (
	ScopeLoginIP            = "login_ip"
	ScopeLoginEmail         = "login_email"
	ScopeResendVerification = "resend_verification"
	ScopePasswordReset      = "password_reset"
)

// Policy is the budget of one scope.
type Policy struct {
	Scope  string
	Limit  int
	Window time.Duration
}

// Policies holds the configured budgets.
type Policies struct {
	LoginIP            Policy
	LoginEmail         Policy
	ResendVerification Policy
	PasswordReset      Policy
}

// NewPolicies builds the policies from configuration.
func NewPolicies(cfg config.Config) Policies {
	return Policies{
		LoginIP:            Policy{Scope: ScopeLoginIP, Limit: cfg.LoginIPLimit.Limit, Window: cfg.LoginIPLimit.Window},
		LoginEmail:         Policy{Scope: ScopeLoginEmail, Limit: cfg.LoginEmailLimit.Limit, Window: cfg.LoginEmailLimit.Window},
		ResendVerification: Policy{Scope: ScopeResendVerification, Limit: cfg.ResendVerificationLimit.Limit, Window: cfg.ResendVerificationLimit.Window},
		PasswordReset:      Policy{Scope: ScopePasswordReset, Limit: cfg.PasswordResetLimit.Limit, Window: cfg.PasswordResetLimit.Window},
	}
}

// Decision is the outcome of a check.
type Decision struct {
	Limited    bool
	Count      int64
	Remaining  int
	RetryAfter time.Duration
}

// Err returns a *domain.RateLimitError when the decision is limited.
func (d Decision) Err(scope string) error {
	if !d.Limited {
		return nil
	}
	return &domain.RateLimitError{Scope: scope, Remaining: d.Remaining, RetryAfter: d.RetryAfter}
}

// Limiter applies policies over a RateCounter. Counter errors never block a
// request: every operation fails open and logs.
type Limiter struct {
	counter repository.RateCounter
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewLimiter constructs a Limiter.
func NewLimiter(counter repository.RateCounter, m *metrics.Metrics, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.L()
	}
	return &Limiter{counter: counter, metrics: m, logger: logger}
}

// Key builds the fast-store key for a scope and subject.
func Key(scope, subject string) string {
	return "rate_limit:" + scope + ":" + strings.ToLower(strings.TrimSpace(subject))
}

// Allow increments the counter and reports whether the caller is now over budget.
func (l *Limiter) Allow(ctx context.Context, p Policy, subject string) Decision {
	if !enabled(p, subject) {
		return Decision{Remaining: p.Limit}
	}
	count, ttl, err := l.counter.Increment(ctx, Key(p.Scope, subject), p.Window)
	if err != nil {
		l.failOpen(p, "increment", err)
		return Decision{Remaining: p.Limit}
	}
	d := decide(p, count, ttl, count > int64(p.Limit))
	l.record(p, d)
	return d
}

// Peek reports whether the subject has already spent its budget without
// consuming any of it.
func (l *Limiter) Peek(ctx context.Context, p Policy, subject string) Decision {
	if !enabled(p, subject) {
		return Decision{Remaining: p.Limit}
	}
	count, ttl, err := l.counter.Count(ctx, Key(p.Scope, subject))
	if err != nil {
		l.failOpen(p, "peek", err)
		return Decision{Remaining: p.Limit}
	}
	d := decide(p, count, ttl, count >= int64(p.Limit))
	l.record(p, d)
	return d
}

// RecordFailure spends one unit of budget after a failed attempt.
func (l *Limiter) RecordFailure(ctx context.Context, p Policy, subject string) {
	if !enabled(p, subject) {
		return
	}
	if _, _, err := l.counter.Increment(ctx, Key(p.Scope, subject), p.Window); err != nil {
		l.failOpen(p, "record failure", err)
	}
}

// Reset clears the subject's counter after a successful attempt.
func (l *Limiter) Reset(ctx context.Context, p Policy, subject string) {
	if !enabled(p, subject) {
		return
	}
	if err := l.counter.Reset(ctx, Key(p.Scope, subject)); err != nil {
		l.failOpen(p, "reset", err)
	}
}

func enabled(p Policy, subject string) bool {
	return p.Limit > 0 && p.Window > 0 && strings.TrimSpace(subject) != ""
}

func decide(p Policy, count int64, ttl time.Duration, limited bool) Decision {
	remaining := p.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Limited: limited, Count: count, Remaining: remaining}
	if limited {
		d.RetryAfter = ttl
		if d.RetryAfter <= 0 {
			d.RetryAfter = p.Window
		}
	}
	return d
}

func (l *Limiter) record(p Policy, d Decision) {
	result := "allowed"
	if d.Limited {
		result = "limited"
	}
	l.metrics.RateLimit(p.Scope, result)
}

func (l *Limiter) failOpen(p Policy, op string, err error) {
	l.metrics.RateLimit(p.Scope, "error")
	l.logger.Warn("rate limiter unavailable, allowing request",
		zap.String("scope", p.Scope),
		zap.String("op", op),
		zap.Error(err),
	)
}
