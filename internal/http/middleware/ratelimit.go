package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/audit"
	"github.com/smallbiznis/valora-session/internal/ratelimit"
	"github.com/smallbiznis/valora-session/internal/service"
)

// EmailBody is the part of a request body rate limits are keyed on.
type EmailBody struct {
	Email string `json:"email"`
}

// RateLimits applies the counter policies to routes. Rejections are logged
// and audited.
type RateLimits struct {
	Limiter  *ratelimit.Limiter
	Policies ratelimit.Policies
	Audit    audit.Sink
	Logger   *zap.Logger
}

// Login spends login budget only on failed attempts. It peeks the IP and
// email counters before the handler, then resets them on 2xx or records a
// failure on any other 4xx.
func (r *RateLimits) Login() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ip := c.ClientIP()
		email := bodyEmail(c)

		if d := r.Limiter.Peek(ctx, r.Policies.LoginIP, ip); d.Limited {
			r.reject(c, r.Policies.LoginIP, ip, d)
			return
		}
		if d := r.Limiter.Peek(ctx, r.Policies.LoginEmail, email); d.Limited {
			r.reject(c, r.Policies.LoginEmail, email, d)
			return
		}

		c.Next()

		status := c.Writer.Status()
		switch {
		case status >= 200 && status < 300:
			r.Limiter.Reset(ctx, r.Policies.LoginIP, ip)
			r.Limiter.Reset(ctx, r.Policies.LoginEmail, email)
		case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
			r.Limiter.RecordFailure(ctx, r.Policies.LoginIP, ip)
			r.Limiter.RecordFailure(ctx, r.Policies.LoginEmail, email)
		}
	}
}

// Action counts every call of a named action per email.
func (r *RateLimits) Action(policy ratelimit.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		email := bodyEmail(c)
		d := r.Limiter.Allow(c.Request.Context(), policy, email)
		if d.Limited {
			r.reject(c, policy, email, d)
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Next()
	}
}

func (r *RateLimits) reject(c *gin.Context, p ratelimit.Policy, subject string, d ratelimit.Decision) {
	ip := c.ClientIP()
	if r.Logger != nil {
		r.Logger.Warn("rate limit exceeded",
			zap.String("key", ratelimit.Key(p.Scope, subject)),
			zap.String("ip", ip),
			zap.Duration("retry_after", d.RetryAfter),
		)
	}
	if r.Audit != nil {
		r.Audit.Record(c.Request.Context(), audit.Event{
			Name:      audit.RateLimitExceeded,
			IPAddress: ip,
			Attrs:     map[string]any{"scope": p.Scope, "path": c.FullPath()},
		})
	}
	RespondError(c, d.Err(p.Scope))
}

func bodyEmail(c *gin.Context) string {
	var body EmailBody
	_ = c.ShouldBindBodyWith(&body, binding.JSON)
	return service.NormalizeEmail(body.Email)
}
