package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smallbiznis/valora-session/internal/audit"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/http/middleware"
	"github.com/smallbiznis/valora-session/internal/ratelimit"
	"github.com/smallbiznis/valora-session/internal/testkit"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newLimitedRouter(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	st := testkit.New(t, testkit.Options{LoginLimit: 1}, domain.User{ID: 1, Email: "user@example.com"})
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	limits := &middleware.RateLimits{
		Limiter:  st.Limiter,
		Policies: st.Policies,
		Audit:    audit.NewLogSink(logger),
		Logger:   logger,
	}
	r := gin.New()
	r.POST("/login", limits.Login(), func(c *gin.Context) { c.Status(http.StatusUnauthorized) })
	r.POST("/reset", limits.Action(st.Policies.PasswordReset), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return r, logs
}

func post(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"email":"User@Example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginRejectionIsLoggedAndAudited(t *testing.T) {
	r, logs := newLimitedRouter(t)

	require.Equal(t, http.StatusUnauthorized, post(r, "/login").Code)
	require.Zero(t, logs.FilterMessage("rate limit exceeded").Len())

	require.Equal(t, http.StatusTooManyRequests, post(r, "/login").Code)

	warned := logs.FilterMessage("rate limit exceeded").All()
	require.Len(t, warned, 1)
	require.Equal(t, zapcore.WarnLevel, warned[0].Level)
	fields := warned[0].ContextMap()
	require.Equal(t, ratelimit.Key(ratelimit.ScopeLoginEmail, "user@example.com"), fields["key"])
	require.Equal(t, "192.0.2.1", fields["ip"])

	audited := logs.FilterMessage("audit").FilterField(zap.String("event", audit.RateLimitExceeded)).All()
	require.Len(t, audited, 1)
	require.Equal(t, ratelimit.ScopeLoginEmail, audited[0].ContextMap()["scope"])
	require.Equal(t, "192.0.2.1", audited[0].ContextMap()["ip"])
}

func TestActionRejectionIsAudited(t *testing.T) {
	r, logs := newLimitedRouter(t)

	for i := 0; i < 3; i++ {
		w := post(r, "/reset")
		require.Equal(t, http.StatusAccepted, w.Code)
		require.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}
	w := post(r, "/reset")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))

	audited := logs.FilterMessage("audit").FilterField(zap.String("event", audit.RateLimitExceeded)).All()
	require.Len(t, audited, 1)
	require.Equal(t, ratelimit.ScopePasswordReset, audited[0].ContextMap()["scope"])
}
