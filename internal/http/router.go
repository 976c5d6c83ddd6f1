package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/audit"
	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-session/internal/http/middleware"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/middleware"
	"github.com/smallbiznis/valora-session/internal/ratelimit"
)

// PermissionSessionRevoke allows revoking other users' sessions.
const PermissionSessionRevoke = "SESSION_REVOKE"

// RouterParams groups the router's collaborators.
type RouterParams struct {
	Config      config.Config
	Logger      *zap.Logger
	Handler     *handler.AuthHandler
	Health      *handler.Health
	Auth        *httpmiddleware.Auth
	Permissions *httpmiddleware.Permissions
	Limiter     *ratelimit.Limiter
	Policies    ratelimit.Policies
	Audit       audit.Sink
	Throttle    *middleware.Throttle
	Metrics     *metrics.Metrics
}

// NewRouter wires Gin routes and middleware.
func NewRouter(p RouterParams) *gin.Engine {
	r := gin.New()
	// Forwarded headers only count when the direct peer is a listed proxy.
	if err := r.SetTrustedProxies(p.Config.TrustedProxies); err != nil {
		p.Logger.Error("invalid trusted proxies, ignoring forwarded headers", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(p.Logger))
	r.Use(p.Throttle.Handler())
	r.Use(middleware.CORS(p.Config))
	r.Use(otelgin.Middleware(p.Config.ServiceName))

	limits := &httpmiddleware.RateLimits{
		Limiter:  p.Limiter,
		Policies: p.Policies,
		Audit:    p.Audit,
		Logger:   p.Logger,
	}
	h := p.Handler

	auth := r.Group("/auth")
	{
		auth.POST("/login", limits.Login(), h.Login)
		auth.POST("/refresh-token", h.RefreshToken)
		auth.POST("/logout", h.Logout)
		auth.POST("/logout-all-devices", p.Auth.RequireAccessToken, h.LogoutAllDevices)
		auth.POST("/introspect", h.Introspect)
		auth.POST("/resend-verification", limits.Action(p.Policies.ResendVerification), h.ActionAccepted)
		auth.POST("/password-reset", limits.Action(p.Policies.PasswordReset), h.ActionAccepted)
		auth.GET("/sessions", p.Auth.RequireAccessToken, h.Sessions)
		auth.GET("/me", p.Auth.RequireAccessToken, h.Me)
	}

	admin := r.Group("/admin", p.Auth.RequireAccessToken, p.Permissions.Require(PermissionSessionRevoke))
	{
		admin.POST("/users/:id/logout-all", h.AdminLogoutAll)
	}

	if p.Health != nil {
		r.GET("/healthz", p.Health.Handle)
	}
	if p.Metrics != nil {
		r.GET("/metrics", gin.WrapH(p.Metrics.Handler()))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Route not found."})
	})

	return r
}
