package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/http/middleware"
	"github.com/smallbiznis/valora-session/internal/service"
)

// AuthHandler serves the session endpoints.
type AuthHandler struct {
	Auth   *service.AuthService
	Logger *zap.Logger
}

// NewAuthHandler creates the handler set.
func NewAuthHandler(auth *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{Auth: auth, Logger: logger}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

type introspectRequest struct {
	Token string `json:"token" binding:"required"`
}

// Login exchanges credentials for a token pair.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		respondError(c, service.BadRequest("Email and password are required."))
		return
	}
	resp, err := h.Auth.Login(c.Request.Context(), service.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
		Client:   middleware.ClientInfo(c),
	})
	if err != nil {
		h.respondServiceError(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RefreshToken rotates a refresh token.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.BadRequest("refreshToken is required."))
		return
	}
	resp, err := h.Auth.Refresh(c.Request.Context(), req.RefreshToken, middleware.ClientInfo(c))
	if err != nil {
		h.respondServiceError(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Logout always succeeds.
func (h *AuthHandler) Logout(c *gin.Context) {
	if token, ok := middleware.BearerToken(c); ok {
		h.Auth.Logout(c.Request.Context(), token, middleware.ClientInfo(c))
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully."})
}

// LogoutAllDevices revokes every session of the caller.
func (h *AuthHandler) LogoutAllDevices(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		respondError(c, domain.ErrTokenMalformed)
		return
	}
	revoked, err := h.Auth.LogoutAll(c.Request.Context(), claims.UserID, middleware.ClientInfo(c))
	if err != nil {
		h.respondServiceError(c, "logout all", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out from all devices.", "revokedSessions": revoked})
}

// AdminLogoutAll revokes every session of the user in the path.
func (h *AuthHandler) AdminLogoutAll(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		respondError(c, domain.ErrTokenMalformed)
		return
	}
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, service.BadRequest("Invalid user id."))
		return
	}
	revoked, err := h.Auth.AdminLogoutAll(c.Request.Context(), claims.UserID, userID, middleware.ClientInfo(c))
	if err != nil {
		if domainNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "User not found."})
			return
		}
		h.respondServiceError(c, "admin logout all", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User sessions revoked.", "revokedSessions": revoked})
}

// Sessions lists the caller's active sessions.
func (h *AuthHandler) Sessions(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		respondError(c, domain.ErrTokenMalformed)
		return
	}
	sessions, err := h.Auth.Sessions(c.Request.Context(), claims.UserID)
	if err != nil {
		h.respondServiceError(c, "sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// Me returns the caller's profile.
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		respondError(c, domain.ErrTokenMalformed)
		return
	}
	me, err := h.Auth.Me(c.Request.Context(), claims.UserID)
	if err != nil {
		h.respondServiceError(c, "me", err)
		return
	}
	c.JSON(http.StatusOK, me)
}

// Introspect reports whether a token is active.
func (h *AuthHandler) Introspect(c *gin.Context) {
	var req introspectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, service.BadRequest("token is required."))
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": h.Auth.Introspect(c.Request.Context(), req.Token)})
}

// ActionAccepted acknowledges a rate-limited action whose delivery happens
// elsewhere. The response does not reveal whether the account exists.
func (h *AuthHandler) ActionAccepted(c *gin.Context) {
	var body middleware.EmailBody
	if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil || service.NormalizeEmail(body.Email) == "" {
		respondError(c, service.BadRequest("email is required."))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "If the account exists, instructions have been sent."})
}

// Health reports dependency reachability.
type Health struct {
	Checks map[string]func(context.Context) error
}

func (h *Health) Handle(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	result := make(map[string]string, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": result})
}

func (h *AuthHandler) respondServiceError(c *gin.Context, op string, err error) {
	ae := service.AsAuthError(err)
	if ae.Status >= http.StatusInternalServerError {
		h.log().Error(op+" failed", zap.Error(err))
	} else {
		h.log().Info(op+" rejected", zap.String("reason", domain.FailureKind(err)))
	}
	respondError(c, err)
}

func respondError(c *gin.Context, err error) {
	middleware.RespondError(c, err)
}

func domainNotFound(err error) bool {
	return err != nil && errors.Is(err, domain.ErrNotFound)
}

func (h *AuthHandler) log() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}
