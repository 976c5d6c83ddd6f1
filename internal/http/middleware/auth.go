package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/jwt"
	"github.com/smallbiznis/valora-session/internal/security"
	"github.com/smallbiznis/valora-session/internal/service"
)

const claimsKey = "accessClaims"

// Auth validates the bearer token and attaches its claims.
type Auth struct {
	AuthService *service.AuthService
}

// RequireAccessToken rejects requests without a live access token.
func (m *Auth) RequireAccessToken(c *gin.Context) {
	token, ok := BearerToken(c)
	if !ok {
		RespondError(c, domain.ErrTokenMalformed)
		return
	}
	claims, err := m.AuthService.ValidateToken(c.Request.Context(), token)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.Set(claimsKey, claims)
	c.Next()
}

// GetClaims returns the claims attached by RequireAccessToken.
func GetClaims(c *gin.Context) (*jwt.Claims, bool) {
	value, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*jwt.Claims)
	return claims, ok
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// ClientInfo collects the request metadata stored with a session.
func ClientInfo(c *gin.Context) domain.ClientInfo {
	ua := c.Request.UserAgent()
	return domain.ClientInfo{
		DeviceClass: security.DeviceClass(ua),
		IPAddress:   c.ClientIP(),
		UserAgent:   ua,
	}
}

// RespondError aborts with the client representation of err.
func RespondError(c *gin.Context, err error) {
	ae := service.AsAuthError(err)
	for k, v := range ae.Headers {
		c.Header(k, v)
	}
	c.AbortWithStatusJSON(ae.Status, gin.H{"error": ae.Code, "message": ae.Message})
}
