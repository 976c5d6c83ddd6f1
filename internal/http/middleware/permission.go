package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/service"
)

// Permissions checks named permissions against the durable store on every
// request, so revoked grants take effect before the token expires.
type Permissions struct {
	Roles  repository.RoleRepository
	Logger *zap.Logger
}

// Require runs after RequireAccessToken.
func (p *Permissions) Require(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			RespondError(c, domain.ErrTokenMalformed)
			return
		}
		allowed, err := p.Roles.HasPermission(c.Request.Context(), claims.UserID, permission)
		if err != nil {
			p.log().Error("permission lookup failed",
				zap.Int64("user_id", claims.UserID),
				zap.String("permission", permission),
				zap.Error(err),
			)
			RespondError(c, err)
			return
		}
		if !allowed {
			RespondError(c, service.ErrForbidden)
			return
		}
		c.Next()
	}
}

func (p *Permissions) log() *zap.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return zap.L()
}
