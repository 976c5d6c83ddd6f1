package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/security"
)

// AdminRole carries SESSION_REVOKE in the seeded catalogue.
const AdminRole = "ADMIN"

// EnsureAdmin seeds the configured admin account on start. It is a no-op when
// ADMIN_EMAIL is unset.
func EnsureAdmin(lc fx.Lifecycle, cfg config.Config, users repository.UserRepository, roles repository.RoleRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureAdmin(ctx, cfg, users, roles, node, logger)
		},
	})
}

func ensureAdmin(ctx context.Context, cfg config.Config, users repository.UserRepository, roles repository.RoleRepository, node *snowflake.Node, logger *zap.Logger) error {
	if cfg.AdminEmail == "" {
		return nil
	}
	if logger == nil {
		logger = zap.L()
	}

	user, err := users.GetByEmail(ctx, cfg.AdminEmail)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		hashed, herr := security.HashPassword(cfg.AdminPassword)
		if herr != nil {
			return fmt.Errorf("bootstrap hash password: %w", herr)
		}
		user, err = users.Create(ctx, domain.User{
			ID:            node.Generate().Int64(),
			Email:         cfg.AdminEmail,
			EmailVerified: true,
			PasswordHash:  hashed,
			Name:          "Admin",
			Status:        domain.UserStatusActive,
		})
		if err != nil {
			return fmt.Errorf("bootstrap create user: %w", err)
		}
		logger.Info("bootstrap admin user created", zap.String("email", user.Email), zap.Int64("user_id", user.ID))
	default:
		return fmt.Errorf("bootstrap lookup user: %w", err)
	}

	if err := roles.AssignRole(ctx, user.ID, AdminRole); err != nil {
		return fmt.Errorf("bootstrap assign role: %w", err)
	}
	return nil
}
