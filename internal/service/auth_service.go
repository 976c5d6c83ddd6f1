package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/valora-session/internal/audit"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/jwt"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/rotation"
	"github.com/smallbiznis/valora-session/internal/security"
)

// revokeFanout bounds concurrent blacklist writes during logout-all.
const revokeFanout = 8

// AuthService composes the issuer, the rotation engine and the identity
// stores into the login, refresh and logout flows.
type AuthService struct {
	users    repository.UserRepository
	roles    repository.RoleRepository
	sessions repository.SessionStore
	issuer   *jwt.Issuer
	engine   *rotation.Engine
	audit    audit.Sink
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewAuthService wires dependencies.
func NewAuthService(
	users repository.UserRepository,
	roles repository.RoleRepository,
	sessions repository.SessionStore,
	issuer *jwt.Issuer,
	engine *rotation.Engine,
	sink audit.Sink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		users:    users,
		roles:    roles,
		sessions: sessions,
		issuer:   issuer,
		engine:   engine,
		audit:    sink,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/valora-session/internal/service"),
		now:      time.Now,
	}
}

// Login verifies credentials and opens a new session. Unknown email, wrong
// password and inactive accounts are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Login")
	defer span.End()

	email := NormalizeEmail(req.Email)
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
			return nil, fmt.Errorf("login load user: %w", err)
		}
		security.BurnPasswordCheck(req.Password)
		return nil, s.loginFailed(ctx, req, 0, "unknown_email")
	}

	ok, err := security.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		return nil, s.loginFailed(ctx, req, user.ID, "bad_password")
	}
	if !user.Active() {
		return nil, s.loginFailed(ctx, req, user.ID, "user_inactive")
	}

	resp, err := s.openSession(ctx, user, req.Client)
	if err != nil {
		span.RecordError(err)
		s.metrics.Login("error")
		return nil, err
	}

	if err := s.users.TouchLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		s.log().Warn("update last login failed", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	s.metrics.Login("success")
	s.record(ctx, audit.LoginSuccess, user.ID, req.Client, "device", req.Client.DeviceClass)
	return resp, nil
}

func (s *AuthService) loginFailed(ctx context.Context, req LoginRequest, userID int64, reason string) error {
	s.metrics.Login(reason)
	s.record(ctx, audit.LoginFailure, userID, req.Client, "reason", reason)
	return domain.ErrInvalidCredentials
}

// openSession mints an access token and its linked refresh row.
func (s *AuthService) openSession(ctx context.Context, user domain.User, client domain.ClientInfo) (*TokenResponse, error) {
	roles, err := s.roles.RoleNames(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}

	access, err := s.issuer.Issue(ctx, jwt.Identity{UserID: user.ID, Email: user.Email}, roles)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	raw, _, err := s.engine.Issue(ctx, user.ID, access.JTI, client)
	if err != nil {
		s.discardAccess(ctx, user.ID, access)
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  access.Token,
		RefreshToken: raw,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.issuer.AccessTTL().Seconds()),
		Roles:        roles,
	}, nil
}

// Refresh exchanges a refresh secret for a new token pair. The presented
// secret is consumed before anything else is checked, so a failure after
// consumption still burns it.
func (s *AuthService) Refresh(ctx context.Context, raw string, client domain.ClientInfo) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "AuthService.Refresh")
	defer span.End()

	old, err := s.engine.Rotate(ctx, strings.TrimSpace(raw))
	if err != nil {
		s.metrics.Refresh(domain.FailureKind(err))
		if errors.Is(err, domain.ErrTokenReuseDetected) {
			s.record(ctx, audit.ReuseDetected, old.UserID, client, "token_id", old.ID)
			if rerr := s.revokeAccessTokens(ctx, old.UserID); rerr != nil {
				s.log().Error("reuse containment: access revocation failed", zap.Int64("user_id", old.UserID), zap.Error(rerr))
			}
		} else if domain.IsAuthFailure(err) {
			s.record(ctx, audit.RefreshFailure, old.UserID, client, "reason", domain.FailureKind(err))
		} else {
			span.RecordError(err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int64("user.id", old.UserID))

	user, err := s.users.GetByID(ctx, old.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.metrics.Refresh("user_missing")
			return nil, domain.ErrInvalidRefreshToken
		}
		span.RecordError(err)
		return nil, fmt.Errorf("refresh load user: %w", err)
	}
	if !user.Active() {
		s.metrics.Refresh(domain.FailureKind(domain.ErrUserInactive))
		return nil, domain.ErrUserInactive
	}

	roles, err := s.roles.RoleNames(ctx, user.ID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load roles: %w", err)
	}
	access, err := s.issuer.Issue(ctx, jwt.Identity{UserID: user.ID, Email: user.Email}, roles)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	next, row, err := s.engine.Issue(ctx, user.ID, access.JTI, client)
	if err != nil {
		span.RecordError(err)
		s.discardAccess(ctx, user.ID, access)
		return nil, err
	}
	if err := s.engine.LinkReplacement(ctx, old.TokenHash, row.ID); err != nil {
		span.RecordError(err)
		s.discardAccess(ctx, user.ID, access)
		if derr := s.engine.Discard(ctx, row); derr != nil {
			s.log().Warn("discard refresh token failed", zap.Int64("token_id", row.ID), zap.Error(derr))
		}
		return nil, err
	}

	if err := s.users.TouchLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		s.log().Warn("update last login failed", zap.Int64("user_id", user.ID), zap.Error(err))
	}
	s.metrics.Refresh("success")
	s.record(ctx, audit.RefreshSuccess, user.ID, client, "token_id", row.ID)
	return &TokenResponse{
		AccessToken:  access.Token,
		RefreshToken: next,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.issuer.AccessTTL().Seconds()),
		Roles:        roles,
	}, nil
}

// Logout revokes the access token and its linked refresh row. It never fails
// from the caller's point of view; problems are logged.
func (s *AuthService) Logout(ctx context.Context, accessToken string, client domain.ClientInfo) {
	ctx, span := s.startSpan(ctx, "AuthService.Logout")
	defer span.End()

	claims, err := s.issuer.RevokeByToken(ctx, accessToken)
	if claims == nil {
		s.log().Info("logout with unusable token", zap.Error(err))
		return
	}
	if err != nil {
		span.RecordError(err)
		s.log().Warn("logout: access revocation incomplete", zap.String("jti", claims.JTI), zap.Error(err))
	}
	if _, err := s.engine.RevokeByAccessJTI(ctx, claims.JTI); err != nil {
		span.RecordError(err)
		s.log().Warn("logout: refresh revocation failed", zap.String("jti", claims.JTI), zap.Error(err))
	}
	s.record(ctx, audit.Logout, claims.UserID, client, "jti", claims.JTI)
}

// LogoutAll revokes every refresh row of the user, then every live access
// token recorded in the session set.
func (s *AuthService) LogoutAll(ctx context.Context, userID int64, client domain.ClientInfo) (int64, error) {
	ctx, span := s.startSpan(ctx, "AuthService.LogoutAll")
	defer span.End()

	revoked, err := s.engine.RevokeAllForUser(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if err := s.revokeAccessTokens(ctx, userID); err != nil {
		span.RecordError(err)
		return revoked, err
	}
	s.record(ctx, audit.LogoutAll, userID, client, "revoked", revoked)
	return revoked, nil
}

// AdminLogoutAll is LogoutAll on behalf of another user.
func (s *AuthService) AdminLogoutAll(ctx context.Context, actorID, userID int64, client domain.ClientInfo) (int64, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return 0, err
	}
	revoked, err := s.LogoutAll(ctx, userID, client)
	if err != nil {
		return revoked, err
	}
	s.record(ctx, audit.AdminLogoutAll, userID, client, "actor_id", actorID, "revoked", revoked)
	return revoked, nil
}

func (s *AuthService) revokeAccessTokens(ctx context.Context, userID int64) error {
	jtis, err := s.sessions.SessionJTIs(ctx, userID)
	if err != nil {
		return fmt.Errorf("list access tokens: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(revokeFanout)
	for _, jti := range jtis {
		jti := jti
		g.Go(func() error {
			return s.issuer.RevokeJTI(gctx, userID, jti, time.Time{})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("revoke access tokens: %w", err)
	}
	if err := s.sessions.ClearSessions(ctx, userID); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

// ValidateToken verifies an access token against signature, expiry and the
// session store.
func (s *AuthService) ValidateToken(ctx context.Context, token string) (*jwt.Claims, error) {
	return s.issuer.Validate(ctx, token)
}

// Introspect reports whether token is currently usable.
func (s *AuthService) Introspect(ctx context.Context, token string) bool {
	_, err := s.issuer.Validate(ctx, token)
	return err == nil
}

// Sessions lists the caller's active refresh sessions.
func (s *AuthService) Sessions(ctx context.Context, userID int64) ([]SessionView, error) {
	rows, err := s.engine.ActiveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionView, 0, len(rows))
	for _, row := range rows {
		out = append(out, newSessionView(row))
	}
	return out, nil
}

// Me returns the profile of the token's subject with current roles.
func (s *AuthService) Me(ctx context.Context, userID int64) (UserViewModel, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return UserViewModel{}, fmt.Errorf("load user: %w", err)
	}
	roles, err := s.roles.RoleNames(ctx, userID)
	if err != nil {
		return UserViewModel{}, fmt.Errorf("load roles: %w", err)
	}
	return UserViewModel{
		ID:            user.ID,
		Email:         user.Email,
		Name:          user.Name,
		EmailVerified: user.EmailVerified,
		LastLoginAt:   user.LastLoginAt,
		Roles:         roles,
	}, nil
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthService) record(ctx context.Context, event string, userID int64, client domain.ClientInfo, attrs ...any) {
	if s.audit == nil {
		return
	}
	e := audit.Event{
		Name:      event,
		UserID:    userID,
		IPAddress: client.IPAddress,
		Timestamp: s.now().UTC(),
	}
	if len(attrs) > 1 {
		e.Attrs = make(map[string]any, len(attrs)/2)
		for i := 0; i+1 < len(attrs); i += 2 {
			key, ok := attrs[i].(string)
			if !ok {
				continue
			}
			e.Attrs[key] = attrs[i+1]
		}
	}
	s.audit.Record(ctx, e)
}

func (s *AuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

// discardAccess revokes an access token whose session could not be completed.
func (s *AuthService) discardAccess(ctx context.Context, userID int64, access jwt.IssuedToken) {
	if err := s.issuer.RevokeJTI(ctx, userID, access.JTI, access.ExpiresAt); err != nil {
		s.log().Warn("discard access token failed", zap.String("jti", access.JTI), zap.Error(err))
	}
}

func (s *AuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
