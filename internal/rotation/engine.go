// Package rotation implements the refresh-token state machine: issue, single-use
// rotation, reuse containment and the per-user session cap.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/security"
)

const refreshTokenBytes = 32

// Settings bounds refresh sessions.
type Settings struct {
	RefreshTTL  time.Duration
	MaxSessions int
}

// Engine owns every state change of a refresh row.
type Engine struct {
	tokens   repository.RefreshTokenRepository
	hasher   *security.Hasher
	ids      *snowflake.Node
	settings Settings
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics counts evictions and reuse detections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine wires an Engine.
func NewEngine(tokens repository.RefreshTokenRepository, hasher *security.Hasher, ids *snowflake.Node, settings Settings, logger *zap.Logger, opts ...Option) *Engine {
	if settings.MaxSessions < 1 {
		settings.MaxSessions = 1
	}
	e := &Engine{
		tokens:   tokens,
		hasher:   hasher,
		ids:      ids,
		settings: settings,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/valora-session/internal/rotation"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue evicts the oldest session when the user is at the cap, then stores a
// new ACTIVE row linked to accessJTI. It returns the raw secret, which is never
// persisted.
func (e *Engine) Issue(ctx context.Context, userID int64, accessJTI string, client domain.ClientInfo) (string, domain.RefreshToken, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Issue", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	if err := e.enforceCap(ctx, userID); err != nil {
		span.RecordError(err)
		return "", domain.RefreshToken{}, err
	}

	raw, err := security.NewOpaqueToken(refreshTokenBytes)
	if err != nil {
		span.RecordError(err)
		return "", domain.RefreshToken{}, err
	}
	now := e.now().UTC()
	row, err := e.tokens.Create(ctx, domain.RefreshToken{
		ID:             e.ids.Generate().Int64(),
		UserID:         userID,
		TokenHash:      e.hasher.Hash(raw),
		AccessTokenJTI: accessJTI,
		ExpiresAt:      now.Add(e.settings.RefreshTTL),
		DeviceInfo:     client.DeviceClass,
		IPAddress:      client.IPAddress,
		UserAgent:      client.UserAgent,
		CreatedAt:      now,
	})
	if err != nil {
		span.RecordError(err)
		return "", domain.RefreshToken{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return raw, row, nil
}

func (e *Engine) enforceCap(ctx context.Context, userID int64) error {
	active, err := e.tokens.CountActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("count sessions: %w", err)
	}
	if active < e.settings.MaxSessions {
		return nil
	}
	evicted, err := e.tokens.RevokeOldestActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("evict session: %w", errors.Join(domain.ErrSessionLimitReached, err))
	}
	if evicted {
		e.metrics.SessionEvicted()
		e.log().Info("session evicted",
			zap.Int64("user_id", userID),
			zap.Int("active", active),
			zap.Int("max_sessions", e.settings.MaxSessions),
		)
	}
	return nil
}

// Rotate consumes the row behind raw. On success the returned row is the
// consumed one; the caller issues its successor and calls LinkReplacement.
//
// A row that was already rotated is a replay: every row of the user is revoked
// and ErrTokenReuseDetected is returned.
func (e *Engine) Rotate(ctx context.Context, raw string) (domain.RefreshToken, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Rotate")
	defer span.End()

	if raw == "" {
		return domain.RefreshToken{}, domain.ErrInvalidRefreshToken
	}
	hash := e.hasher.Hash(raw)
	row, err := e.tokens.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.RefreshToken{}, domain.ErrInvalidRefreshToken
		}
		span.RecordError(err)
		return domain.RefreshToken{}, fmt.Errorf("lookup refresh token: %w", err)
	}
	span.SetAttributes(attribute.Int64("user.id", row.UserID))

	// An expired secret can no longer mint anything, so it fails as expired
	// whatever its revocation state.
	if row.Expired(e.now()) {
		return row, domain.ErrRefreshTokenExpired
	}
	if row.Rotated() {
		e.containReuse(ctx, row)
		return row, domain.ErrTokenReuseDetected
	}
	if row.Revoked {
		return row, domain.ErrRefreshTokenRevoked
	}

	consumed, err := e.tokens.ConsumeIfActive(ctx, hash)
	if err != nil {
		span.RecordError(err)
		return row, fmt.Errorf("consume refresh token: %w", err)
	}
	if !consumed {
		return row, domain.ErrRefreshTokenRevoked
	}
	return row, nil
}

func (e *Engine) containReuse(ctx context.Context, row domain.RefreshToken) {
	e.metrics.ReuseDetected()
	revoked, err := e.tokens.RevokeAllForUser(ctx, row.UserID)
	fields := []zap.Field{
		zap.Int64("user_id", row.UserID),
		zap.Int64("token_id", row.ID),
		zap.Int64("revoked", revoked),
	}
	if err != nil {
		e.log().Error("reuse containment failed", append(fields, zap.Error(err))...)
		return
	}
	e.log().Warn("refresh token reuse detected", fields...)
}

// LinkReplacement records newID as the successor of the row behind oldHash.
func (e *Engine) LinkReplacement(ctx context.Context, oldHash string, newID int64) error {
	if err := e.tokens.MarkReplaced(ctx, oldHash, newID); err != nil {
		return fmt.Errorf("link replacement: %w", err)
	}
	return nil
}

// Discard revokes a row that was issued but never handed to a client.
func (e *Engine) Discard(ctx context.Context, row domain.RefreshToken) error {
	if err := e.tokens.RevokeByHash(ctx, row.TokenHash); err != nil {
		return fmt.Errorf("discard refresh token: %w", err)
	}
	return nil
}

// RevokeByAccessJTI revokes the row issued alongside access token jti.
func (e *Engine) RevokeByAccessJTI(ctx context.Context, jti string) (int64, error) {
	n, err := e.tokens.RevokeByAccessJTI(ctx, jti)
	if err != nil {
		return 0, fmt.Errorf("revoke by access jti: %w", err)
	}
	return n, nil
}

// RevokeAllForUser revokes every non-revoked row of the user.
func (e *Engine) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	n, err := e.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all for user: %w", err)
	}
	return n, nil
}

// ActiveSessions lists the user's exchangeable rows, newest first.
func (e *Engine) ActiveSessions(ctx context.Context, userID int64) ([]domain.RefreshToken, error) {
	rows, err := e.tokens.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return rows, nil
}

// Cleanup deletes expired rows and rows revoked longer than retention ago.
func (e *Engine) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := e.tokens.DeleteStale(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup refresh tokens: %w", err)
	}
	e.metrics.CleanupDeleted(n)
	return n, nil
}

// Hash exposes the keyed digest used for lookups.
func (e *Engine) Hash(raw string) string {
	return e.hasher.Hash(raw)
}

func (e *Engine) log() *zap.Logger {
	if e != nil && e.logger != nil {
		return e.logger
	}
	return zap.L()
}
