package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smallbiznis/valora-session/internal/domain"
)

// DB is the subset of pgxpool.Pool used by the Postgres repositories.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserRepository exposes the identity records used for authentication.
type UserRepository interface {
	GetByEmail(ctx context.Context, email string) (domain.User, error)
	GetByID(ctx context.Context, userID int64) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
	TouchLastLogin(ctx context.Context, userID int64, at time.Time) error
}

// RoleRepository answers role and permission questions from the durable store.
type RoleRepository interface {
	RoleNames(ctx context.Context, userID int64) ([]string, error)
	HasPermission(ctx context.Context, userID int64, permission string) (bool, error)
	AssignRole(ctx context.Context, userID int64, role string) error
}

// RefreshTokenRepository is the system of record for refresh credentials.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error)
	GetByHash(ctx context.Context, tokenHash string) (domain.RefreshToken, error)
	// ConsumeIfActive flips revoked from false to true only while the row is
	// still unrevoked and unexpired. It reports whether this call won.
	ConsumeIfActive(ctx context.Context, tokenHash string) (bool, error)
	MarkReplaced(ctx context.Context, tokenHash string, replacedBy int64) error
	RevokeByHash(ctx context.Context, tokenHash string) error
	RevokeByAccessJTI(ctx context.Context, jti string) (int64, error)
	RevokeAllForUser(ctx context.Context, userID int64) (int64, error)
	// RevokeOldestActive revokes the earliest-created active row of a user.
	RevokeOldestActive(ctx context.Context, userID int64) (bool, error)
	CountActive(ctx context.Context, userID int64) (int, error)
	ListActive(ctx context.Context, userID int64) ([]domain.RefreshToken, error)
	DeleteStale(ctx context.Context, revokedBefore time.Time) (int64, error)
}

// SessionStore is the volatile store of live access tokens.
type SessionStore interface {
	RegisterAccess(ctx context.Context, jti string, session domain.AccessSession, ttl time.Duration) error
	GetAccess(ctx context.Context, jti string) (*domain.AccessSession, error)
	AccessState(ctx context.Context, jti string) (present, blacklisted bool, err error)
	Blacklist(ctx context.Context, jti string, ttl time.Duration) error
	RemoveAccess(ctx context.Context, userID int64, jti string) error
	SessionJTIs(ctx context.Context, userID int64) ([]string, error)
	ClearSessions(ctx context.Context, userID int64) error
}

// RateCounter is an atomic counter with a fixed expiry window.
type RateCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Count(ctx context.Context, key string) (int64, time.Duration, error)
	Reset(ctx context.Context, key string) error
}
