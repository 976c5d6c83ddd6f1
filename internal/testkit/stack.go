// Package testkit assembles the session stack over miniredis and in-memory
// repositories for package tests.
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/adapter/cache"
	"github.com/smallbiznis/valora-session/internal/audit"
	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/jwt"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/ratelimit"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/repository/memory"
	"github.com/smallbiznis/valora-session/internal/rotation"
	"github.com/smallbiznis/valora-session/internal/security"
	"github.com/smallbiznis/valora-session/internal/service"
)

// Secret signs test access tokens.
const Secret = "0123456789abcdef0123456789abcdef"

// Password is the password of every seeded user.
const Password = "correct horse battery"

var fastParams = security.PasswordParams{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

// Stack is a fully wired AuthService with handles on its stores.
type Stack struct {
	Service  *service.AuthService
	Issuer   *jwt.Issuer
	Engine   *rotation.Engine
	Limiter  *ratelimit.Limiter
	Policies ratelimit.Policies
	Users    *memory.Users
	Roles    *memory.Roles
	Tokens   *memory.RefreshTokens
	Sessions *cache.RedisSessionStore
	Redis    *miniredis.Miniredis
	Client   redis.UniversalClient
	Metrics  *metrics.Metrics
}

// Options tunes the stack.
type Options struct {
	MaxSessions int
	LoginLimit  int
	// WrapTokens, when set, decorates the refresh store seen by the engine.
	WrapTokens func(repository.RefreshTokenRepository) repository.RefreshTokenRepository
}

// New builds a Stack. Users are seeded with Password.
func New(t *testing.T, opts Options, users ...domain.User) *Stack {
	t.Helper()
	if opts.MaxSessions == 0 {
		opts.MaxSessions = 5
	}
	if opts.LoginLimit == 0 {
		opts.LoginLimit = 5
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hash, err := security.HashPasswordWith(Password, fastParams)
	require.NoError(t, err)
	for i := range users {
		users[i].PasswordHash = hash
		if users[i].Status == "" {
			users[i].Status = domain.UserStatusActive
		}
	}

	m := metrics.New()
	sessions := cache.NewRedisSessionStore(client)
	key, err := jwt.NewSigningKey([]byte(Secret))
	require.NoError(t, err)
	issuer, err := jwt.NewIssuer(key, "valora-session", 15*time.Minute, sessions, jwt.WithMetrics(m))
	require.NoError(t, err)

	hasher, err := security.NewHasher([]byte("pepper"))
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	tokens := memory.NewRefreshTokens()
	var store repository.RefreshTokenRepository = tokens
	if opts.WrapTokens != nil {
		store = opts.WrapTokens(tokens)
	}
	engine := rotation.NewEngine(store, hasher, node,
		rotation.Settings{RefreshTTL: 24 * time.Hour, MaxSessions: opts.MaxSessions},
		zap.NewNop(), rotation.WithMetrics(m))

	userRepo := memory.NewUsers(users...)
	roles := memory.NewRoles(map[string][]string{
		"ADMIN": {"SESSION_REVOKE"},
		"USER":  nil,
	})
	for _, u := range users {
		require.NoError(t, roles.AssignRole(context.Background(), u.ID, "USER"))
	}

	policies := ratelimit.Policies{
		LoginIP:            ratelimit.Policy{Scope: ratelimit.ScopeLoginIP, Limit: opts.LoginLimit * 2, Window: 15 * time.Minute},
		LoginEmail:         ratelimit.Policy{Scope: ratelimit.ScopeLoginEmail, Limit: opts.LoginLimit, Window: 15 * time.Minute},
		ResendVerification: ratelimit.Policy{Scope: ratelimit.ScopeResendVerification, Limit: 3, Window: time.Hour},
		PasswordReset:      ratelimit.Policy{Scope: ratelimit.ScopePasswordReset, Limit: 3, Window: time.Hour},
	}
	limiter := ratelimit.NewLimiter(cache.NewRedisRateCounter(client), m, zap.NewNop())

	svc := service.NewAuthService(userRepo, roles, sessions, issuer, engine, audit.NewLogSink(zap.NewNop()), m, zap.NewNop())
	return &Stack{
		Service:  svc,
		Issuer:   issuer,
		Engine:   engine,
		Limiter:  limiter,
		Policies: policies,
		Users:    userRepo,
		Roles:    roles,
		Tokens:   tokens,
		Sessions: sessions,
		Redis:    mr,
		Client:   client,
		Metrics:  m,
	}
}
