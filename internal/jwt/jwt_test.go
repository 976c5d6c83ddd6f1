package jwt_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-session/internal/adapter/cache"
	"github.com/smallbiznis/valora-session/internal/domain"
	customjwt "github.com/smallbiznis/valora-session/internal/jwt"
	"github.com/smallbiznis/valora-session/internal/repository"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newIssuer(t *testing.T, secret string) (*customjwt.Issuer, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key, err := customjwt.NewSigningKey([]byte(secret))
	require.NoError(t, err)
	c := &clock{t: time.Now()}
	issuer, err := customjwt.NewIssuer(key, "valora-session", 15*time.Minute, cache.NewRedisSessionStore(client), customjwt.WithClock(c.now))
	require.NoError(t, err)
	return issuer, mr, c
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	issuer, mr, _ := newIssuer(t, testSecret)

	issued, err := issuer.Issue(ctx, customjwt.Identity{UserID: 99, Email: "user@example.com"}, []string{"USER"})
	require.NoError(t, err)
	require.NotEmpty(t, issued.JTI)
	require.True(t, mr.Exists("access_token:"+issued.JTI))
	members, err := mr.Members("user_sessions:99")
	require.NoError(t, err)
	require.Equal(t, []string{issued.JTI}, members)

	claims, err := issuer.Validate(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", claims.Subject)
	require.Equal(t, int64(99), claims.UserID)
	require.Equal(t, []string{"USER"}, claims.Roles)
	require.Equal(t, issued.JTI, claims.JTI)
}

func TestValidateRejectsTampering(t *testing.T) {
	ctx := context.Background()
	issuer, _, _ := newIssuer(t, testSecret)
	other, _, _ := newIssuer(t, strings.Repeat("z", 32))

	forged, err := other.Issue(ctx, customjwt.Identity{UserID: 1, Email: "a@example.com"}, nil)
	require.NoError(t, err)
	_, err = issuer.Validate(ctx, forged.Token)
	require.ErrorIs(t, err, domain.ErrTokenMalformed)

	_, err = issuer.Validate(ctx, "not.a.jwt")
	require.ErrorIs(t, err, domain.ErrTokenMalformed)
}

func TestValidateRejectsExpired(t *testing.T) {
	ctx := context.Background()
	issuer, _, c := newIssuer(t, testSecret)

	issued, err := issuer.Issue(ctx, customjwt.Identity{UserID: 1, Email: "a@example.com"}, nil)
	require.NoError(t, err)

	c.t = c.t.Add(16 * time.Minute)
	_, err = issuer.Validate(ctx, issued.Token)
	require.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestValidateRequiresShadowRecord(t *testing.T) {
	ctx := context.Background()
	issuer, mr, _ := newIssuer(t, testSecret)

	issued, err := issuer.Issue(ctx, customjwt.Identity{UserID: 1, Email: "a@example.com"}, nil)
	require.NoError(t, err)
	mr.Del("access_token:" + issued.JTI)

	_, err = issuer.Validate(ctx, issued.Token)
	require.ErrorIs(t, err, domain.ErrTokenRevoked)
}

func TestRevokeByTokenBlacklistsImmediately(t *testing.T) {
	ctx := context.Background()
	issuer, mr, c := newIssuer(t, testSecret)

	issued, err := issuer.Issue(ctx, customjwt.Identity{UserID: 5, Email: "a@example.com"}, nil)
	require.NoError(t, err)

	c.t = c.t.Add(5 * time.Minute)
	claims, err := issuer.RevokeByToken(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, issued.JTI, claims.JTI)

	require.True(t, mr.Exists("blacklist:"+issued.JTI))
	ttl := mr.TTL("blacklist:" + issued.JTI)
	require.InDelta(t, (10 * time.Minute).Seconds(), ttl.Seconds(), 1)
	require.False(t, mr.Exists("access_token:"+issued.JTI))

	_, err = issuer.Validate(ctx, issued.Token)
	require.ErrorIs(t, err, domain.ErrTokenRevoked)
}

func TestRevokeExpiredTokenSkipsBlacklist(t *testing.T) {
	ctx := context.Background()
	issuer, mr, c := newIssuer(t, testSecret)

	issued, err := issuer.Issue(ctx, customjwt.Identity{UserID: 5, Email: "a@example.com"}, nil)
	require.NoError(t, err)

	c.t = c.t.Add(time.Hour)
	_, err = issuer.RevokeByToken(ctx, issued.Token)
	require.NoError(t, err)
	require.False(t, mr.Exists("blacklist:"+issued.JTI))
}

func TestNewSigningKeyRejectsShortSecret(t *testing.T) {
	_, err := customjwt.NewSigningKey([]byte("short"))
	require.Error(t, err)
}

var errStoreDown = errors.New("session store unavailable")

// brokenStore fails the calls Issue and Validate make.
type brokenStore struct {
	repository.SessionStore
}

func (brokenStore) RegisterAccess(context.Context, string, domain.AccessSession, time.Duration) error {
	return errStoreDown
}

func (brokenStore) AccessState(context.Context, string) (bool, bool, error) {
	return false, false, errStoreDown
}

func TestIssueFailsWhenSessionStoreIsDown(t *testing.T) {
	key, err := customjwt.NewSigningKey([]byte(testSecret))
	require.NoError(t, err)
	issuer, err := customjwt.NewIssuer(key, "valora-session", 15*time.Minute, brokenStore{})
	require.NoError(t, err)

	issued, err := issuer.Issue(context.Background(), customjwt.Identity{UserID: 1, Email: "user@example.com"}, nil)
	require.ErrorIs(t, err, errStoreDown)
	require.Empty(t, issued.Token)
}

func TestValidateFailsClosedWhenSessionStoreIsDown(t *testing.T) {
	ctx := context.Background()
	issuer, mr, _ := newIssuer(t, testSecret)
	issued, err := issuer.Issue(ctx, customjwt.Identity{UserID: 1, Email: "user@example.com"}, nil)
	require.NoError(t, err)

	mr.SetError("ERR store unavailable")
	claims, err := issuer.Validate(ctx, issued.Token)
	require.Error(t, err)
	require.Nil(t, claims)

	mr.SetError("")
	claims, err = issuer.Validate(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, issued.JTI, claims.JTI)
}
