package service_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/service"
	"github.com/smallbiznis/valora-session/internal/testkit"
)

var client = domain.ClientInfo{DeviceClass: "Desktop", IPAddress: "198.51.100.4", UserAgent: "Mozilla/5.0"}

func newStack(t *testing.T, opts testkit.Options) *testkit.Stack {
	return testkit.New(t, opts,
		domain.User{ID: 10, Email: "user@example.com", Name: "Test User"},
		domain.User{ID: 11, Email: "dormant@example.com", Status: "SUSPENDED"},
	)
}

func login(t *testing.T, st *testkit.Stack) *service.TokenResponse {
	t.Helper()
	resp, err := st.Service.Login(context.Background(), service.LoginRequest{
		Email:    "  User@Example.com ",
		Password: testkit.Password,
		Client:   client,
	})
	require.NoError(t, err)
	return resp
}

func TestLoginIssuesLinkedPair(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{})

	resp := login(t, st)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, 900, resp.ExpiresIn)
	require.Equal(t, []string{"USER"}, resp.Roles)

	claims, err := st.Service.ValidateToken(ctx, resp.AccessToken)
	require.NoError(t, err)
	require.EqualValues(t, 10, claims.UserID)

	rows := st.Tokens.All()
	require.Len(t, rows, 1)
	require.Equal(t, claims.JTI, rows[0].AccessTokenJTI)
	require.Equal(t, "Desktop", rows[0].DeviceInfo)

	user, err := st.Users.GetByID(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, user.LastLoginAt)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{})

	cases := map[string]service.LoginRequest{
		"unknown email":  {Email: "nobody@example.com", Password: testkit.Password},
		"wrong password": {Email: "user@example.com", Password: "nope"},
		"inactive user":  {Email: "dormant@example.com", Password: testkit.Password},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := st.Service.Login(ctx, req)
			require.ErrorIs(t, err, domain.ErrInvalidCredentials)
			ae := service.AsAuthError(err)
			require.Equal(t, http.StatusUnauthorized, ae.Status)
			require.Equal(t, "authentication_failed", ae.Code)
		})
	}
	require.Empty(t, st.Tokens.All())
}

func TestRefreshRotatesAndReplayRevokesEverything(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{})

	first := login(t, st)
	other := login(t, st)

	rotated, err := st.Service.Refresh(ctx, first.RefreshToken, client)
	require.NoError(t, err)
	require.NotEqual(t, first.RefreshToken, rotated.RefreshToken)
	require.NotEqual(t, first.AccessToken, rotated.AccessToken)

	_, err = st.Service.Refresh(ctx, first.RefreshToken, client)
	require.ErrorIs(t, err, domain.ErrTokenReuseDetected)
	require.Equal(t, http.StatusUnauthorized, service.AsAuthError(err).Status)

	for _, raw := range []string{rotated.RefreshToken, other.RefreshToken} {
		_, err := st.Service.Refresh(ctx, raw, client)
		require.Error(t, err)
	}
	for _, access := range []string{first.AccessToken, other.AccessToken, rotated.AccessToken} {
		_, err := st.Service.ValidateToken(ctx, access)
		require.ErrorIs(t, err, domain.ErrTokenRevoked)
	}
	n, err := st.Tokens.CountActive(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRefreshRejectsInactiveUser(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{})
	resp := login(t, st)

	st.Users.SetStatus(10, "SUSPENDED")
	_, err := st.Service.Refresh(ctx, resp.RefreshToken, client)
	require.ErrorIs(t, err, domain.ErrUserInactive)

	// the secret was consumed before the identity check
	st.Users.SetStatus(10, domain.UserStatusActive)
	_, err = st.Service.Refresh(ctx, resp.RefreshToken, client)
	require.ErrorIs(t, err, domain.ErrRefreshTokenRevoked)
}

func TestLogoutRevokesPairAndNeverFails(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{})
	resp := login(t, st)

	st.Service.Logout(ctx, resp.AccessToken, client)

	_, err := st.Service.ValidateToken(ctx, resp.AccessToken)
	require.ErrorIs(t, err, domain.ErrTokenRevoked)
	require.False(t, st.Service.Introspect(ctx, resp.AccessToken))
	_, err = st.Service.Refresh(ctx, resp.RefreshToken, client)
	require.ErrorIs(t, err, domain.ErrRefreshTokenRevoked)

	st.Service.Logout(ctx, "garbage", client)
	st.Service.Logout(ctx, resp.AccessToken, client)
}

func TestLogoutAllClearsEverySession(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{})
	a := login(t, st)
	b := login(t, st)

	revoked, err := st.Service.LogoutAll(ctx, 10, client)
	require.NoError(t, err)
	require.EqualValues(t, 2, revoked)

	for _, access := range []string{a.AccessToken, b.AccessToken} {
		_, err := st.Service.ValidateToken(ctx, access)
		require.ErrorIs(t, err, domain.ErrTokenRevoked)
	}
	jtis, err := st.Sessions.SessionJTIs(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, jtis)

	sessions, err := st.Service.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestSessionCapKeepsNewest(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{MaxSessions: 2})

	for i := 0; i < 3; i++ {
		login(t, st)
		time.Sleep(2 * time.Millisecond)
	}
	sessions, err := st.Service.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func TestMeReturnsFreshRoles(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{})
	login(t, st)
	require.NoError(t, st.Roles.AssignRole(ctx, 10, "ADMIN"))

	me, err := st.Service.Me(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", me.Email)
	require.Equal(t, []string{"ADMIN", "USER"}, me.Roles)
	require.NotNil(t, me.LastLoginAt)
}

func TestAsAuthErrorRateLimited(t *testing.T) {
	err := &domain.RateLimitError{Scope: "login_email", Remaining: 0, RetryAfter: 90 * time.Second}
	ae := service.AsAuthError(err)
	require.Equal(t, http.StatusTooManyRequests, ae.Status)
	require.Equal(t, "90", ae.Headers["Retry-After"])
	require.Equal(t, "0", ae.Headers["X-RateLimit-Remaining"])

	require.Equal(t, http.StatusInternalServerError, service.AsAuthError(context.DeadlineExceeded).Status)
}

func TestLoginFailsClosedWhenSessionStoreIsDown(t *testing.T) {
	st := newStack(t, testkit.Options{})
	st.Redis.SetError("ERR store unavailable")

	resp, err := st.Service.Login(context.Background(), service.LoginRequest{
		Email:    "user@example.com",
		Password: testkit.Password,
		Client:   client,
	})
	require.Error(t, err)
	require.Nil(t, resp)
	require.False(t, domain.IsAuthFailure(err))
	require.Equal(t, http.StatusInternalServerError, service.AsAuthError(err).Status)
	require.Empty(t, st.Tokens.All())
}

func TestValidateFailsClosedWhenSessionStoreIsDown(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{})
	resp := login(t, st)

	st.Redis.SetError("ERR store unavailable")
	claims, err := st.Service.ValidateToken(ctx, resp.AccessToken)
	require.Error(t, err)
	require.Nil(t, claims)
}

// unlinkable fails to record the successor of a rotated row.
type unlinkable struct {
	repository.RefreshTokenRepository
}

func (unlinkable) MarkReplaced(context.Context, string, int64) error {
	return errors.New("write failed")
}

func TestRefreshDiscardsSuccessorWhenLinkFails(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, testkit.Options{
		WrapTokens: func(r repository.RefreshTokenRepository) repository.RefreshTokenRepository {
			return unlinkable{r}
		},
	})
	resp := login(t, st)

	_, err := st.Service.Refresh(ctx, resp.RefreshToken, client)
	require.Error(t, err)

	rows := st.Tokens.All()
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.True(t, row.Revoked)
	}

	present, blacklisted, err := st.Sessions.AccessState(ctx, rows[1].AccessTokenJTI)
	require.NoError(t, err)
	require.False(t, present)
	require.True(t, blacklisted)

	active, err := st.Engine.ActiveSessions(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, active)
}
