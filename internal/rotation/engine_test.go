package rotation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/metrics"
	"github.com/smallbiznis/valora-session/internal/repository/memory"
	"github.com/smallbiznis/valora-session/internal/rotation"
	"github.com/smallbiznis/valora-session/internal/security"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *rotation.Engine
	store  *memory.RefreshTokens
	clock  *clock
}

func newFixture(t *testing.T, maxSessions int) fixture {
	t.Helper()
	hasher, err := security.NewHasher([]byte("pepper"))
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewRefreshTokens()
	store.Now = clk.now

	engine := rotation.NewEngine(store, hasher, node,
		rotation.Settings{RefreshTTL: 24 * time.Hour, MaxSessions: maxSessions},
		zap.NewNop(),
		rotation.WithClock(clk.now),
		rotation.WithMetrics(metrics.New()),
	)
	return fixture{engine: engine, store: store, clock: clk}
}

var client = domain.ClientInfo{DeviceClass: "Desktop", IPAddress: "203.0.113.7", UserAgent: "test"}

func TestIssueStoresOnlyHash(t *testing.T) {
	f := newFixture(t, 5)
	raw, row, err := f.engine.Issue(context.Background(), 7, "jti-1", client)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.NotEqual(t, raw, row.TokenHash)
	require.Equal(t, f.engine.Hash(raw), row.TokenHash)
	require.Equal(t, "jti-1", row.AccessTokenJTI)
	require.Equal(t, "Desktop", row.DeviceInfo)
	require.Equal(t, f.clock.now().Add(24*time.Hour), row.ExpiresAt)
}

func TestRotateThenReplayRevokesFamily(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	raw, _, err := f.engine.Issue(ctx, 7, "jti-a", client)
	require.NoError(t, err)
	_, _, err = f.engine.Issue(ctx, 7, "jti-b", client)
	require.NoError(t, err)

	old, err := f.engine.Rotate(ctx, raw)
	require.NoError(t, err)
	_, next, err := f.engine.Issue(ctx, old.UserID, "jti-c", client)
	require.NoError(t, err)
	require.NoError(t, f.engine.LinkReplacement(ctx, old.TokenHash, next.ID))

	active, err := f.store.CountActive(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, active)

	_, err = f.engine.Rotate(ctx, raw)
	require.ErrorIs(t, err, domain.ErrTokenReuseDetected)

	active, err = f.store.CountActive(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, active)
}

func TestConcurrentRotationSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	raw, _, err := f.engine.Issue(ctx, 7, "jti", client)
	require.NoError(t, err)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		losers    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.Rotate(ctx, raw)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			losers = append(losers, err)
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Len(t, losers, callers-1)
	for _, err := range losers {
		require.ErrorIs(t, err, domain.ErrRefreshTokenRevoked)
	}
}

func TestRotateExpiredRegardlessOfRevocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	live, _, err := f.engine.Issue(ctx, 7, "jti-live", client)
	require.NoError(t, err)
	revoked, _, err := f.engine.Issue(ctx, 7, "jti-revoked", client)
	require.NoError(t, err)
	_, err = f.engine.RevokeByAccessJTI(ctx, "jti-revoked")
	require.NoError(t, err)

	f.clock.advance(25 * time.Hour)

	_, err = f.engine.Rotate(ctx, live)
	require.ErrorIs(t, err, domain.ErrRefreshTokenExpired)
	_, err = f.engine.Rotate(ctx, revoked)
	require.ErrorIs(t, err, domain.ErrRefreshTokenExpired)
}

func TestRotateUnknownAndRevoked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	_, err := f.engine.Rotate(ctx, "not-a-token")
	require.ErrorIs(t, err, domain.ErrInvalidRefreshToken)
	_, err = f.engine.Rotate(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalidRefreshToken)

	raw, _, err := f.engine.Issue(ctx, 7, "jti", client)
	require.NoError(t, err)
	n, err := f.engine.RevokeByAccessJTI(ctx, "jti")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = f.engine.Rotate(ctx, raw)
	require.ErrorIs(t, err, domain.ErrRefreshTokenRevoked)
}

func TestSessionCapEvictsOldest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	var first domain.RefreshToken
	for i := 0; i < 4; i++ {
		_, row, err := f.engine.Issue(ctx, 7, "jti", client)
		require.NoError(t, err)
		if i == 0 {
			first = row
		}
		f.clock.advance(time.Minute)
	}

	active, err := f.engine.ActiveSessions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, active, 3)
	for _, row := range active {
		require.NotEqual(t, first.ID, row.ID)
	}

	// other users are untouched by the cap
	_, _, err = f.engine.Issue(ctx, 8, "jti", client)
	require.NoError(t, err)
	count, err := f.store.CountActive(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCleanupRemovesStaleRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	_, _, err := f.engine.Issue(ctx, 7, "old", client)
	require.NoError(t, err)
	_, err = f.engine.RevokeByAccessJTI(ctx, "old")
	require.NoError(t, err)
	f.clock.advance(2 * time.Hour)
	_, _, err = f.engine.Issue(ctx, 7, "fresh", client)
	require.NoError(t, err)

	n, err := f.engine.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Len(t, f.store.All(), 1)
}
