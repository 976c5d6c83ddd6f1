package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasherDeterministicAndKeyed(t *testing.T) {
	a, err := NewHasher([]byte("secret-a"))
	require.NoError(t, err)
	b, err := NewHasher([]byte("secret-b"))
	require.NoError(t, err)

	raw := "refresh-token-value"
	require.Equal(t, a.Hash(raw), a.Hash(raw))
	require.NotEqual(t, a.Hash(raw), b.Hash(raw))
	require.NotContains(t, a.Hash(raw), raw)
	require.Len(t, a.Hash(raw), 64)
	require.True(t, a.Matches(raw, a.Hash(raw)))
	require.False(t, a.Matches("other", a.Hash(raw)))
}

func TestNewHasherRequiresSecret(t *testing.T) {
	_, err := NewHasher(nil)
	require.Error(t, err)
}

func TestNewOpaqueTokenUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 64; i++ {
		tok, err := NewOpaqueToken(32)
		require.NoError(t, err)
		require.Len(t, tok, 43)
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
}

func TestDeviceClass(t *testing.T) {
	cases := map[string]string{
		"":                                   DeviceUnknown,
		"Mozilla/5.0 (iPhone) Mobile/15E148": DeviceMobile,
		"Mozilla/5.0 (Linux; Tablet)":        DeviceTablet,
		"Mozilla/5.0 (iPad; CPU OS 17_0)":    DeviceTablet,
		"Mozilla/5.0 (X11; Linux x86_64)":    DeviceDesktop,
	}
	for ua, want := range cases {
		require.Equal(t, want, DeviceClass(ua), ua)
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	params := PasswordParams{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}
	hash, err := HashPasswordWith("correct horse", params)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$"))

	ok, err := VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifyPassword("wrong", hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyPasswordRejectsGarbage(t *testing.T) {
	_, err := VerifyPassword("x", "$bcrypt$nope")
	require.Error(t, err)
}
