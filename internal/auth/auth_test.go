package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mytechsonamy/crypto-stock-platform/internal/config"
)

func testConfig(t *testing.T) config.AuthConfig {
	t.Helper()
	// MinCost keeps the bcrypt work factor out of the test runtime.
	hash, err := bcrypt.GenerateFromPassword([]byte("demo123"), bcrypt.MinCost)
	require.NoError(t, err)

	return config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenMins: 60,
		RefreshDays:     7,
		Users: []config.User{{
			UserID:       "1",
			Username:     "demo",
			Email:        "demo@example.com",
			PasswordHash: string(hash),
			Roles:        []string{"user"},
		}},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testConfig(t))
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager(config.AuthConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt secret")
}

func TestLoginIssuesVerifiableTokenPair(t *testing.T) {
	m := newTestManager(t)

	pair, err := m.Login("demo", "demo123")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, 3600, pair.ExpiresIn)

	claims, err := m.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "1", claims.Subject)
	assert.Equal(t, "demo", claims.Username)
	assert.Equal(t, []string{"user"}, claims.Roles)
	assert.Empty(t, claims.TokenType)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Login("demo", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = m.Login("nobody", "demo123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	m := newTestManager(t)

	pair, err := m.Login("demo", "demo123")
	require.NoError(t, err)

	_, err = m.Verify(pair.AccessToken + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	m := newTestManager(t)
	pair, err := m.Login("demo", "demo123")
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.JWTSecret = "a-different-secret"
	other, err := NewManager(cfg)
	require.NoError(t, err)

	_, err = other.Verify(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t)
	current := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	pair, err := m.Login("demo", "demo123")
	require.NoError(t, err)

	_, err = m.Verify(pair.AccessToken)
	require.NoError(t, err)

	current = current.Add(61 * time.Minute)
	_, err = m.Verify(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// The refresh token outlives the access token by days.
	_, err = m.Verify(pair.RefreshToken)
	assert.NoError(t, err)
}

func TestVerifyRequiresSubject(t *testing.T) {
	m := newTestManager(t)

	token, err := m.AccessToken(User{Username: "ghost"})
	require.NoError(t, err)

	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshExchangesRefreshToken(t *testing.T) {
	m := newTestManager(t)

	pair, err := m.Login("demo", "demo123")
	require.NoError(t, err)

	next, err := m.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, next.AccessToken)
	assert.Empty(t, next.RefreshToken)
	assert.Equal(t, "bearer", next.TokenType)
	assert.Equal(t, 3600, next.ExpiresIn)

	claims, err := m.Verify(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "1", claims.Subject)
	assert.Equal(t, "demo", claims.Username)
	assert.Empty(t, claims.TokenType)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	m := newTestManager(t)

	pair, err := m.Login("demo", "demo123")
	require.NoError(t, err)

	_, err = m.Refresh(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshTokenCarriesType(t *testing.T) {
	m := newTestManager(t)

	pair, err := m.Login("demo", "demo123")
	require.NoError(t, err)

	claims, err := m.Verify(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh", claims.TokenType)
}

func TestHasRole(t *testing.T) {
	c := &Claims{Roles: []string{"user", "trader"}}

	assert.True(t, c.HasRole("user"))
	assert.True(t, c.HasRole("admin", "trader"))
	assert.False(t, c.HasRole("admin"))
	assert.False(t, c.HasRole())
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	cfg := testConfig(t)
	cfg.Users[0].PasswordHash = hash
	m, err := NewManager(cfg)
	require.NoError(t, err)

	user, err := m.Authenticate("demo", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "1", user.UserID)
}
