// Package auth issues and verifies the JWT bearer tokens protecting the
// REST and WebSocket surfaces. Accounts are static, loaded from
// configuration with bcrypt password hashes.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/mytechsonamy/crypto-stock-platform/internal/config"
)

const (
	defaultAccessTTL  = 60 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	// ErrInvalidToken covers every verification failure: bad signature,
	// malformed token, expired, or wrong token type. Callers translate it
	// to 401 or WS close 4001 without distinguishing further.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrInvalidCredentials is returned for unknown users and wrong
	// passwords alike.
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// User is an authenticated principal.
type User struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
}

// Claims is the JWT payload for both access and refresh tokens. Refresh
// tokens carry type "refresh"; access tokens leave the field empty.
type Claims struct {
	Username  string   `json:"username"`
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"type,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims grant any of the given roles.
func (c *Claims) HasRole(required ...string) bool {
	for _, want := range required {
		for _, have := range c.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// TokenPair is the login and refresh response payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type account struct {
	user User
	hash string
}

// Manager authenticates users and manages their tokens.
type Manager struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	accounts   map[string]account

	now func() time.Time
}

// NewManager builds a Manager from configuration. The JWT secret is
// required; zero TTLs fall back to 60 minutes and 7 days.
func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}

	accessTTL := cfg.AccessTokenTTL()
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := cfg.RefreshTokenTTL()
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}

	accounts := make(map[string]account, len(cfg.Users))
	for _, u := range cfg.Users {
		accounts[u.Username] = account{
			user: User{UserID: u.UserID, Username: u.Username, Email: u.Email, Roles: u.Roles},
			hash: u.PasswordHash,
		}
	}

	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		accounts:   accounts,
		now:        time.Now,
	}, nil
}

// Login authenticates the credentials and issues an access plus refresh
// token pair.
func (m *Manager) Login(username, password string) (TokenPair, error) {
	user, err := m.Authenticate(username, password)
	if err != nil {
		return TokenPair{}, err
	}

	access, err := m.AccessToken(user)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := m.RefreshToken(user)
	if err != nil {
		return TokenPair{}, err
	}

	log.Info().Str("username", username).Msg("User authenticated")
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(m.accessTTL.Seconds()),
	}, nil
}

// Authenticate checks a username and password against the account store.
func (m *Manager) Authenticate(username, password string) (User, error) {
	acct, ok := m.accounts[username]
	if !ok {
		log.Warn().Str("username", username).Msg("Authentication failed: unknown user")
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.hash), []byte(password)); err != nil {
		log.Warn().Str("username", username).Msg("Authentication failed: wrong password")
		return User{}, ErrInvalidCredentials
	}
	return acct.user, nil
}

// AccessToken signs a short-lived token for the user.
func (m *Manager) AccessToken(u User) (string, error) {
	return m.sign(u, "", m.accessTTL)
}

// RefreshToken signs a long-lived token usable only at the refresh
// endpoint.
func (m *Manager) RefreshToken(u User) (string, error) {
	return m.sign(u, "refresh", m.refreshTTL)
}

func (m *Manager) sign(u User, tokenType string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := Claims{
		Username:  u.Username,
		Roles:     u.Roles,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses and validates a token, returning its claims.
func (m *Manager) Verify(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{},
		func(t *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		log.Debug().Err(err).Msg("Token verification failed")
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Refresh exchanges a valid refresh token for a fresh access token. The
// new claims are taken from the refresh token itself; no account lookup
// happens, so a deleted user's refresh token stays usable until expiry.
func (m *Manager) Refresh(refreshToken string) (TokenPair, error) {
	claims, err := m.Verify(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.TokenType != "refresh" {
		log.Warn().Str("username", claims.Username).Msg("Refresh attempted with a non-refresh token")
		return TokenPair{}, ErrInvalidToken
	}

	user := User{UserID: claims.Subject, Username: claims.Username, Roles: claims.Roles}
	access, err := m.AccessToken(user)
	if err != nil {
		return TokenPair{}, err
	}

	log.Info().Str("username", user.Username).Msg("Access token refreshed")
	return TokenPair{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int(m.accessTTL.Seconds()),
	}, nil
}

// HashPassword bcrypt-hashes a password for the static user store.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
