package devserver

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

const tokenIssuer = "scratchsyncd"

var (
	ErrUnauthenticated = errors.New("login required")
	errTokenExpired    = errors.New("token expired")
)

// tokenClaims is the session cookie payload: the session user at the top
// level plus registered claims.
type tokenClaims struct {
	backend.SessionUser
	Issuer   string           `json:"iss,omitempty"`
	IssuedAt *jwt.NumericDate `json:"iat,omitempty"`
	Expiry   *jwt.NumericDate `json:"exp,omitempty"`
}

// Authenticator issues and verifies HS256 session tokens.
type Authenticator struct {
	key []byte
	now func() time.Time
}

// NewAuthenticator returns an Authenticator for key. An empty key is
// replaced by 32 random bytes; tokens then only verify within this process.
func NewAuthenticator(key []byte, now func() time.Time) (*Authenticator, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(key))
	}
	if now == nil {
		now = time.Now
	}
	return &Authenticator{key: key, now: now}, nil
}

// Issue signs a token for user valid for ttl.
func (a *Authenticator) Issue(user backend.SessionUser, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: a.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	now := a.now()
	claims := tokenClaims{
		SessionUser: user,
		Issuer:      tokenIssuer,
		IssuedAt:    jwt.NewNumericDate(now),
		Expiry:      jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

// Verify checks the signature and expiry and returns the session user.
func (a *Authenticator) Verify(token string) (*backend.SessionUser, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	var claims tokenClaims
	if err := parsed.Claims(a.key, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Expiry != nil && a.now().After(claims.Expiry.Time()) {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, errTokenExpired)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user", ErrUnauthenticated)
	}
	user := claims.SessionUser
	return &user, nil
}
