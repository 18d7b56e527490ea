package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/scratchsync/internal/backend"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Local decode failures. All of them fall back to the session endpoint.
var (
	ErrNoCredential       = errors.New("no credential")
	ErrMalformedToken     = errors.New("malformed credential token")
	ErrCredentialExpired  = errors.New("credential expired")
	ErrNoIdentityInClaims = errors.New("credential carries no user identity")
)

var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// credentialClaims accepts the user fields either at the top level or
// nested under "user".
type credentialClaims struct {
	backend.SessionUser
	Username string               `json:"username"`
	User     *backend.SessionUser `json:"user"`
	Expiry   *jwt.NumericDate     `json:"exp"`
}

// DecodeCredential reads the user from a JWT without verifying its
// signature. The backend verifies the cookie on every call; this only
// spares the startup round trip.
func DecodeCredential(token string, now time.Time) (*backend.SessionUser, error) {
	if token == "" {
		return nil, ErrNoCredential
	}
	parsed, err := jwt.ParseSigned(token, signatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var claims credentialClaims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.Expiry != nil && now.After(claims.Expiry.Time()) {
		return nil, ErrCredentialExpired
	}

	user := claims.SessionUser
	if claims.User != nil {
		user = *claims.User
	}
	if user.UserID == "" {
		user.UserID = claims.Username
	}
	if user.UserID == "" && user.ID == 0 {
		return nil, ErrNoIdentityInClaims
	}
	return &user, nil
}
