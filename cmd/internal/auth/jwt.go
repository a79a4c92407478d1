// Package auth resolves the acting user of HTTP and WebSocket requests.
//
// Credentials are issued by an external identity provider; this package only
// verifies HS256 bearer tokens and exposes the subject as the user id.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// MinSecretLen is the minimum HS256 secret length accepted by NewVerifier.
const MinSecretLen = 32

// Claims is the JWT claim set understood by the chat server.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c Claims) UserID() string { return c.Subject }

// Verifier validates and issues HS256 tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// VerifierOption configures Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the clock used for exp/nbf/iat validation.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier constructs a Verifier. issuer may be empty to skip the iss check.
func NewVerifier(secret, issuer string, opts ...VerifierOption) (*Verifier, error) {
	if len(secret) < MinSecretLen {
		return nil, errors.New("auth: secret must be at least 32 bytes")
	}
	v := &Verifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// Issue signs a token for userID valid for ttl. Used by tooling and tests;
// production tokens come from the identity provider.
func (v *Verifier) Issue(userID, name string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
