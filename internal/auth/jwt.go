// Package auth turns bearer tokens into the caller identity the routing
// engine consumes. Requests without a token are anonymous.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jordanhubbard/taskhub/internal/router"
)

// DefaultTokenTTL is the lifetime of tokens minted by Issue.
const DefaultTokenTTL = 24 * time.Hour

// minSecretLen guards against trivially guessable HMAC keys.
const minSecretLen = 32

var (
	ErrSecretTooShort = errors.New("jwt secret must be at least 32 bytes")
	ErrInvalidToken   = errors.New("invalid token")
)

// Claims carries the subscription tier alongside the standard claims. The
// subject is the user ID.
type Claims struct {
	Tier string `json:"tier"`
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HS256 caller tokens.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewAuthenticator returns an Authenticator for secret. An empty issuer
// disables the issuer check.
func NewAuthenticator(secret, issuer string) (*Authenticator, error) {
	if len(secret) < minSecretLen {
		return nil, ErrSecretTooShort
	}
	return &Authenticator{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue mints a token for userID at tier. A non-positive ttl uses
// DefaultTokenTTL.
func (a *Authenticator) Issue(userID string, tier router.Tier, ttl time.Duration) (string, error) {
	if !tier.Valid() {
		return "", fmt.Errorf("unknown tier %q", tier)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := a.now()
	claims := &Claims{
		Tier: string(tier),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify validates tokenString and returns the caller it names. A valid
// token with an unrecognised tier yields an anonymous caller.
func (a *Authenticator) Verify(tokenString string) (router.Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return router.Caller{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return router.Caller{}, ErrInvalidToken
	}

	tier, ok := router.ParseTier(claims.Tier)
	if !ok {
		tier = router.TierAnonymous
	}
	return router.Caller{UserID: claims.Subject, Tier: tier}, nil
}
