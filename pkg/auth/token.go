// Package auth issues and validates the bearer tokens the API runs on,
// and carries the authenticated principal through request contexts.
// Tokens are HMAC-SHA256 JWTs signed with a key derived from the
// configured secret.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/esglens/esglens/pkg/tiers"
)

// tokenInfo binds the derived key to its purpose. Changing it rotates
// every issued token.
const tokenInfo = "esglens-token-v1"

// issuerName is the iss claim on issued tokens.
const issuerName = "esglens"

// Claims are the token claims the API trusts: the standard set plus
// the billing tier active at issue time.
type Claims struct {
	jwt.RegisteredClaims
	Tier string `json:"tier"`
}

// SigningKey derives the HMAC signing key from the shared secret, so
// the raw secret never signs anything directly.
func SigningKey(secret string) ([]byte, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(tokenInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("auth: derive signing key: %w", err)
	}
	return key, nil
}

// Issuer mints tokens for registered users.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewIssuer creates an issuer. ttl zero or below falls back to a day.
func NewIssuer(key []byte, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{key: key, ttl: ttl, now: time.Now}
}

// Issue signs a token for userID carrying the tier active at issue
// time. Tier ids that stop existing read back as the free tier.
func (i *Issuer) Issue(userID string, tier tiers.TierID) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("auth: empty user id")
	}
	now := i.now()
	expires := now.Add(i.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Tier: string(tier),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return token, expires, nil
}

// Validator checks presented tokens.
type Validator struct {
	key []byte
}

func NewValidator(key []byte) *Validator {
	return &Validator{key: key}
}

// Validate parses and verifies a token string. Only HS256 is accepted;
// a token claiming any other algorithm fails before key use.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: token missing subject")
	}
	return claims, nil
}
