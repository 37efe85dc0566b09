package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid identity token")
	ErrPlayerMismatch = errors.New("token does not belong to player")
)

// Claims is the identity issued by the sign-in service.
type Claims struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Rating int    `json:"rating,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 identity tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier returns a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign issues a token for claims. A zero ttl means the token never expires.
func (v *Verifier) Sign(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates raw. A leading "Bearer" is tolerated.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer"))
	if raw == "" {
		return nil, ErrInvalidToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing id claim", ErrInvalidToken)
	}
	return &claims, nil
}

// Authenticate verifies raw and checks that it was issued to playerID.
func (v *Verifier) Authenticate(raw, playerID string) (*Claims, error) {
	claims, err := v.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.ID != playerID {
		return nil, ErrPlayerMismatch
	}
	return claims, nil
}
