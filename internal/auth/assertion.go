// Package auth verifies signed identity assertions. An assertion is a
// JWT (HMAC-SHA256) whose claims carry the agent name and its skill
// list; a valid assertion makes the identity trusted and its skills
// authoritative over whatever the agent self-declared.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

var (
	ErrAssertionsDisabled = errors.New("auth: identity assertions disabled")
	ErrInvalidAssertion   = errors.New("auth: invalid identity assertion")
)

// AssertionService signs and verifies identity assertions.
type AssertionService struct {
	secret []byte
	expiry time.Duration
}

// NewAssertionService builds an assertion helper with the given secret
// and expiry. An expiry of zero or less issues tokens that never expire.
func NewAssertionService(secret string, expiry time.Duration) *AssertionService {
	return &AssertionService{secret: []byte(secret), expiry: expiry}
}

// Enabled reports whether a signing secret is configured.
func (s *AssertionService) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

type Claims struct {
	Skills []string `json:"skills,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed assertion for the given identity. The agent
// name rides in the subject claim and the skill list in a custom claim.
func (s *AssertionService) Generate(id manifest.Identity) (string, error) {
	if !s.Enabled() {
		return "", ErrAssertionsDisabled
	}
	name := strings.TrimSpace(id.Name)
	if name == "" {
		return "", errors.New("auth: identity name required")
	}

	claims := Claims{
		Skills: id.Skills,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses an assertion and returns the identity embedded in it.
// Any parse or signature failure maps to ErrInvalidAssertion.
func (s *AssertionService) Validate(token string) (manifest.Identity, error) {
	if !s.Enabled() {
		return manifest.Identity{}, ErrAssertionsDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return manifest.Identity{}, ErrInvalidAssertion
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return manifest.Identity{}, ErrInvalidAssertion
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return manifest.Identity{}, ErrInvalidAssertion
	}
	return manifest.Identity{
		Name:   claims.Subject,
		Skills: claims.Skills,
	}, nil
}
