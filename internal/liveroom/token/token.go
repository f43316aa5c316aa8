// Package token verifies identity tokens presented on the real-time channel
// and the room control endpoints.
//
// Tokens are Ed25519-signed JWTs minted by the external auth service; this
// package only validates them and extracts the caller's identity and role.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenRequired indicates no token was presented.
	ErrTokenRequired = errors.New("identity token is required")
	// ErrTokenInvalid indicates the token failed signature or claim checks.
	ErrTokenInvalid = errors.New("identity token is invalid")
	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("identity token is expired")
)

// Role describes what a participant may do inside a review room.
type Role string

// Participant roles.
const (
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
)

// ReviewerCapable reports whether the role may mutate room state.
func (r Role) ReviewerCapable() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// ParseRole normalizes a raw role value. Unknown roles degrade to student so
// a stale or foreign claim never grants reviewer capability.
func ParseRole(raw string) Role {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleTeacher, RoleAdmin, RoleStudent:
		return role
	default:
		return RoleStudent
	}
}

// Identity is a verified caller.
type Identity struct {
	UserID string
	Role   Role
}

// VerifierConfig defines how identity tokens are validated.
type VerifierConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Verifier validates identity tokens.
type Verifier struct {
	cfg VerifierConfig
}

type identityClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// NewVerifier builds a token verifier. The public key is base64-encoded raw
// Ed25519 key bytes, as distributed by the auth service.
func NewVerifier(issuer, audience, publicKeyBase64 string, now func() time.Time) (*Verifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	publicKeyBase64 = strings.TrimSpace(publicKeyBase64)
	if issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	if audience == "" {
		return nil, errors.New("token audience is required")
	}
	keyBytes, err := decodeBase64(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode token public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{cfg: VerifierConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}}, nil
}

// Verify validates a token and returns the caller identity.
func (v *Verifier) Verify(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrTokenRequired
	}

	var parsed identityClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(token *jwt.Token) (any, error) {
		return v.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if parsed.Issuer != v.cfg.Issuer {
		return Identity{}, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if !audienceContains(parsed.Audience, v.cfg.Audience) {
		return Identity{}, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	if parsed.ExpiresAt == nil {
		return Identity{}, fmt.Errorf("%w: exp is required", ErrTokenInvalid)
	}
	now := v.cfg.Now().UTC()
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return Identity{}, ErrTokenExpired
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Identity{}, fmt.Errorf("%w: not active yet", ErrTokenInvalid)
	}

	userID := strings.TrimSpace(parsed.Subject)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: sub is required", ErrTokenInvalid)
	}

	return Identity{UserID: userID, Role: ParseRole(parsed.Role)}, nil
}

func decodeBase64(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(value)
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, entry := range aud {
		if entry == value {
			return true
		}
	}
	return false
}
