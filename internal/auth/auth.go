// Package auth defines the caller identity contract the API layer hands to
// the query surface.
//
// Tokens are JWTs signed with Ed25519 (EdDSA) by the surrounding identity
// system; this package only verifies them and exposes the claims the
// lifecycle layer scopes queries with.
package auth

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles a caller can hold within an organization. Admins see every request
// in the org; members see only their own.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Claims extends jwt.RegisteredClaims with tenant scoping fields.
type Claims struct {
	jwt.RegisteredClaims
	OrgID  uuid.UUID `json:"org_id"`
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
}

// Privileged reports whether the caller may see requests created by other
// users in the same organization.
func (c *Claims) Privileged() bool {
	return c.Role == RoleAdmin
}

// Verifier validates tokens issued by the identity system.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// NewVerifier loads the identity system's Ed25519 public key from a PEM file.
func NewVerifier(publicKeyPath string) (*Verifier, error) {
	raw, err := os.ReadFile(publicKeyPath) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: no PEM block in %s", publicKeyPath)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}
	return &Verifier{publicKey: pub}, nil
}

// Verify parses and validates a token, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %s", t.Method.Alg())
		}
		return v.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: verify token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	if claims.OrgID == uuid.Nil {
		return nil, fmt.Errorf("auth: token missing org_id")
	}
	return claims, nil
}
