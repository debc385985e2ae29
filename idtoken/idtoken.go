// Package idtoken builds and signs the id_token ClaimSet the broker issues
// to relying parties, regardless of which authentication path (email loop
// or delegated OIDC) produced the confirmation.
//
// Grounded on spec.md's data model §3 (ClaimSet) and on the original
// implementation's lib.rs create_jwt.
package idtoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/caasmo/idbroker/keyring"
)

// ClaimSet is the broker's issued id_token payload.
type ClaimSet struct {
	Issuer    string
	Audience  string
	Email     string
	Nonce     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c ClaimSet) claims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            c.Issuer,
		"aud":            c.Audience,
		"email":          c.Email,
		"email_verified": c.Email,
		"sub":            c.Email,
		"nonce":          c.Nonce,
		"iat":            c.IssuedAt.Unix(),
		"exp":            c.ExpiresAt.Unix(),
	}
}

// Sign renders c as a compact RS256 JWS via ring.
func Sign(ring *keyring.KeyRing, c ClaimSet) (string, error) {
	return ring.Sign(c.claims())
}
