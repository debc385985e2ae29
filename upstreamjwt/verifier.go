// Package upstreamjwt verifies RS256 id_tokens issued by an upstream OIDC
// provider against that provider's published JWKS.
//
// Grounded on the original implementation's crypto.rs (jwk_key_set_find,
// verify_jws) for the kid/use-matching rule, and on the teacher's
// crypto/jwt_validate.go for the per-claim validation helper style.
package upstreamjwt

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrKeyNotFound is returned when the JWKS has zero or more than one
	// key matching the token's kid with use=="sig".
	ErrKeyNotFound = errors.New("upstreamjwt: no unique matching key in jwks")
	// ErrInvalidSignature is returned when the RSA-SHA256 signature does
	// not verify.
	ErrInvalidSignature = errors.New("upstreamjwt: invalid signature")
)

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// Claims is the set of claims the broker validates from an upstream
// id_token after signature verification succeeds.
type Claims struct {
	Aud   string `json:"aud"`
	Email string `json:"email"`
	Iss   string `json:"iss"`
	Sub   string `json:"sub"`
	Iat   int64  `json:"iat"`
	Exp   int64  `json:"exp"`
}

func (c Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Exp, 0)), nil
}
func (c Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.Iat, 0)), nil
}
func (c Claims) GetNotBefore() (*jwt.NumericDate, error)  { return nil, nil }
func (c Claims) GetIssuer() (string, error)               { return c.Iss, nil }
func (c Claims) GetSubject() (string, error)               { return c.Sub, nil }
func (c Claims) GetAudience() (jwt.ClaimStrings, error)     { return jwt.ClaimStrings{c.Aud}, nil }

// Verify verifies a compact RS256 JWS against a JWKS document (as raw
// JSON bytes) and returns its claims. It performs exactly the steps
// spec.md's JwtVerifier contract requires: split into three parts, decode
// the header to find kid, select the single sig key with that kid,
// reconstruct the RSA public key from n/e, and verify the signature.
func Verify(token string, jwksJSON []byte) (*Claims, error) {
	var keySet jwks
	if err := json.Unmarshal(jwksJSON, &keySet); err != nil {
		return nil, fmt.Errorf("upstreamjwt: parse jwks: %w", err)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return publicKeyForKid(keySet, kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, translateError(err)
	}

	return &claims, nil
}

func publicKeyForKid(set jwks, kid string) (*rsa.PublicKey, error) {
	var matches []jwk
	for _, k := range set.Keys {
		if k.Kid == kid && k.Use == "sig" {
			matches = append(matches, k)
		}
	}
	if len(matches) != 1 {
		return nil, ErrKeyNotFound
	}
	match := matches[0]

	nBytes, err := base64.RawURLEncoding.DecodeString(match.N)
	if err != nil {
		return nil, fmt.Errorf("upstreamjwt: decode n: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(match.E)
	if err != nil {
		return nil, fmt.Errorf("upstreamjwt: decode e: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func translateError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	default:
		return fmt.Errorf("upstreamjwt: %w", err)
	}
}

// ValidateClaims applies spec.md's post-verify claim checks: aud equals
// the provider's client_id, email matches the expected (normalized)
// address, iat <= now < exp, and (when issuer is configured) iss matches
// wantIssuer either exactly or with an "https://" prefix.
func ValidateClaims(c *Claims, wantAud, wantEmail, wantIssuer string, now time.Time) error {
	if c.Aud != wantAud {
		return fmt.Errorf("upstreamjwt: aud mismatch: got %q want %q", c.Aud, wantAud)
	}
	if c.Email != wantEmail {
		return fmt.Errorf("upstreamjwt: email mismatch: got %q want %q", c.Email, wantEmail)
	}
	nowUnix := now.Unix()
	if c.Iat > nowUnix || nowUnix >= c.Exp {
		return fmt.Errorf("upstreamjwt: token not currently valid (iat=%d exp=%d now=%d)", c.Iat, c.Exp, nowUnix)
	}
	if wantIssuer != "" && c.Iss != wantIssuer && c.Iss != "https://"+wantIssuer {
		return fmt.Errorf("upstreamjwt: iss mismatch: got %q want %q", c.Iss, wantIssuer)
	}
	return nil
}
