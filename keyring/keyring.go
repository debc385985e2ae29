// Package keyring manages the broker's RSA signing keys: loading them from
// PEM files, signing RS256 compact JWS tokens, and publishing the public
// half as a JWKS document.
//
// Grounded on the original implementation's crypto.rs (NamedKey, sign_jws,
// public_jwk) and on the teacher's crypto/jwt.go for the Go error-translation
// idiom, generalized here from a single HMAC secret to a multi-key RSA ring.
package keyring

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoValidKey is returned by Sign when no loaded key is valid at the
	// signing time.
	ErrNoValidKey = errors.New("keyring: no valid signing key")
	// ErrNoPEMBlock is returned when a file contains no PEM-encoded key.
	ErrNoPEMBlock = errors.New("keyring: no PEM block found")
)

const metadataBegin = "-----BEGIN PORTIER METADATA-----"
const metadataEnd = "-----END PORTIER METADATA-----"

// NamedKey is one RSA private key plus its derived kid and optional
// not-valid-before time.
type NamedKey struct {
	ID        string
	Key       *rsa.PrivateKey
	ValidFrom *time.Time
}

// IsValidAt reports whether the key may be used to sign at t.
func (k *NamedKey) IsValidAt(t time.Time) bool {
	if k.ValidFrom == nil {
		return true
	}
	return !t.Before(*k.ValidFrom)
}

// PublicJWK returns this key's public half as a JWK map.
func (k *NamedKey) PublicJWK() map[string]string {
	return map[string]string{
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"kid": k.ID,
		"n":   base64.RawURLEncoding.EncodeToString(k.Key.PublicKey.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(bigEndianMinimal(k.Key.PublicKey.E)),
	}
}

func bigEndianMinimal(e int) []byte {
	buf := []byte{byte(e >> 16), byte(e >> 8), byte(e)}
	i := 0
	for i < len(buf)-1 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// kidFromPublicKey derives the kid exactly as the original implementation
// does: SHA256 of the public exponent bytes, a literal ".", then the
// modulus bytes, URL-safe base64 encoded.
func kidFromPublicKey(pub *rsa.PublicKey) string {
	h := sha256.New()
	h.Write(bigEndianMinimal(pub.E))
	h.Write([]byte("."))
	h.Write(pub.N.Bytes())
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}

// NewNamedKeyFromPEM parses a PEM-encoded RSA private key, optionally
// carrying a "-----BEGIN PORTIER METADATA-----" block with a valid_from
// line (RFC 3339).
func NewNamedKeyFromPEM(pemBytes []byte) (*NamedKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keyring: parse private key: %w", err)
	}

	validFrom, err := parseMetadataValidFrom(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("keyring: parse metadata: %w", err)
	}

	return &NamedKey{
		ID:        kidFromPublicKey(&key.PublicKey),
		Key:       key,
		ValidFrom: validFrom,
	}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return rsaKey, nil
}

func parseMetadataValidFrom(pemBytes []byte) (*time.Time, error) {
	text := string(pemBytes)
	start := strings.Index(text, metadataBegin)
	if start == -1 {
		return nil, nil
	}
	end := strings.Index(text, metadataEnd)
	if end == -1 || end < start {
		return nil, nil
	}
	body := text[start+len(metadataBegin) : end]

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "valid_from") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		val := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		t, err := time.Parse(time.RFC3339, val)
		if err != nil {
			return nil, fmt.Errorf("invalid valid_from %q: %w", val, err)
		}
		return &t, nil
	}
	return nil, nil
}

// KeyRing is an ordered, immutable-after-construction set of signing keys.
type KeyRing struct {
	keys []*NamedKey
}

// LoadFiles loads and parses one NamedKey per path, preserving load order.
func LoadFiles(paths []string) (*KeyRing, error) {
	keys := make([]*NamedKey, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("keyring: read %q: %w", path, err)
		}
		key, err := NewNamedKeyFromPEM(raw)
		if err != nil {
			return nil, fmt.Errorf("keyring: %q: %w", path, err)
		}
		keys = append(keys, key)
	}
	return &KeyRing{keys: keys}, nil
}

// New wraps an already-loaded, ordered set of keys.
func New(keys []*NamedKey) *KeyRing {
	return &KeyRing{keys: keys}
}

// Sign builds a compact RS256 JWS over claims, selecting among keys valid
// at now the last one in load order.
func (r *KeyRing) Sign(claims jwt.Claims) (string, error) {
	key := r.signingKeyAt(time.Now())
	if key == nil {
		return "", ErrNoValidKey
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID
	return token.SignedString(key.Key)
}

func (r *KeyRing) signingKeyAt(now time.Time) *NamedKey {
	var selected *NamedKey
	for _, k := range r.keys {
		if k.IsValidAt(now) {
			selected = k
		}
	}
	return selected
}

// PublishJWKS renders the JWKS JSON document for every loaded key,
// regardless of valid_from, so verifiers retain pre-rotation visibility.
func (r *KeyRing) PublishJWKS() []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"keys":[`)
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		jwk := k.PublicJWK()
		fmt.Fprintf(&buf, `{"kty":%q,"alg":%q,"use":%q,"kid":%q,"n":%q,"e":%q}`,
			jwk["kty"], jwk["alg"], jwk["use"], jwk["kid"], jwk["n"], jwk["e"])
	}
	buf.WriteString(`]}`)
	return buf.Bytes()
}

// Len returns the number of loaded keys.
func (r *KeyRing) Len() int {
	return len(r.keys)
}
