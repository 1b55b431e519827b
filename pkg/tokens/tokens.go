// Package tokens generates the random values and signed assertions used on
// both sides of the relay: client assertions sent to the identity provider
// and the opaque codes and bearer tokens handed to the GIS platform.
package tokens

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// NonceLength is the exact length of every nonce.
	NonceLength = 50
	// DefaultAuthCodeBytes is the entropy of a relay authorization code.
	DefaultAuthCodeBytes = 30
	// AssertionTTL is the lifetime of a signed assertion.
	AssertionTTL = 300 * time.Second
)

// 38 random bytes encode to 51 URL-safe characters.
const nonceBytes = (NonceLength*6 + 7) / 8

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateNonce returns a URL-safe random string of exactly NonceLength characters.
func GenerateNonce() (string, error) {
	s, err := randomURLSafe(nonceBytes)
	if err != nil {
		return "", err
	}
	return s[:NonceLength], nil
}

// GenerateAuthCode returns an unpadded URL-safe encoding of n random bytes.
// The result is always at least n characters long. n <= 0 uses DefaultAuthCodeBytes.
func GenerateAuthCode(n int) (string, error) {
	if n <= 0 {
		n = DefaultAuthCodeBytes
	}
	return randomURLSafe(n)
}

var (
	processState     string
	processStateOnce sync.Once
)

// OIDCState returns a state value generated once per process. It backs the
// shared-state login mode only; per-flow state comes from GenerateNonce.
func OIDCState() string {
	processStateOnce.Do(func() {
		s, err := GenerateNonce()
		if err != nil {
			panic(fmt.Sprintf("generate process state: %v", err))
		}
		processState = s
	})
	return processState
}

// Signer issues RS256 assertions with a key loaded once at startup.
type Signer struct {
	key *rsa.PrivateKey
	now func() time.Time
}

// NewSigner returns a signer for key. A nil key is a startup error.
func NewSigner(key *rsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	return &Signer{key: key, now: time.Now}, nil
}

// PublicKey returns the verification key for issued tokens
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Sign returns a JWT with iss and sub set to clientID, aud set to audience,
// a fresh nonce as jti, and an expiry AssertionTTL from now.
func (s *Signer) Sign(audience, clientID string) (string, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{audience},
		ID:        nonce,
		ExpiresAt: jwt.NewNumericDate(s.now().Add(AssertionTTL)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

// Verify parses a token issued by this signer and checks its audience.
func (s *Signer) Verify(token, audience string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.PublicKey(), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return claims, nil
}
