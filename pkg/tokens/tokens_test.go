package tokens

import (
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s, err := NewSigner(key)
	require.NoError(t, err)
	return s
}

func assertURLSafe(t *testing.T, s string) {
	t.Helper()
	assert.False(t, strings.ContainsAny(s, "+/="), "value %q is not URL-safe", s)
}

func TestGenerateNonce(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		nonce, err := GenerateNonce()
		require.NoError(t, err)
		require.Len(t, nonce, NonceLength)
		assertURLSafe(t, nonce)

		_, dup := seen[nonce]
		require.False(t, dup, "duplicate nonce after %d calls", i)
		seen[nonce] = struct{}{}
	}
}

func TestGenerateAuthCode(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		minLen int
	}{
		{name: "default", n: 0, minLen: DefaultAuthCodeBytes},
		{name: "thirty", n: 30, minLen: 30},
		{name: "one", n: 1, minLen: 1},
		{name: "large", n: 64, minLen: 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := GenerateAuthCode(tt.n)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(code), tt.minLen)
			assertURLSafe(t, code)
		})
	}
}

func TestOIDCState_StableForProcess(t *testing.T) {
	first := OIDCState()
	assert.Len(t, first, NonceLength)
	assert.Equal(t, first, OIDCState())
}

func TestNewSigner_RequiresKey(t *testing.T) {
	_, err := NewSigner(nil)
	assert.Error(t, err)
}

func TestSigner_Sign(t *testing.T) {
	s := newTestSigner(t)

	before := time.Now()
	token, err := s.Sign("https://idp.example.gov/api/openid_connect/token", "urn:client")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.PublicKey(), nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.True(t, parsed.Valid)

	assert.Equal(t, "urn:client", claims["iss"])
	assert.Equal(t, "urn:client", claims["sub"])

	aud, err := claims.GetAudience()
	require.NoError(t, err)
	assert.Equal(t, jwt.ClaimStrings{"https://idp.example.gov/api/openid_connect/token"}, aud)

	jti, _ := claims["jti"].(string)
	assert.Len(t, jti, NonceLength)

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, exp.Unix(), before.Add(299*time.Second).Unix())
	assert.LessOrEqual(t, exp.Unix(), time.Now().Add(301*time.Second).Unix())
}

func TestSigner_SignUsesFreshJTI(t *testing.T) {
	s := newTestSigner(t)
	a, err := s.Sign("aud", "client")
	require.NoError(t, err)
	b, err := s.Sign("aud", "client")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSigner_Verify(t *testing.T) {
	s := newTestSigner(t)
	token, err := s.Sign("https://gis.example.gov", "arcgis-client")
	require.NoError(t, err)

	claims, err := s.Verify(token, "https://gis.example.gov")
	require.NoError(t, err)
	assert.Equal(t, "arcgis-client", claims.Subject)

	_, err = s.Verify(token, "https://other.example.gov")
	assert.Error(t, err)

	other := newTestSigner(t)
	_, err = other.Verify(token, "https://gis.example.gov")
	assert.Error(t, err)

	s.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	_, err = s.Verify(token, "https://gis.example.gov")
	assert.Error(t, err, "expired token must not verify")
}
