package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voiceavatar/api/internal/config"
)

type oidcServer struct {
	*httptest.Server
	key *rsa.PrivateKey
}

func newOIDCServer(t *testing.T) *oidcServer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &oidcServer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":   s.URL,
			"jwks_uri": s.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "test-key",
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *oidcServer) sign(t *testing.T, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func TestJWKSVerifier(t *testing.T) {
	srv := newOIDCServer(t)

	v, err := NewJWKSVerifier(&config.OIDCConfig{Issuer: srv.URL + "/", ClientID: "web"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })

	valid := Claims{
		UserID: "user-1",
		Email:  "u@example.com",
		Name:   "User One",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    srv.URL,
			Audience:  jwt.ClaimStrings{"web"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	t.Run("valid token", func(t *testing.T) {
		claims, err := v.Validate(srv.sign(t, valid))
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UserID)
		assert.Equal(t, "User One", claims.Name)
	})

	t.Run("wrong audience", func(t *testing.T) {
		c := valid
		c.Audience = jwt.ClaimStrings{"other"}
		_, err := v.Validate(srv.sign(t, c))
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := valid
		c.Issuer = "https://elsewhere.example.com"
		_, err := v.Validate(srv.sign(t, c))
		assert.Error(t, err)
	})

	t.Run("missing expiry", func(t *testing.T) {
		c := valid
		c.ExpiresAt = nil
		_, err := v.Validate(srv.sign(t, c))
		assert.Error(t, err)
	})
}

func TestNewJWKSVerifier_Errors(t *testing.T) {
	_, err := NewJWKSVerifier(&config.OIDCConfig{})
	assert.Error(t, err)

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err = NewJWKSVerifier(&config.OIDCConfig{Issuer: srv.URL})
	assert.ErrorContains(t, err, "discover")
}

func TestLegacyToken(t *testing.T) {
	now := time.Now()

	token, err := SignLegacyToken("secret", "user-1", "u@example.com", time.Hour, now)
	require.NoError(t, err)

	claims, err := ValidateLegacyToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "u@example.com", claims.Email)
	assert.Equal(t, LegacyIssuer, claims.Issuer)

	_, err = ValidateLegacyToken(token, "other-secret")
	assert.Error(t, err)

	expired, err := SignLegacyToken("secret", "user-1", "", time.Hour, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = ValidateLegacyToken(expired, "secret")
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = SignLegacyToken("", "user-1", "", time.Hour, now)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	tok, ok = BearerToken("bearer xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", tok)

	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer "} {
		_, ok := BearerToken(h)
		assert.False(t, ok, h)
	}
}
