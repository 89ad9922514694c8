package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolforge/forge/pkg/config"
)

const testSecret = "test-signing-secret"

func signHS256(t *testing.T, secret string, mutate func(b *jwt.Builder)) string {
	t.Helper()
	b := jwt.NewBuilder().
		Subject("user-1").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}
	token, err := b.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func newVerifier(t *testing.T, cfg config.AuthConfig) *Verifier {
	t.Helper()
	v, err := NewVerifier(cfg)
	require.NoError(t, err)
	return v
}

func TestNewVerifier(t *testing.T) {
	t.Run("rejects unknown mode", func(t *testing.T) {
		_, err := NewVerifier(config.AuthConfig{Mode: "maybe"})
		assert.Error(t, err)
	})

	t.Run("verify mode requires signing key", func(t *testing.T) {
		_, err := NewVerifier(config.AuthConfig{Mode: config.AuthModeVerify})
		assert.Error(t, err)
	})

	t.Run("rejects malformed PEM", func(t *testing.T) {
		_, err := NewVerifier(config.AuthConfig{
			Mode:       config.AuthModeVerify,
			SigningKey: "-----BEGIN PUBLIC KEY-----\nnot a key\n-----END PUBLIC KEY-----",
		})
		assert.Error(t, err)
	})
}

func TestAuthenticateTrustMode(t *testing.T) {
	v := newVerifier(t, config.AuthConfig{Mode: config.AuthModeTrust, ClaimsPath: "sub"})

	t.Run("decodes without verifying signature", func(t *testing.T) {
		// Signed with a key the verifier never sees.
		raw := signHS256(t, "some-other-secret", nil)
		userID, err := v.Authenticate(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, "user-1", userID)
	})

	t.Run("rejects wrong segment count", func(t *testing.T) {
		for _, raw := range []string{"", "abc", "a.b", "a.b.c.d", ".b.c"} {
			_, err := v.Authenticate(context.Background(), raw)
			assert.ErrorIs(t, err, ErrInvalidToken, "token %q", raw)
		}
	})

	t.Run("rejects garbage payload", func(t *testing.T) {
		_, err := v.Authenticate(context.Background(), "aGVhZGVy.bm90LWpzb24.c2ln")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthenticateVerifyHS256(t *testing.T) {
	v := newVerifier(t, config.AuthConfig{
		Mode:       config.AuthModeVerify,
		SigningKey: testSecret,
		ClaimsPath: "sub",
	})

	t.Run("accepts valid signature", func(t *testing.T) {
		userID, err := v.Authenticate(context.Background(), signHS256(t, testSecret, nil))
		require.NoError(t, err)
		assert.Equal(t, "user-1", userID)
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		_, err := v.Authenticate(context.Background(), signHS256(t, "wrong-secret", nil))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("rejects expired token", func(t *testing.T) {
		raw := signHS256(t, testSecret, func(b *jwt.Builder) {
			b.Expiration(time.Now().Add(-time.Minute))
		})
		_, err := v.Authenticate(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthenticateVerifyRS256(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	v := newVerifier(t, config.AuthConfig{
		Mode:       config.AuthModeVerify,
		SigningKey: string(pubPEM),
		ClaimsPath: "sub",
	})

	token, err := jwt.NewBuilder().
		Subject("rsa-user").
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)

	t.Run("accepts valid signature", func(t *testing.T) {
		signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, priv))
		require.NoError(t, err)
		userID, err := v.Authenticate(context.Background(), string(signed))
		require.NoError(t, err)
		assert.Equal(t, "rsa-user", userID)
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, other))
		require.NoError(t, err)
		_, err = v.Authenticate(context.Background(), string(signed))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthenticateUnsupportedAlgorithm(t *testing.T) {
	v := newVerifier(t, config.AuthConfig{
		Mode:       config.AuthModeVerify,
		SigningKey: testSecret,
		ClaimsPath: "sub",
	})

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	token, err := jwt.NewBuilder().
		Subject("ec-user").
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.ES256, priv))
	require.NoError(t, err)

	_, err = v.Authenticate(context.Background(), string(signed))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestClaimsPath(t *testing.T) {
	t.Run("dotted path into nested claim", func(t *testing.T) {
		v := newVerifier(t, config.AuthConfig{Mode: config.AuthModeTrust, ClaimsPath: "user.id"})
		raw := signHS256(t, testSecret, func(b *jwt.Builder) {
			b.Claim("user", map[string]interface{}{"id": "u-42"})
		})
		userID, err := v.Authenticate(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, "u-42", userID)
	})

	t.Run("numeric claim is stringified", func(t *testing.T) {
		v := newVerifier(t, config.AuthConfig{Mode: config.AuthModeTrust, ClaimsPath: "uid"})
		raw := signHS256(t, testSecret, func(b *jwt.Builder) {
			b.Claim("uid", 12345)
		})
		userID, err := v.Authenticate(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, "12345", userID)
	})

	t.Run("missing claim fails", func(t *testing.T) {
		v := newVerifier(t, config.AuthConfig{Mode: config.AuthModeTrust, ClaimsPath: "tenant.user"})
		_, err := v.Authenticate(context.Background(), signHS256(t, testSecret, nil))
		assert.ErrorIs(t, err, ErrMissingClaim)
	})
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("secret-key", "secret-key"))
	assert.False(t, SecureCompare("secret-kez", "secret-key"))
	assert.False(t, SecureCompare("short", "secret-key"))
	assert.False(t, SecureCompare("", ""))
}

func TestMiddleware(t *testing.T) {
	v := newVerifier(t, config.AuthConfig{Mode: config.AuthModeTrust, ClaimsPath: "sub"})

	var gotUser, gotToken string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserID(r.Context())
		gotToken = BearerToken(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("stores user id and token on context", func(t *testing.T) {
		raw := signHS256(t, testSecret, nil)
		req := httptest.NewRequest(http.MethodGet, "/agent-api/chat", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "user-1", gotUser)
		assert.Equal(t, raw, gotToken)
	})

	t.Run("missing header is 401 with no detail", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/agent-api/chat", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
	})

	t.Run("malformed token is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/agent-api/chat", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireAdmin(t *testing.T) {
	key := func() string { return "admin-key" }
	handler := RequireAdmin(key)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"correct key", "Bearer admin-key", http.StatusOK},
		{"wrong key", "Bearer nope-key1", http.StatusUnauthorized},
		{"wrong length", "Bearer admin", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/forge-admin/config", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}

	t.Run("empty key rejects everything", func(t *testing.T) {
		locked := RequireAdmin(func() string { return "" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		req := httptest.NewRequest(http.MethodGet, "/forge-admin/config", nil)
		req.Header.Set("Authorization", "Bearer ")
		rec := httptest.NewRecorder()
		locked.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rotated key takes effect on the next request", func(t *testing.T) {
		current := "first-key"
		rotating := RequireAdmin(func() string { return current })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		send := func(key string) int {
			req := httptest.NewRequest(http.MethodGet, "/forge-admin/config", nil)
			req.Header.Set("Authorization", "Bearer "+key)
			rec := httptest.NewRecorder()
			rotating.ServeHTTP(rec, req)
			return rec.Code
		}

		assert.Equal(t, http.StatusOK, send("first-key"))
		current = "later-key"
		assert.Equal(t, http.StatusUnauthorized, send("first-key"))
		assert.Equal(t, http.StatusOK, send("later-key"))
	})
}
