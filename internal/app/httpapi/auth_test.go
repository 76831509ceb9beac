package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject string, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticateJWT(t *testing.T) {
	a := NewAuthenticator(testSecret, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/vms", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "0xWallet", testSecret))

	id := a.Authenticate(r)
	require.NotNil(t, id)
	assert.Equal(t, "0xwallet", id.UserID, "identity is lower-cased")
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	a := NewAuthenticator(testSecret, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/vms", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "0xwallet", "other-secret"))
	assert.Nil(t, a.Authenticate(r))
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	a := NewAuthenticator(testSecret, nil, nil)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "0xwallet",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/vms", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	assert.Nil(t, a.Authenticate(r))
}

func TestAuthenticateAPIKey(t *testing.T) {
	a := NewAuthenticator("", map[string]string{"key-123": "0xWallet"}, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/vms", nil)
	r.Header.Set("X-API-Key", "key-123")

	id := a.Authenticate(r)
	require.NotNil(t, id)
	assert.Equal(t, "0xwallet", id.UserID)

	r = httptest.NewRequest(http.MethodGet, "/api/vms", nil)
	r.Header.Set("X-API-Key", "wrong")
	assert.Nil(t, a.Authenticate(r))
}

func TestMiddlewareBehavior(t *testing.T) {
	a := NewAuthenticator(testSecret, map[string]string{"key-123": "0xwallet"}, nil)
	var sawIdentity *Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawIdentity, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := a.Middleware(next)

	// Public path bypasses auth.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Node agent path bypasses tenant auth.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/nodes/register", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Tenant path without credentials is rejected.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vms", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Tenant path with an API key carries the identity through.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/vms", nil)
	req.Header.Set("X-API-Key", "key-123")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, sawIdentity)
	assert.Equal(t, "0xwallet", sawIdentity.UserID)
}
