package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	j := NewJWT("secret")
	token, err := j.Sign("tenant-1", time.Hour)
	require.NoError(t, err)

	owner, err := j.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", owner)
}

func TestVerifyRejects(t *testing.T) {
	j := NewJWT("secret")

	expired, err := j.Sign("tenant-1", -time.Minute)
	require.NoError(t, err)
	_, err = j.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign, err := NewJWT("other").Sign("tenant-1", time.Hour)
	require.NoError(t, err)
	_, err = j.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tenant-1"}).
		SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = j.Verify(noExpiry)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = j.Verify("not-a-token")
	assert.Error(t, err)
}

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(OwnerFromContext(r.Context())))
	})
}

func TestAuthenticateWithJWT(t *testing.T) {
	j := NewJWT("secret")
	h := Authenticate(j)(ownerEcho())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := j.Sign("tenant-1", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(TenantHeader, "spoofed")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant-1", rec.Body.String())
}

func TestAuthenticateWithoutJWT(t *testing.T) {
	h := Authenticate(nil)(ownerEcho())

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set(TenantHeader, "tenant-2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "tenant-2", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, DefaultOwner, rec.Body.String())
}
