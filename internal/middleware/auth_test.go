package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servio-labs/servio/internal/models"
)

const testSecret = "unit-test-secret"

func mintToken(t *testing.T, secret, id, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":   id,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func invoke(t *testing.T, authHeader string) (*httptest.ResponseRecorder, models.Actor, bool) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/requests", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var actor models.Actor
	var resolved bool
	handler := JWT(testSecret)(func(c echo.Context) error {
		actor, resolved = Actor(c)
		return c.NoContent(http.StatusOK)
	})
	require.NoError(t, handler(c))
	return rec, actor, resolved
}

func TestJWTAcceptsValidToken(t *testing.T) {
	token := mintToken(t, testSecret, "user-1", "client")
	rec, actor, ok := invoke(t, "Bearer "+token)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ok)
	assert.Equal(t, "user-1", actor.ID)
	assert.Equal(t, models.RoleClient, actor.Role)
}

func TestJWTRejectsMissingHeader(t *testing.T) {
	rec, _, ok := invoke(t, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, ok)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	token := mintToken(t, "some-other-secret", "user-1", "client")
	rec, _, ok := invoke(t, "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, ok)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":   "user-1",
		"role": "client",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	rec, _, ok := invoke(t, "Bearer "+signed)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, ok)
}

func TestJWTRejectsTokenWithoutRole(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	rec, _, ok := invoke(t, "Bearer "+signed)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, ok)
}
