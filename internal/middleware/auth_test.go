package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func signToken(t *testing.T, secret, userID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	assert.NoError(t, err)
	return signed
}

func TestAuthMiddleware(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")

	var gotUserID, gotRole string
	handler := AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserID(r)
		gotRole = Role(r)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token populates identity", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/wallet", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", "user1", "user"))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user1", gotUserID)
		assert.Equal(t, "user", gotRole)
	})

	t.Run("token without role defaults to user", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/wallet", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "test-secret", "user2", ""))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "user", gotRole)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/wallet", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/wallet", nil)
		req.Header.Set("Authorization", "Token abc")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token signed with the wrong secret", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/wallet", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", "user1", "user"))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := jwt.MapClaims{
			"user_id": "user1",
			"exp":     time.Now().Add(-time.Hour).Unix(),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		assert.NoError(t, err)

		req := httptest.NewRequest("GET", "/wallet", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAdminOnly(t *testing.T) {
	handler := AdminOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("admin role passes", func(t *testing.T) {
		req := httptest.NewRequest("PATCH", "/transactions/1/dispute/resolve", nil)
		ctx := context.WithValue(req.Context(), RoleKey, "admin")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req.WithContext(ctx))

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("regular user is rejected", func(t *testing.T) {
		req := httptest.NewRequest("PATCH", "/transactions/1/dispute/resolve", nil)
		ctx := context.WithValue(req.Context(), RoleKey, "user")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req.WithContext(ctx))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing role is rejected", func(t *testing.T) {
		req := httptest.NewRequest("PATCH", "/transactions/1/dispute/resolve", nil)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
