package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func signTestToken(t *testing.T, accountID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  accountID,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(viper.GetString("jwt.secret")))
	assert.NoError(t, err)
	return token
}

func TestAuthMiddleware(t *testing.T) {
	viper.Set("jwt.secret", "test-secret")

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, _ := r.Context().Value("accountID").(string)
		role, _ := r.Context().Value("role").(string)
		w.Header().Set("X-Account", accountID)
		w.Header().Set("X-Role", role)
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid token populates context", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		InitAuthMiddleware(rdb)
		defer InitAuthMiddleware(nil)

		token := signTestToken(t, "acc-1", "user")
		mock.ExpectExists("blacklist:" + token).SetVal(0)

		req := httptest.NewRequest("GET", "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		AuthMiddleware(echo).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "acc-1", w.Header().Get("X-Account"))
		assert.Equal(t, "user", w.Header().Get("X-Role"))
	})

	t.Run("blacklisted token rejected", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		InitAuthMiddleware(rdb)
		defer InitAuthMiddleware(nil)

		token := signTestToken(t, "acc-1", "user")
		mock.ExpectExists("blacklist:" + token).SetVal(1)

		req := httptest.NewRequest("GET", "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		AuthMiddleware(echo).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/profile", nil)
		w := httptest.NewRecorder()

		AuthMiddleware(echo).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/profile", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		w := httptest.NewRecorder()

		AuthMiddleware(echo).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		viper.Set("jwt.secret", "other-secret")
		token := signTestToken(t, "acc-1", "user")
		viper.Set("jwt.secret", "test-secret")

		req := httptest.NewRequest("GET", "/profile", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		AuthMiddleware(echo).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAdminMiddleware(t *testing.T) {
	viper.Set("jwt.secret", "test-secret")

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("admin role passes", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		InitAuthMiddleware(rdb)
		defer InitAuthMiddleware(nil)

		token := signTestToken(t, "admin-1", "admin")
		mock.ExpectExists("blacklist:" + token).SetVal(0)

		req := httptest.NewRequest("GET", "/admin/topups", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		AuthMiddleware(AdminMiddleware(ok)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("user role forbidden", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		InitAuthMiddleware(rdb)
		defer InitAuthMiddleware(nil)

		token := signTestToken(t, "acc-1", "user")
		mock.ExpectExists("blacklist:" + token).SetVal(0)

		req := httptest.NewRequest("GET", "/admin/topups", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		AuthMiddleware(AdminMiddleware(ok)).ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}
