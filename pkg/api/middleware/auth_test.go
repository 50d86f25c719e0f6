package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "ciserver/pkg/api/middleware"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ciserver/pkg/auth"
)

func authRouter(t *testing.T) (*gin.Engine, *auth.JWTService) {
	t.Helper()
	svc, err := auth.NewJWTService(auth.JWTConfig{SecretKey: "secret", TokenExpiry: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	router := gin.New()
	router.Use(AuthMiddleware(AuthConfig{JWTService: svc, SkipPaths: []string{"/public/*"}}))
	router.GET("/private", func(c *gin.Context) {
		claims, ok := GetUserFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, claims.Email)
	})
	router.GET("/public/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return router, svc
}

func TestAuthMiddleware_AcceptsBearerToken(t *testing.T) {
	router, svc := authRouter(t)
	token, err := svc.GenerateToken(uuid.New(), "dev@example.com")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "dev@example.com" {
		t.Errorf("expected 200 with email, got %d %q", w.Code, w.Body.String())
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	router, _ := authRouter(t)

	for name, header := range map[string]string{
		"missing":   "",
		"no scheme": "token",
		"basic":     "Basic dXNlcjpwYXNz",
		"garbage":   "Bearer garbage",
	} {
		req := httptest.NewRequest("GET", "/private", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, w.Code)
		}
	}
}

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	router, _ := authRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/public/ping", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected skipped path to pass, got %d", w.Code)
	}
}
