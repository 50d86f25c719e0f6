package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	. "ciserver/pkg/api/middleware"

	"github.com/gin-gonic/gin"
)

func TestValidator_ValidateRepoURL_AcceptsRepositories(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	for _, raw := range []string{
		"https://github.com/acme/app",
		"https://github.com/acme/app.git",
		"http://git.internal:8080/team/repo",
		"ssh://git@github.com/acme/app.git",
		"git@github.com:acme/app.git",
	} {
		if err := v.ValidateRepoURL(raw); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", raw, err)
		}
	}
}

func TestValidator_ValidateRepoURL_Rejects(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	for _, raw := range []string{
		"",
		"github.com/acme/app",
		"file:///etc/passwd",
		"ftp://example.com/repo",
		"not a url",
	} {
		if err := v.ValidateRepoURL(raw); err == nil {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
}

func TestValidator_ValidateRepoURL_RejectsTooLong(t *testing.T) {
	config := DefaultValidatorConfig()
	config.MaxURLLength = 20
	v := NewValidator(config)

	if err := v.ValidateRepoURL("https://github.com/acme/very-long-name"); err == nil {
		t.Error("expected error for too long URL")
	}
}

func TestValidator_ValidateBranch(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	for _, ok := range []string{"main", "feature/login", "release-1.2", "v2_hotfix"} {
		if err := v.ValidateBranch(ok); err != nil {
			t.Errorf("expected branch %q to be valid, got %v", ok, err)
		}
	}
	for _, bad := range []string{"", "-upload-pack=evil", "a..b", "trailing/", "x.lock", "has space", "semi;colon"} {
		if err := v.ValidateBranch(bad); err == nil {
			t.Errorf("expected branch %q to be rejected", bad)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Field:   "branch",
		Message: "is required",
	}

	expected := "branch: is required"
	if err.Error() != expected {
		t.Errorf("expected '%s', got '%s'", expected, err.Error())
	}
}

func TestBodySizeLimitMiddleware_RejectsLargeBody(t *testing.T) {
	router := gin.New()
	router.Use(BodySizeLimitMiddleware(8))
	router.POST("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/test", strings.NewReader("0123456789")))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextRequestIDKey))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	if got := w.Header().Get("X-Request-ID"); got == "" || got != w.Body.String() {
		t.Errorf("expected generated request id to be echoed, header=%q body=%q", got, w.Body.String())
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "abc")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("expected incoming request id to be kept, got %q", got)
	}
}
