package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidatorConfig holds validation configuration
type ValidatorConfig struct {
	MaxBodySize     int64    // Maximum request body size in bytes
	AllowedSchemes  []string // Repository URL schemes
	MaxURLLength    int
	MaxBranchLength int
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize:     1 << 20, // 1MB
		AllowedSchemes:  []string{"https", "http", "ssh", "git"},
		MaxURLLength:    2048,
		MaxBranchLength: 255,
	}
}

var (
	// scpLikeURL matches git@host:owner/repo(.git).
	scpLikeURL = regexp.MustCompile(`^[A-Za-z0-9._-]+@[A-Za-z0-9.-]+:[A-Za-z0-9._~/-]+$`)
	branchName = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
)

// Validator performs request validation
type Validator struct {
	config ValidatorConfig
}

func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateRepoURL accepts absolute URLs with an allowed scheme and a host,
// plus scp-like ssh addresses.
func (v *Validator) ValidateRepoURL(raw string) error {
	if raw == "" {
		return &ValidationError{Field: "repo_url", Message: "repo_url is required"}
	}
	if len(raw) > v.config.MaxURLLength {
		return &ValidationError{Field: "repo_url", Message: "repo_url exceeds maximum length"}
	}
	if scpLikeURL.MatchString(raw) {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: "repo_url", Message: "repo_url must be an absolute repository URL"}
	}
	for _, scheme := range v.config.AllowedSchemes {
		if strings.EqualFold(u.Scheme, scheme) {
			return nil
		}
	}
	return &ValidationError{Field: "repo_url", Message: "unsupported URL scheme " + u.Scheme}
}

// ValidateBranch rejects names git would refuse or that could be read as options.
func (v *Validator) ValidateBranch(branch string) error {
	switch {
	case branch == "":
		return &ValidationError{Field: "branch", Message: "branch is required"}
	case len(branch) > v.config.MaxBranchLength:
		return &ValidationError{Field: "branch", Message: "branch exceeds maximum length"}
	case strings.HasPrefix(branch, "-"), strings.Contains(branch, ".."),
		strings.HasSuffix(branch, "/"), strings.HasSuffix(branch, ".lock"),
		!branchName.MatchString(branch):
		return &ValidationError{Field: "branch", Message: "invalid branch name"}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// RequestIDMiddleware echoes X-Request-ID or assigns a new one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
