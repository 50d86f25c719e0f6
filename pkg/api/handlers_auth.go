package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"ciserver/pkg/api/middleware"
	"ciserver/pkg/auth"
	"ciserver/pkg/models"
	"ciserver/pkg/storage"
)

// CredentialsRequest is the payload for register and login.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned on successful register or login.
type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

func bindCredentials(c *gin.Context) (CredentialsRequest, bool) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password required"})
		return req, false
	}
	req.Email = strings.TrimSpace(req.Email)
	return req, true
}

// register handles POST /api/auth/register
func (s *Server) register(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to create user"})
		return
	}

	user := &models.User{Email: req.Email, PasswordHash: hash}
	if err := s.users.CreateUser(c.Request.Context(), user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "User already exists"})
			return
		}
		s.log.Error("create user failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to create user"})
		return
	}

	s.issueToken(c, http.StatusCreated, user)
}

// login handles POST /api/auth/login
func (s *Server) login(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}

	user, err := s.users.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("lookup user failed", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	s.issueToken(c, http.StatusOK, user)
}

func (s *Server) issueToken(c *gin.Context, status int, user *models.User) {
	token, err := s.jwt.GenerateToken(user.ID, user.Email)
	if err != nil {
		s.log.Error("sign token failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}
	c.JSON(status, TokenResponse{Token: token, UserID: user.ID.String()})
}

// me handles GET /api/auth/me
func (s *Server) me(c *gin.Context) {
	claims, _ := middleware.GetUserFromContext(c)
	c.JSON(http.StatusOK, gin.H{
		"user_id": claims.UserID,
		"email":   claims.Email,
	})
}
