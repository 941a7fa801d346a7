package http

import (
	"net/http"
	"strings"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/services"
	"twine/pkg/errors"
	"twine/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
		api.POST("/refresh", h.RefreshToken)
	}
}

type TokenRequest struct {
	UserID      string `json:"userId"`
	Username    string `json:"username" binding:"required,max=50"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type RefreshTokenRequest struct {
	Token string `json:"token" binding:"required,max=2048"`
}

// IssueToken hands out a relay token for the given identity. The relay has no
// user store; a missing user id gets a fresh one.
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.UserID == "" {
		req.UserID = uuid.New().String()
	}

	if err := validation.ValidateUserID(req.UserID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	identity := domain.Identity{
		UserID:      domain.UserID(req.UserID),
		Username:    req.Username,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	}
	token, err := h.authService.GenerateToken(identity)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":    identity.UserID,
		"username":   identity.Username,
		"token":      token,
		"expires_in": int(h.tokenTTL / time.Second),
	})
}

// RefreshToken reissues a still-valid token with a new expiry.
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	claims, err := h.authService.ValidateToken(req.Token)
	if err != nil {
		c.Error(err)
		return
	}

	token, err := h.authService.GenerateToken(claims.Identity())
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(h.tokenTTL / time.Second),
	})
}
