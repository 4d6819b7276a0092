package push

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "duocall-backend/pkg/errors"
	"duocall-backend/pkg/logger"
	"duocall-backend/pkg/push"
	"duocall-backend/pkg/response"
)

// TokenRegistry manages the devices that ring for incoming calls
type TokenRegistry interface {
	RegisterToken(ctx context.Context, token *push.Token) error
	UnregisterToken(ctx context.Context, userID, token string) error
	GetTokensByUserID(ctx context.Context, userID string) ([]*push.Token, error)
}

// Handler handles push notification HTTP requests
type Handler struct {
	pushService TokenRegistry
	now         func() time.Time
}

// NewHandler creates a new push notification handler
func NewHandler(pushService TokenRegistry) *Handler {
	return &Handler{
		pushService: pushService,
		now:         time.Now,
	}
}

// RegisterRoutes mounts the token endpoints on v1
func (h *Handler) RegisterRoutes(v1 *gin.RouterGroup) {
	tokens := v1.Group("/push/tokens")
	{
		tokens.GET("", h.GetTokens)
		tokens.POST("", h.RegisterToken)
		tokens.DELETE("", h.UnregisterToken)
	}
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns web"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterToken registers a push notification token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID := c.GetString("user_id")

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	now := h.now().Unix()
	token := &push.Token{
		UserID:    userID,
		Token:     req.Token,
		Type:      req.Type,
		DeviceID:  req.DeviceID,
		Platform:  req.Platform,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to register push token",
			zap.String("user_id", userID),
			zap.Error(err))
		response.AppError(c, apperrors.InternalError("Failed to register token"))
		return
	}

	logger.FromContext(c.Request.Context()).Info("Push token registered",
		zap.String("user_id", userID),
		zap.String("token_type", string(req.Type)),
		zap.String("platform", req.Platform))

	response.Success(c, http.StatusCreated, token)
}

// UnregisterTokenRequest represents request to unregister a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// UnregisterToken removes one of the user's push tokens. Tokens owned by
// someone else are left untouched.
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID := c.GetString("user_id")

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), userID, req.Token); err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to unregister push token",
			zap.String("user_id", userID),
			zap.Error(err))
		response.AppError(c, apperrors.InternalError("Failed to unregister token"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Token unregistered"})
}

// GetTokens returns the push tokens of the authenticated user
// GET /v1/push/tokens
func (h *Handler) GetTokens(c *gin.Context) {
	userID := c.GetString("user_id")

	tokens, err := h.pushService.GetTokensByUserID(c.Request.Context(), userID)
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to get push tokens",
			zap.String("user_id", userID),
			zap.Error(err))
		response.AppError(c, apperrors.InternalError("Failed to get tokens"))
		return
	}
	if tokens == nil {
		tokens = []*push.Token{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"tokens": tokens,
		"count":  len(tokens),
	})
}
