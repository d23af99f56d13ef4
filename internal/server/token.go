package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type tokenResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (h *httpHandler) handleTokenRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		fields := []zap.Field{zap.String("user_id", claims.UserID), zap.String("user_name", claims.UserName), zap.Error(err)}
		switch {
		case errors.Is(err, auth.ErrCredentialStore):
			h.logger.Error("crm user lookup failed", fields...)
			c.JSON(http.StatusInternalServerError, errorResponse{Success: false, Error: "Internal server error"})
			return
		case errors.Is(err, auth.ErrMissingSessionToken), errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session validation failed", fields...)
		default:
			h.logger.Warn("session validation failed", fields...)
		}
		c.JSON(http.StatusUnauthorized, errorResponse{Success: false, Error: "Unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.CreateToken(claims.UserID, h.tokenTTL)
	if err != nil {
		h.logger.Error("failed to issue websocket token",
			zap.String("user_id", claims.UserID),
			zap.String("user_name", claims.UserName),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Success: false, Error: "Failed to issue token"})
		return
	}
	h.logger.Debug("websocket token issued",
		zap.String("user_id", claims.UserID),
		zap.String("user_name", claims.UserName))

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, tokenResponse{
		Success:   true,
		Token:     token,
		ExpiresIn: expiresIn,
	})
}
