package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/api/middleware"
	"github.com/leozw/partner-guardian/internal/auth"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/db"
)

const minPasswordLength = 8

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	user, err := h.store.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		h.respondError(c, err, "Failed to log in")
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid username or password"})
		return
	}

	token, _, err := h.tokens.GenerateToken(user)
	if err != nil {
		h.respondError(c, err, "Failed to issue token")
		return
	}

	now := h.now()
	if err := h.store.TouchLastLogin(c.Request.Context(), user.ID, now); err != nil {
		h.logger.Warn("Failed to record last login", zap.Error(err))
	} else {
		user.LastLogin = &now
	}

	c.JSON(http.StatusOK, core.LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        *user,
	})
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.store.GetUser(c.Request.Context(), c.GetString(middleware.ContextUserID))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User no longer exists"})
			return
		}
		h.respondError(c, err, "Failed to load user")
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "currentPassword and newPassword are required"})
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "New password must be at least 8 characters"})
		return
	}

	ctx := c.Request.Context()
	user, err := h.store.GetUser(ctx, c.GetString(middleware.ContextUserID))
	if err != nil {
		h.respondError(c, err, "Failed to load user")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.CurrentPassword) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Current password is incorrect"})
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.respondError(c, err, "Failed to change password")
		return
	}
	if err := h.store.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		h.respondError(c, err, "Failed to change password")
		return
	}

	h.logger.Info("Password changed", zap.String("user_id", user.ID))
	c.JSON(http.StatusOK, gin.H{"message": "Password changed successfully"})
}
