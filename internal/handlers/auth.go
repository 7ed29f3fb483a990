package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/validation"
)

// AuthHandler handles login, logout and the current user's account.
type AuthHandler struct {
	handlerBase
	authService  *services.AuthService
	secureCookie bool
}

// NewAuthHandler creates a new AuthHandler instance.
func NewAuthHandler(authService *services.AuthService, auditService *services.AuditService, secureCookie bool, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		handlerBase:  handlerBase{audit: auditService, logger: logger},
		authService:  authService,
		secureCookie: secureCookie,
	}
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code,omitempty"`
}

// Login authenticates and sets the session cookie.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	ip, ua := c.ClientIP(), c.GetHeader("User-Agent")
	user, session, err := h.authService.Login(services.LoginInput{
		Username:  req.Username,
		Password:  req.Password,
		TOTPCode:  req.TOTPCode,
		IPAddress: ip,
		UserAgent: ua,
	})
	switch {
	case errors.Is(err, services.ErrAccountLocked):
		_, remaining := h.authService.IsAccountLocked(req.Username)
		_ = h.audit.Log(services.AuditLog{Username: req.Username, Action: "login_blocked_locked", ResourceType: "auth", IPAddress: ip, UserAgent: ua})
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":               "account temporarily locked",
			"retry_after_seconds": int(remaining.Seconds()),
		})
		return
	case errors.Is(err, services.ErrTOTPRequired):
		c.JSON(http.StatusOK, gin.H{"requires_totp": true, "message": "2FA code required"})
		return
	case errors.Is(err, services.ErrInvalidTOTP):
		h.audit.LogAction(user, "2fa_failed", "auth", "", ip, ua, nil)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid 2FA code"})
		return
	case errors.Is(err, services.ErrInvalidCredentials):
		_ = h.audit.Log(services.AuditLog{Username: req.Username, Action: "login_failed", ResourceType: "auth", IPAddress: ip, UserAgent: ua})
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	case err != nil:
		h.respondError(c, err)
		return
	}

	h.audit.LogLogin(user, ip, ua, true)
	c.SetCookie(
		middleware.SessionCookieName,
		session.ID,
		int(session.ExpiresAt.Sub(session.CreatedAt).Seconds()),
		"/",
		"",
		h.secureCookie,
		true,
	)
	c.JSON(http.StatusOK, gin.H{
		"message":    "login successful",
		"expires_at": session.ExpiresAt,
		"user":       user,
	})
}

// Logout deletes the session and clears the cookie.
func (h *AuthHandler) Logout(c *gin.Context) {
	if user := middleware.CurrentUser(c); user != nil {
		h.audit.LogLogout(user, c.ClientIP(), c.GetHeader("User-Agent"))
	}
	if sessionID, err := c.Cookie(middleware.SessionCookieName); err == nil && sessionID != "" {
		_ = h.authService.DeleteSession(sessionID)
	}
	c.SetCookie(middleware.SessionCookieName, "", -1, "/", "", h.secureCookie, true)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Me returns the current user's information.
func (h *AuthHandler) Me(c *gin.Context) {
	u := middleware.CurrentUser(c)
	c.JSON(http.StatusOK, gin.H{
		"id":           u.ID,
		"username":     u.Username,
		"email":        u.Email,
		"role":         u.Role,
		"is_admin":     u.IsAdmin(),
		"totp_enabled": u.TOTPEnabled,
		"csrf_token":   middleware.GetCSRFToken(c),
	})
}

// ChangePasswordRequest represents a request to change user password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8"`
}

// ChangePassword changes the current user's password and revokes their sessions.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	user := middleware.CurrentUser(c)
	var req ChangePasswordRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validation.ValidatePassword(req.NewPassword); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.authService.ChangePassword(user.ID, req.OldPassword, req.NewPassword); err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid old password"})
			return
		}
		h.respondError(c, err)
		return
	}

	h.record(c, "password_changed", "auth", user.ID, nil)
	c.SetCookie(middleware.SessionCookieName, "", -1, "/", "", h.secureCookie, true)
	c.JSON(http.StatusOK, gin.H{"message": "password changed successfully"})
}
