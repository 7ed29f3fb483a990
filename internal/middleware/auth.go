// Package middleware provides HTTP middleware for authentication, logging, and rate limiting.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

const (
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "session_id"
	// UserContextKey is the key for storing user in request context.
	UserContextKey = "user"
)

// AuthRequired rejects requests without a valid session bound to the
// caller's IP and User-Agent.
func AuthRequired(authService *services.AuthService, secureCookie bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(SessionCookieName)
		if err != nil || sessionID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		user, err := authService.ValidateSessionWithBinding(sessionID, c.ClientIP(), c.GetHeader("User-Agent"))
		if err != nil {
			c.SetCookie(SessionCookieName, "", -1, "/", "", secureCookie, true)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session expired"})
			return
		}

		c.Set(UserContextKey, user)
		c.Next()
	}
}

// RequireRole allows users whose role ranks at least min.
func RequireRole(min models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || models.RoleRank(user.Role) < models.RoleRank(min) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user, or nil.
func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(UserContextKey)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}
