package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/validation"
)

// UserHandler handles user management endpoints. Routes are admin only.
type UserHandler struct {
	handlerBase
	authService      *services.AuthService
	defaultAdminUser string
}

// NewUserHandler creates a new UserHandler instance.
func NewUserHandler(authService *services.AuthService, auditService *services.AuditService, defaultAdminUser string, logger zerolog.Logger) *UserHandler {
	return &UserHandler{
		handlerBase:      handlerBase{audit: auditService, logger: logger},
		authService:      authService,
		defaultAdminUser: defaultAdminUser,
	}
}

// CreateUserRequest represents a request to create a user.
type CreateUserRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role" binding:"required,oneof=admin operator viewer"`
}

// UpdateUserRequest represents a request to update a user.
type UpdateUserRequest struct {
	Email *string `json:"email" binding:"omitempty,email"`
	Role  *string `json:"role" binding:"omitempty,oneof=admin operator viewer"`
}

// UpdatePasswordRequest represents a request to update a user's password.
type UpdatePasswordRequest struct {
	Password string `json:"password" binding:"required,min=8"`
}

// List returns all users.
func (h *UserHandler) List(c *gin.Context) {
	users, err := h.authService.GetAllUsers()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "total": len(users)})
}

// Get returns a single user by ID.
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	user, err := h.authService.GetUserByID(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

// Create creates a new user.
func (h *UserHandler) Create(c *gin.Context) {
	var req CreateUserRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.authService.CreateUser(req.Username, req.Password, models.Role(req.Role))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "user_create", "user", user.ID, map[string]interface{}{
		"created_username": user.Username,
		"created_role":     user.Role,
	})
	c.JSON(http.StatusCreated, user)
}

// Update changes a user's email or role.
func (h *UserHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req UpdateUserRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Role != nil && id == middleware.CurrentUser(c).ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot change your own role"})
		return
	}

	existing, err := h.authService.GetUserByID(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var role *models.Role
	if req.Role != nil {
		r := models.Role(*req.Role)
		if existing.Username == h.defaultAdminUser && r != models.RoleAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "cannot change the default admin role"})
			return
		}
		role = &r
	}

	user, err := h.authService.UpdateUser(id, req.Email, role)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "user_update", "user", id, map[string]interface{}{
		"old_role": existing.Role,
		"new_role": user.Role,
	})
	c.JSON(http.StatusOK, user)
}

// UpdatePassword resets a user's password and revokes their sessions.
func (h *UserHandler) UpdatePassword(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req UpdatePasswordRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := h.authService.GetUserByID(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.authService.SetPassword(id, req.Password); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "user_password_reset", "user", id, map[string]interface{}{"target_username": target.Username})
	c.JSON(http.StatusOK, gin.H{"message": "password updated successfully"})
}

// Delete deletes a user.
func (h *UserHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if id == middleware.CurrentUser(c).ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete your own account"})
		return
	}
	target, err := h.authService.GetUserByID(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if target.Username == h.defaultAdminUser {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot delete the default admin user"})
		return
	}
	if err := h.authService.DeleteUser(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "user_delete", "user", id, map[string]interface{}{
		"deleted_username": target.Username,
		"deleted_role":     target.Role,
	})
	c.JSON(http.StatusOK, gin.H{"message": "user deleted successfully"})
}
