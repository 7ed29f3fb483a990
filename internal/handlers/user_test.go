package handlers_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/handlers"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

const defaultAdmin = "admin"

func setupUserHandlerTest(t *testing.T) (*services.AuthService, *database.DB, *gin.Engine) {
	t.Helper()
	db := setupTestDB(t)
	authService := newAuthService(t, db)
	handler := handlers.NewUserHandler(authService, services.NewAuditService(db, zerolog.Nop()), defaultAdmin, zerolog.Nop())

	router := newTestRouter(t, db)
	router.GET("/api/users", handler.List)
	router.POST("/api/users", handler.Create)
	router.GET("/api/users/:id", handler.Get)
	router.PUT("/api/users/:id", handler.Update)
	router.PUT("/api/users/:id/password", handler.UpdatePassword)
	router.DELETE("/api/users/:id", handler.Delete)
	return authService, db, router
}

func TestUserHandler_List(t *testing.T) {
	_, _, router := setupUserHandlerTest(t)

	w := doJSON(router, "GET", "/api/users", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	response := decode(t, w)
	if response["users"] == nil {
		t.Error("expected users in response")
	}
	if response["total"] != float64(1) {
		t.Errorf("expected total 1, got %v", response["total"])
	}
}

func TestUserHandler_Create(t *testing.T) {
	_, db, router := setupUserHandlerTest(t)

	tests := []struct {
		name   string
		body   map[string]string
		status int
	}{
		{"valid operator", map[string]string{"username": "deployer", "password": "Deploy123", "role": "operator"}, http.StatusCreated},
		{"valid viewer", map[string]string{"username": "watcher", "password": "Watch1234", "role": "viewer"}, http.StatusCreated},
		{"missing password", map[string]string{"username": "nopass", "role": "viewer"}, http.StatusUnprocessableEntity},
		{"unknown role", map[string]string{"username": "rooty", "password": "Rooty1234", "role": "root"}, http.StatusUnprocessableEntity},
		{"weak password", map[string]string{"username": "weakling", "password": "alllowercase", "role": "viewer"}, http.StatusBadRequest},
		{"invalid username", map[string]string{"username": "1bad-name", "password": "Valid1234", "role": "viewer"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, "POST", "/api/users", tt.body)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_logs WHERE action = 'user_create'").Scan(&n); err != nil {
		t.Fatalf("failed to count audit logs: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 user_create audit entries, got %d", n)
	}
}

func TestUserHandler_Create_DuplicateUsername(t *testing.T) {
	_, _, router := setupUserHandlerTest(t)

	body := map[string]string{"username": "testadmin", "password": "Another123", "role": "viewer"}
	w := doJSON(router, "POST", "/api/users", body)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUserHandler_Update(t *testing.T) {
	authService, _, router := setupUserHandlerTest(t)

	user, err := authService.CreateUser("operator1", "Operator1", models.RoleOperator)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	w := doJSON(router, "PUT", fmt.Sprintf("/api/users/%d", user.ID), map[string]string{"role": "viewer", "email": "op@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	updated, err := authService.GetUserByID(user.ID)
	if err != nil {
		t.Fatalf("failed to get user: %v", err)
	}
	if updated.Role != models.RoleViewer {
		t.Errorf("expected role viewer, got %s", updated.Role)
	}
	if updated.Email != "op@example.com" {
		t.Errorf("expected email to be updated, got %q", updated.Email)
	}
}

func TestUserHandler_Update_OwnRole(t *testing.T) {
	_, _, router := setupUserHandlerTest(t)

	w := doJSON(router, "PUT", "/api/users/1", map[string]string{"role": "viewer"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUserHandler_Update_DefaultAdminRole(t *testing.T) {
	authService, _, router := setupUserHandlerTest(t)

	admin, err := authService.CreateUser(defaultAdmin, "Default123", models.RoleAdmin)
	if err != nil {
		t.Fatalf("failed to create default admin: %v", err)
	}

	w := doJSON(router, "PUT", fmt.Sprintf("/api/users/%d", admin.ID), map[string]string{"role": "operator"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUserHandler_Delete(t *testing.T) {
	authService, _, router := setupUserHandlerTest(t)

	user, err := authService.CreateUser("temp", "Temporary1", models.RoleViewer)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	w := doJSON(router, "DELETE", fmt.Sprintf("/api/users/%d", user.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := authService.GetUserByID(user.ID); err == nil {
		t.Error("expected user to be deleted")
	}
}

func TestUserHandler_Delete_CannotDeleteSelf(t *testing.T) {
	_, _, router := setupUserHandlerTest(t)

	w := doJSON(router, "DELETE", "/api/users/1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUserHandler_Delete_DefaultAdmin(t *testing.T) {
	authService, _, router := setupUserHandlerTest(t)

	admin, err := authService.CreateUser(defaultAdmin, "Default123", models.RoleAdmin)
	if err != nil {
		t.Fatalf("failed to create default admin: %v", err)
	}

	w := doJSON(router, "DELETE", fmt.Sprintf("/api/users/%d", admin.ID), nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUserHandler_UpdatePassword(t *testing.T) {
	authService, _, router := setupUserHandlerTest(t)

	user, err := authService.CreateUser("changer", "Original1", models.RoleOperator)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	w := doJSON(router, "PUT", fmt.Sprintf("/api/users/%d/password", user.ID), map[string]string{"password": "Replaced99"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := authService.VerifyCredentials("changer", "Replaced99"); !ok {
		t.Error("expected new password to be accepted")
	}

	w = doJSON(router, "PUT", fmt.Sprintf("/api/users/%d/password", user.ID), map[string]string{"password": "password"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for a common password, got %d", w.Code)
	}
}

func TestUserHandler_Get(t *testing.T) {
	_, _, router := setupUserHandlerTest(t)

	w := doJSON(router, "GET", "/api/users/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	response := decode(t, w)
	if response["username"] != "testadmin" {
		t.Errorf("expected username testadmin, got %v", response["username"])
	}
	if _, leaked := response["password_hash"]; leaked {
		t.Error("password hash must not be serialized")
	}
}

func TestUserHandler_Get_NotFound(t *testing.T) {
	_, _, router := setupUserHandlerTest(t)

	w := doJSON(router, "GET", "/api/users/999", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "GET", "/api/users/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}
