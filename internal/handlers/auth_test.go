package handlers_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/handlers"
	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

func newAuthRouter(t *testing.T, db *database.DB, maxAttempts int) (*gin.Engine, *services.AuthService) {
	t.Helper()
	crypto, err := services.NewCryptoService(testKey)
	if err != nil {
		t.Fatalf("failed to create crypto service: %v", err)
	}
	cfg := &config.Config{
		Auth:     config.AuthConfig{BcryptCost: 4},
		Security: config.SecurityConfig{MaxLoginAttempts: maxAttempts, LockoutDuration: "15m"},
	}
	auth := services.NewAuthService(db, cfg, crypto, zerolog.Nop())
	h := handlers.NewAuthHandler(auth, services.NewAuditService(db, zerolog.Nop()), false, zerolog.Nop())

	router := gin.New()
	router.POST("/api/auth/login", h.Login)
	return router, auth
}

func TestAuthHandler_Login(t *testing.T) {
	db := setupTestDB(t)
	router, auth := newAuthRouter(t, db, 0)
	if _, err := auth.CreateUser("alice", "Secret123", models.RoleOperator); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	w := doJSON(router, "POST", "/api/auth/login", map[string]string{"username": "alice", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", w.Code)
	}

	w = doJSON(router, "POST", "/api/auth/login", map[string]string{"username": "alice"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422 without a password, got %d", w.Code)
	}

	w = doJSON(router, "POST", "/api/auth/login", map[string]string{"username": "alice", "password": "Secret123"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			session = c
		}
	}
	if session == nil || session.Value == "" || !session.HttpOnly {
		t.Fatalf("expected an HttpOnly session cookie, got %+v", session)
	}
	if _, err := auth.ValidateSessionWithBinding(session.Value, "192.0.2.1", ""); err != nil {
		t.Errorf("session should validate: %v", err)
	}
}

func TestAuthHandler_LoginLockout(t *testing.T) {
	db := setupTestDB(t)
	router, auth := newAuthRouter(t, db, 2)
	if _, err := auth.CreateUser("bob", "Secret123", models.RoleViewer); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	for i := 0; i < 2; i++ {
		doJSON(router, "POST", "/api/auth/login", map[string]string{"username": "bob", "password": "nope"})
	}
	w := doJSON(router, "POST", "/api/auth/login", map[string]string{"username": "bob", "password": "Secret123"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", w.Code)
	}
	if secs, _ := decode(t, w)["retry_after_seconds"].(float64); secs <= 0 {
		t.Errorf("expected a positive retry_after_seconds, got %v", secs)
	}
}

func TestAuthHandler_LoginTOTP(t *testing.T) {
	db := setupTestDB(t)
	router, auth := newAuthRouter(t, db, 0)
	user, err := auth.CreateUser("carol", "Secret123", models.RoleAdmin)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	secret, _, err := auth.GenerateTOTPSecret(user)
	if err != nil {
		t.Fatalf("failed to generate secret: %v", err)
	}
	code, _ := totp.GenerateCode(secret, time.Now())
	if err := auth.EnableTOTP(user.ID, code); err != nil {
		t.Fatalf("failed to enable 2FA: %v", err)
	}

	w := doJSON(router, "POST", "/api/auth/login", map[string]string{"username": "carol", "password": "Secret123"})
	if w.Code != http.StatusOK || decode(t, w)["requires_totp"] != true {
		t.Fatalf("expected requires_totp, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", "/api/auth/login", map[string]string{"username": "carol", "password": "Secret123", "totp_code": "000000"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401 for a wrong code, got %d", w.Code)
	}

	w = doJSON(router, "POST", "/api/auth/login", map[string]string{"username": "carol", "password": "Secret123", "totp_code": code})
	if w.Code != http.StatusOK || decode(t, w)["requires_totp"] == true {
		t.Errorf("expected a full login, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTwoFAHandler_Status(t *testing.T) {
	db := setupTestDB(t)
	auth := newAuthService(t, db)
	user, err := auth.CreateUser("dave", "Secret123", models.RoleViewer)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	h := handlers.NewTwoFAHandler(auth, services.NewAuditService(db, zerolog.Nop()), zerolog.Nop())

	router := gin.New()
	router.Use(asUser(user))
	router.GET("/api/auth/2fa/status", h.GetStatus)
	router.POST("/api/auth/2fa/generate", h.GenerateSecret)
	router.POST("/api/auth/2fa/enable", h.EnableTOTP)

	w := doJSON(router, "GET", "/api/auth/2fa/status", nil)
	if decode(t, w)["enabled"] != false {
		t.Errorf("expected 2FA disabled, got %s", w.Body.String())
	}

	w = doJSON(router, "POST", "/api/auth/2fa/generate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	secret, _ := resp["secret"].(string)
	if secret == "" || resp["qr_code"] == nil {
		t.Fatalf("expected secret and qr code, got %v", resp)
	}

	w = doJSON(router, "POST", "/api/auth/2fa/enable", map[string]string{"code": "12"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422 for a short code, got %d", w.Code)
	}

	code, _ := totp.GenerateCode(secret, time.Now())
	w = doJSON(router, "POST", "/api/auth/2fa/enable", map[string]string{"code": code})
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}
