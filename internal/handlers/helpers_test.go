package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/validation"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func init() {
	gin.SetMode(gin.TestMode)
	validation.RegisterBindings()
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newAuthService(t *testing.T, db *database.DB) *services.AuthService {
	t.Helper()
	crypto, err := services.NewCryptoService(testKey)
	if err != nil {
		t.Fatalf("failed to create crypto service: %v", err)
	}
	cfg := &config.Config{Auth: config.AuthConfig{BcryptCost: 4}}
	return services.NewAuthService(db, cfg, crypto, zerolog.Nop())
}

// asUser injects user the way AuthRequired does.
func asUser(user *models.User) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserContextKey, user)
		c.Next()
	}
}

// newTestRouter returns a router acting as a freshly created admin.
func newTestRouter(t *testing.T, db *database.DB) *gin.Engine {
	t.Helper()
	admin, err := newAuthService(t, db).CreateUser("testadmin", "Secret123", models.RoleAdmin)
	if err != nil {
		t.Fatalf("failed to create admin user: %v", err)
	}
	router := gin.New()
	router.Use(asUser(admin))
	return router
}

func doJSON(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", w.Body.String(), err)
	}
	return response
}
