package router_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/router"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/upgrade"
)

func setup(t *testing.T) (http.Handler, *services.AuthService) {
	t.Helper()
	return setupWith(t, nil)
}

func setupWith(t *testing.T, configure func(*config.Config)) (http.Handler, *services.AuthService) {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.PathPrefix = "/devops"
	cfg.Auth.BcryptCost = 4
	if configure != nil {
		configure(cfg)
	}

	crypto, err := services.NewCryptoService([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	auth := services.NewAuthService(db, cfg, crypto, zerolog.Nop())

	r := router.New(cfg, &router.Services{
		Auth:     auth,
		Audit:    services.NewAuditService(db, zerolog.Nop()),
		Releases: upgrade.NewChecker(),
	}, zerolog.Nop())
	return r, auth
}

func login(t *testing.T, h http.Handler, username, password string) *http.Cookie {
	t.Helper()
	body := `{"username":"` + username + `","password":"` + password + `"}`
	req := httptest.NewRequest(http.MethodPost, "/devops/api/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func get(h http.Handler, path string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPublicRoutes(t *testing.T) {
	h, _ := setup(t)

	w := get(h, "/devops/api/version", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")

	w = get(h, "/devops/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(h, "/devops/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "devflow_http_requests_total")
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	h, _ := setup(t)

	for _, path := range []string{"/devops/api/auth/me", "/devops/api/servers", "/devops/api/users", "/devops/api/queue/stats"} {
		w := get(h, path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Contains(t, w.Body.String(), "unauthorized", path)
	}
}

func TestRoleTiers(t *testing.T) {
	h, auth := setup(t)
	_, err := auth.CreateUser("watcher", "Watcher123", models.RoleViewer)
	require.NoError(t, err)
	cookie := login(t, h, "watcher", "Watcher123")

	w := get(h, "/devops/api/auth/me", cookie)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = get(h, "/devops/api/users", cookie)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/devops/api/servers", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	// CSRF runs before the role check.
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCSRFRequiredForCookieMutations(t *testing.T) {
	h, auth := setup(t)
	_, err := auth.CreateUser("boss", "BossUser123", models.RoleAdmin)
	require.NoError(t, err)
	cookie := login(t, h, "boss", "BossUser123")

	req := httptest.NewRequest(http.MethodPost, "/devops/api/auth/logout", nil)
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "CSRF token missing")

	// A GET hands out the token cookie that the dashboard echoes back.
	w = get(h, "/devops/api/auth/me", cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var token *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.CSRFTokenCookie {
			token = c
		}
	}
	require.NotNil(t, token)

	req = httptest.NewRequest(http.MethodPost, "/devops/api/auth/logout", nil)
	req.AddCookie(cookie)
	req.Header.Set(middleware.CSRFTokenHeader, token.Value)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestWebhookRoutesSkipSession(t *testing.T) {
	h, _ := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/devops/webhooks/github/abc", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	// No intake service is wired, so only reachability is checked.
	h.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
	assert.NotEqual(t, http.StatusNotFound, w.Code)
}

func TestLoginLimiterIgnoresForwardedFor(t *testing.T) {
	failedLogins := func(h http.Handler) int {
		limited := 0
		for i := 0; i < 15; i++ {
			body := fmt.Sprintf(`{"username":"nobody%d","password":"wrong"}`, i)
			req := httptest.NewRequest(http.MethodPost, "/devops/api/auth/login", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code == http.StatusTooManyRequests {
				limited++
			}
		}
		return limited
	}

	h, _ := setup(t)
	assert.Equal(t, 5, failedLogins(h), "spoofed X-Forwarded-For must not reset the limiter")

	// a configured proxy may name the client
	h, _ = setupWith(t, func(cfg *config.Config) {
		cfg.Server.TrustedProxies = []string{"192.0.2.0/24"}
	})
	assert.Equal(t, 0, failedLogins(h))
}
