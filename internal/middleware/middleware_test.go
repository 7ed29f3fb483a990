package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/devflow/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func ok(c *gin.Context) { c.Status(http.StatusOK) }

func TestRateLimiter_Allow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	remaining, _, allowed := rl.Allow("a")
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
	_, _, allowed = rl.Allow("a")
	assert.True(t, allowed)
	_, _, allowed = rl.Allow("a")
	assert.False(t, allowed)

	// other keys have their own bucket
	_, _, allowed = rl.Allow("b")
	assert.True(t, allowed)

	now = now.Add(time.Minute + time.Second)
	_, _, allowed = rl.Allow("a")
	assert.True(t, allowed, "window should reset")
}

func TestRateLimiter_Middleware(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1, time.Minute)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.POST("/login", rl.Middleware(), ok)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	now = now.Add(20 * time.Second)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "41", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}

func TestRateLimiter_ClientRoute(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute).KeyedBy(ClientRoute)

	r := gin.New()
	r.POST("/hooks/github/:secret", rl.Middleware(), ok)
	r.POST("/hooks/gitlab/:secret", rl.Middleware(), ok)

	for _, path := range []string{"/hooks/github/x", "/hooks/gitlab/x"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hooks/github/y", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimit(8))
	r.POST("/echo", ok)
	r.GET("/echo", ok)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("short")))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("far too long for the limit")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), `"max_bytes":8`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/echo", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCSRFStore_Tokens(t *testing.T) {
	store := NewCSRFStore()
	token, err := store.GenerateToken()
	require.NoError(t, err)
	assert.True(t, store.ValidateToken(token))

	assert.False(t, store.ValidateToken(""))
	assert.False(t, store.ValidateToken("garbage"))
	last := "0"
	if strings.HasSuffix(token, "0") {
		last = "1"
	}
	assert.False(t, store.ValidateToken(token[:len(token)-1]+last), "tampered mac")

	other := NewCSRFStore()
	assert.False(t, other.ValidateToken(token), "foreign key")

	store.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	assert.False(t, store.ValidateToken(token), "expired")
}

func TestCSRFProtection(t *testing.T) {
	store := NewCSRFStore()
	r := gin.New()
	r.Use(CSRFProtection(store, false))
	r.GET("/api/me", func(c *gin.Context) { c.String(http.StatusOK, GetCSRFToken(c)) })
	r.POST("/api/projects", ok)
	r.POST("/api/auth/login", ok)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	require.Equal(t, http.StatusOK, w.Code)
	token := w.Body.String()
	assert.True(t, store.ValidateToken(token))
	assert.Contains(t, w.Header().Get("Set-Cookie"), CSRFTokenCookie+"=")

	post := func(path, header string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "s"})
		if header != "" {
			req.Header.Set(CSRFTokenHeader, header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, post("/api/projects", ""))
	assert.Equal(t, http.StatusForbidden, post("/api/projects", "forged"))
	assert.Equal(t, http.StatusOK, post("/api/projects", token))
	assert.Equal(t, http.StatusOK, post("/api/auth/login", ""))

	// no session cookie: left to AuthRequired
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/projects", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name string
		user *models.User
		min  models.Role
		want int
	}{
		{"anonymous", nil, models.RoleViewer, http.StatusForbidden},
		{"viewer reads", &models.User{Role: models.RoleViewer}, models.RoleViewer, http.StatusOK},
		{"viewer writes", &models.User{Role: models.RoleViewer}, models.RoleOperator, http.StatusForbidden},
		{"operator writes", &models.User{Role: models.RoleOperator}, models.RoleOperator, http.StatusOK},
		{"operator admin", &models.User{Role: models.RoleOperator}, models.RoleAdmin, http.StatusForbidden},
		{"admin", &models.User{Role: models.RoleAdmin}, models.RoleOperator, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/x", func(c *gin.Context) {
				if tt.user != nil {
					c.Set(UserContextKey, tt.user)
				}
				c.Next()
			}, RequireRole(tt.min), ok)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders("/devops"))
	r.GET("/devops/api/version", ok)
	r.GET("/devops/healthz", ok)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/devops/api/version", nil))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/devops/healthz", nil))
	assert.Empty(t, w.Header().Get("Cache-Control"))
}
