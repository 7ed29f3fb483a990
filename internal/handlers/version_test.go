package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/pandeptwidyaop/devflow/internal/handlers"
	"github.com/pandeptwidyaop/devflow/internal/upgrade"
)

func TestVersionHandler_Get(t *testing.T) {
	handler := handlers.NewVersionHandler(upgrade.NewChecker())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/version", nil)

	handler.Get(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	response := decode(t, w)
	for _, field := range []string{"version", "build_time", "git_commit", "go_version"} {
		if _, ok := response[field]; !ok {
			t.Errorf("expected %s in response", field)
		}
	}
}

func TestVersionHandler_CheckUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v9.9.9","name":"Future"}`))
	}))
	defer srv.Close()

	handler := handlers.NewVersionHandler(&upgrade.Checker{Client: srv.Client(), URL: srv.URL})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/version/check", nil)

	handler.CheckUpdate(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	response := decode(t, w)
	if response["latest"] != "v9.9.9" {
		t.Errorf("expected latest v9.9.9, got %v", response["latest"])
	}
	if response["update_available"] != true {
		t.Error("expected update to be available for a dev build")
	}
}

func TestVersionHandler_CheckUpdate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	handler := handlers.NewVersionHandler(&upgrade.Checker{Client: srv.Client(), URL: srv.URL})

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/api/version/check", nil)

	handler.CheckUpdate(c)

	// A failed check still answers 200 so the dashboard can show the error.
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	response := decode(t, w)
	if response["update_available"] != false {
		t.Error("expected update_available false when the check fails")
	}
	if response["error"] == nil {
		t.Error("expected error in response")
	}
}
