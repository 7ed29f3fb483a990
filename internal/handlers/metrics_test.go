package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/handlers"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

func setupMetricsHandlerTest(t *testing.T) *gin.Engine {
	t.Helper()
	db := setupTestDB(t)

	enabled := true
	cfg := &config.MetricsConfig{
		Enabled:            &enabled,
		CollectionInterval: "1m",
		RetentionDays:      7,
	}
	collector := services.NewMetricsCollector(db, cfg, zerolog.Nop())
	t.Cleanup(collector.Stop)

	handler := handlers.NewMetricsHandler(collector, services.NewAuditService(db, zerolog.Nop()), zerolog.Nop())

	router := newTestRouter(t, db)
	router.GET("/api/metrics/system", handler.System)
	router.GET("/api/metrics/docker", handler.Docker)
	router.GET("/api/metrics/summary", handler.Summary)
	router.GET("/api/metrics/history", handler.History)
	router.GET("/api/metrics/docker/:id/history", handler.ContainerHistory)
	router.POST("/api/metrics/prune", handler.Prune)
	router.GET("/metrics", handler.Prometheus)
	return router
}

func TestMetricsHandler_System(t *testing.T) {
	router := setupMetricsHandlerTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/metrics/system", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	for _, field := range []string{"cpu", "memory", "disks", "network"} {
		if _, ok := response[field]; !ok {
			t.Errorf("expected '%s' field in response", field)
		}
	}
}

func TestMetricsHandler_Docker(t *testing.T) {
	router := setupMetricsHandlerTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/metrics/docker", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if _, ok := response["available"]; !ok {
		t.Error("expected 'available' field in response")
	}
	if _, ok := response["summary"]; !ok {
		t.Error("expected 'summary' field in response")
	}
}

func TestMetricsHandler_Summary(t *testing.T) {
	router := setupMetricsHandlerTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/metrics/summary", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	system, ok := response["system"].(map[string]interface{})
	if !ok {
		t.Fatal("expected 'system' object in response")
	}
	if _, ok := system["cpu_percent"]; !ok {
		t.Error("expected 'cpu_percent' field in system")
	}
	if _, ok := response["docker"]; !ok {
		t.Error("expected 'docker' field in response")
	}
}

func TestMetricsHandler_History(t *testing.T) {
	router := setupMetricsHandlerTest(t)

	t.Run("default parameters", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/api/metrics/history", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var response map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if response["resolution"] != "raw" {
			t.Errorf("expected resolution raw, got %v", response["resolution"])
		}
		if _, ok := response["data"]; !ok {
			t.Error("expected 'data' field in response")
		}
	})

	t.Run("with time range", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/metrics/history", nil)
		q := req.URL.Query()
		q.Add("from", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		q.Add("to", time.Now().Format(time.RFC3339))
		q.Add("resolution", "hourly")
		req.URL.RawQuery = q.Encode()

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
	})

	tests := []struct {
		name  string
		query string
	}{
		{"invalid from timestamp", "?from=invalid"},
		{"invalid to timestamp", "?to=invalid"},
		{"unknown resolution", "?resolution=daily"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/api/metrics/history"+tt.query, nil))

			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}
		})
	}
}

func TestMetricsHandler_ContainerHistory(t *testing.T) {
	router := setupMetricsHandlerTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/metrics/docker/abc123/history", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var response map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if response["container_id"] != "abc123" {
		t.Errorf("expected container_id abc123, got %v", response["container_id"])
	}
}

func TestMetricsHandler_Prune(t *testing.T) {
	router := setupMetricsHandlerTest(t)

	t.Run("valid prune request", func(t *testing.T) {
		body := `{"before":"` + time.Now().Add(-7*24*time.Hour).Format(time.RFC3339) + `"}`
		req := httptest.NewRequest("POST", "/api/metrics/prune", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
		}
		var response map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if response["success"] != true {
			t.Error("expected success to be true")
		}
	})

	t.Run("missing before", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/metrics/prune", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")

		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("expected status 422, got %d", w.Code)
		}
	})
}

func TestMetricsHandler_Prometheus(t *testing.T) {
	router := setupMetricsHandlerTest(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected Go runtime collectors in exposition output")
	}
}
