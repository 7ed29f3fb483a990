package upgrade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNeedsUpgrade(t *testing.T) {
	tests := []struct {
		current string
		latest  string
		want    bool
	}{
		{"v1.2.0", "v1.2.1", true},
		{"v1.2.0", "v1.2.0", false},
		{"v1.3.0", "v1.2.9", false},
		{"1.9.0", "v1.10.0", true},
		{"v1.2", "v1.2.0", false},
		{"dev", "v0.1.0", true},
		{"v1.2.0-3-gabcdef", "v1.2.0", true},
		{"v1.2.0", "", false},
	}
	for _, tt := range tests {
		if got := NeedsUpgrade(tt.current, tt.latest); got != tt.want {
			t.Errorf("NeedsUpgrade(%q, %q) = %v, want %v", tt.current, tt.latest, got, tt.want)
		}
	}
}

func TestChecker_Latest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/vnd.github+json" {
			t.Errorf("unexpected Accept header %q", r.Header.Get("Accept"))
		}
		_, _ = w.Write([]byte(`{"tag_name":"v2.0.0","name":"DevFlow 2.0","html_url":"https://example.com/r"}`))
	}))
	defer srv.Close()

	c := &Checker{Client: srv.Client(), URL: srv.URL}
	release, err := c.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if release.TagName != "v2.0.0" {
		t.Errorf("TagName = %q, want v2.0.0", release.TagName)
	}
}

func TestChecker_Latest_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := &Checker{Client: srv.Client(), URL: srv.URL}
	if _, err := c.Latest(context.Background()); err == nil {
		t.Fatal("expected error for HTTP 403")
	}
}
