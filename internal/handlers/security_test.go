package handlers_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/handlers"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// scriptedExecutor answers every command with the result of the first
// matching prefix and records the scripts it saw.
type scriptedExecutor struct {
	answers map[string]remote.Result
	scripts []string
}

func (e *scriptedExecutor) Run(ctx context.Context, t remote.Target, cmd remote.Command) (*remote.Result, error) {
	script := strings.TrimPrefix(cmd.Script, "sudo -n ")
	e.scripts = append(e.scripts, script)
	for prefix, res := range e.answers {
		if strings.HasPrefix(script, prefix) {
			r := res
			return &r, nil
		}
	}
	return &remote.Result{}, nil
}

func (e *scriptedExecutor) Stream(ctx context.Context, t remote.Target, cmd remote.Command, stdout, stderr io.Writer) (int, error) {
	res, err := e.Run(ctx, t, cmd)
	if err != nil {
		return -1, err
	}
	_, _ = io.WriteString(stdout, res.Stdout)
	return res.ExitCode, nil
}

func newSecurityRouter(t *testing.T, exec *scriptedExecutor) (*gin.Engine, *models.Server) {
	t.Helper()
	db := setupTestDB(t)
	crypto, err := services.NewCryptoService(testKey)
	if err != nil {
		t.Fatalf("failed to create crypto service: %v", err)
	}
	log := zerolog.Nop()
	servers := services.NewServerService(db, crypto, exec, log)
	srv, err := servers.Create(models.CreateServerRequest{
		Name: "edge", Hostname: "edge.example.com", IPAddress: "10.0.0.9", Username: "root", SSHPassword: "secret",
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	fw := services.NewFirewallService(db, servers, log)
	f2b := services.NewFail2banService(db, servers, log)
	scores := services.NewSecurityScoreService(db, servers, fw, f2b, services.NewSSHSecurityService(db, servers, log), log)
	h := handlers.NewSecurityHandler(fw, f2b, scores, services.NewAuditService(db, log), log)

	router := newTestRouter(t, db)
	router.GET("/api/servers/:id/firewall", h.FirewallStatus)
	router.POST("/api/servers/:id/firewall/rules", h.AddFirewallRule)
	router.DELETE("/api/servers/:id/firewall/rules/:number", h.DeleteFirewallRule)
	router.POST("/api/servers/:id/fail2ban/ban", h.BanIP)
	router.POST("/api/servers/:id/security/scan", h.Scan)
	router.GET("/api/servers/:id/security/scans/latest", h.LatestScan)
	return router, srv
}

func TestSecurityHandler_Firewall(t *testing.T) {
	exec := &scriptedExecutor{answers: map[string]remote.Result{
		"ufw status verbose": {Stdout: "Status: inactive\n"},
		"ufw deny":           {Stderr: "ERROR: Could not find a profile matching 'x'", ExitCode: 1},
	}}
	router, srv := newSecurityRouter(t, exec)
	base := fmt.Sprintf("/api/servers/%d/firewall", srv.ID)

	w := doJSON(router, "GET", base, nil)
	if w.Code != http.StatusOK || decode(t, w)["enabled"] != false {
		t.Fatalf("expected an inactive firewall, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "POST", base+"/rules", map[string]string{"port": "8080", "from_ip": "203.0.113.0/24"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	if got := exec.scripts[len(exec.scripts)-1]; got != "ufw allow from 203.0.113.0/24 to any port 8080 proto tcp" {
		t.Errorf("unexpected rule command %q", got)
	}

	w = doJSON(router, "POST", base+"/rules", map[string]string{"port": "8080", "from_ip": "evil; reboot"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422 for a bad source, got %d", w.Code)
	}
	w = doJSON(router, "POST", base+"/rules", map[string]string{"port": "80;id"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for a bad port, got %d", w.Code)
	}
	w = doJSON(router, "POST", base+"/rules", map[string]string{"port": "x", "action": "deny"})
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected status 502 when ufw fails, got %d", w.Code)
	}
	w = doJSON(router, "DELETE", base+"/rules/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for a bad rule number, got %d", w.Code)
	}
	w = doJSON(router, "GET", "/api/servers/999/firewall", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for a missing server, got %d", w.Code)
	}
}

func TestSecurityHandler_BanAndScan(t *testing.T) {
	exec := &scriptedExecutor{answers: map[string]remote.Result{
		"fail2ban-client set": {Stdout: "bash: fail2ban-client: command not found", ExitCode: 127},
		"ufw":                 {Stdout: "Status: active\n"},
	}}
	router, srv := newSecurityRouter(t, exec)
	base := fmt.Sprintf("/api/servers/%d", srv.ID)

	w := doJSON(router, "POST", base+"/fail2ban/ban", map[string]string{"ip": "not-an-ip"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected status 422, got %d", w.Code)
	}
	w = doJSON(router, "POST", base+"/fail2ban/ban", map[string]string{"ip": "198.51.100.7"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409 without fail2ban, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, "GET", base+"/security/scans/latest", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 before any scan, got %d", w.Code)
	}
	w = doJSON(router, "POST", base+"/security/scan", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if score, _ := decode(t, w)["score"].(float64); score <= 0 || score >= 100 {
		t.Errorf("expected a partial score, got %v", score)
	}
	w = doJSON(router, "GET", base+"/security/scans/latest", nil)
	if w.Code != http.StatusOK || decode(t, w)["risk_level"] == "" {
		t.Errorf("expected the stored scan, got %d: %s", w.Code, w.Body.String())
	}
}
