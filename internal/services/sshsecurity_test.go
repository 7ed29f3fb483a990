package services_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/validation"
)

const stockSSHDConfig = `Include /etc/ssh/sshd_config.d/*.conf
#Port 22
PermitRootLogin yes
PasswordAuthentication yes
X11Forwarding yes
UsePAM yes
`

// sshdHost keeps an sshd_config in memory. Writes succeed unless reject is set.
type sshdHost struct {
	config string
	reject bool
}

func (h *sshdHost) respond(c fakeCall) (*remote.Result, error) {
	switch {
	case strings.HasPrefix(c.Cmd.Script, "cat "):
		return &remote.Result{Stdout: h.config}, nil
	case strings.HasPrefix(c.Cmd.Script, "cp "):
		if h.reject {
			return &remote.Result{Stderr: "invalid sshd configuration", ExitCode: 3}, nil
		}
		h.config = c.Stdin
		return &remote.Result{}, nil
	case c.Cmd.Script == "sshd -t":
		return &remote.Result{}, nil
	}
	return &remote.Result{}, nil
}

func newSSHSecurity(t *testing.T) (*services.SSHSecurityService, *testEnv, *sshdHost, *models.Server) {
	t.Helper()
	env := newTestEnv(t)
	host := &sshdHost{config: stockSSHDConfig}
	env.Exec.respond = host.respond
	srv := env.createServer(t, "web1")
	return services.NewSSHSecurityService(env.DB, env.Servers, env.Logger), env, host, srv
}

func TestSSHSecurityService_LoadAndStatus(t *testing.T) {
	svc, _, _, srv := newSSHSecurity(t)

	defaults, err := svc.Get(srv.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if defaults.LastSyncedAt != nil || defaults.Port != 22 {
		t.Errorf("expected unsynced defaults, got %+v", defaults)
	}

	cfg, err := svc.LoadSSHConfig(context.Background(), srv.ID, nil)
	if err != nil {
		t.Fatalf("LoadSSHConfig returned error: %v", err)
	}
	if !cfg.RootLoginEnabled || !cfg.X11Forwarding || cfg.LastSyncedAt == nil {
		t.Errorf("unexpected parsed config: %+v", cfg)
	}

	status, _ := svc.Status(srv.ID)
	// root login, password auth, default port, MaxAuthTries 6, X11
	if status.Score != 15 || len(status.Issues) != 5 {
		t.Errorf("unexpected score %d issues %v", status.Score, status.Issues)
	}

	if _, err := svc.Get(9999); !errors.Is(err, services.ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
}

func TestSSHSecurityService_HardenSSH(t *testing.T) {
	svc, env, host, srv := newSSHSecurity(t)
	userID := int64(1)

	cfg, err := svc.HardenSSH(context.Background(), srv.ID, &userID)
	if err != nil {
		t.Fatalf("HardenSSH returned error: %v", err)
	}
	if cfg.RootLoginEnabled || cfg.PasswordAuthEnabled || cfg.MaxAuthTries != 3 {
		t.Errorf("unexpected hardened config: %+v", cfg)
	}
	if !strings.Contains(host.config, "PermitRootLogin no") || !strings.Contains(host.config, "UsePAM yes") {
		t.Errorf("expected directives rewritten in place:\n%s", host.config)
	}
	if !env.Exec.ran("sshd -t") {
		t.Error("expected the new config to be validated")
	}
	if env.Exec.ran("systemctl restart") {
		t.Error("expected hardening not to restart sshd")
	}

	events, _ := svc.Events(srv.ID, 10)
	if len(events) != 1 || events[0].EventType != services.EventSSHHardened {
		t.Errorf("unexpected events: %+v", events)
	}
}

func TestSSHSecurityService_InvalidConfigRestored(t *testing.T) {
	svc, _, host, srv := newSSHSecurity(t)
	host.reject = true

	_, err := svc.ChangePort(context.Background(), srv.ID, nil, 2222)
	if !errors.Is(err, services.ErrSSHInvalidConfig) {
		t.Fatalf("expected ErrSSHInvalidConfig, got %v", err)
	}
	if host.config != stockSSHDConfig {
		t.Error("expected the original config to be untouched")
	}
	events, _ := svc.Events(0, 10)
	if len(events) != 1 || events[0].EventType != services.EventSSHUpdateFailed {
		t.Errorf("expected an update failure event, got %+v", events)
	}
}

func TestSSHSecurityService_UpdateConfig(t *testing.T) {
	svc, _, host, srv := newSSHSecurity(t)

	if _, err := svc.UpdateConfig(context.Background(), srv.ID, nil, models.UpdateSSHConfigRequest{Port: ptr(80)}); !errors.Is(err, validation.ErrPrivilegedPort) {
		t.Errorf("expected ErrPrivilegedPort, got %v", err)
	}

	cfg, err := svc.UpdateConfig(context.Background(), srv.ID, nil, models.UpdateSSHConfigRequest{
		Port:          ptr(2222),
		X11Forwarding: ptr(false),
	})
	if err != nil {
		t.Fatalf("UpdateConfig returned error: %v", err)
	}
	if cfg.Port != 2222 || cfg.X11Forwarding {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if !strings.Contains(host.config, "Port 2222") {
		t.Errorf("expected the port directive to be set:\n%s", host.config)
	}
}

func TestSSHSecurityService_ToggleRootLogin(t *testing.T) {
	svc, _, _, srv := newSSHSecurity(t)

	cfg, err := svc.ToggleRootLogin(context.Background(), srv.ID, nil)
	if err != nil {
		t.Fatalf("ToggleRootLogin returned error: %v", err)
	}
	if cfg.RootLoginEnabled {
		t.Error("expected root login to be disabled")
	}
	cfg, _ = svc.ToggleRootLogin(context.Background(), srv.ID, nil)
	if !cfg.RootLoginEnabled {
		t.Error("expected root login to be enabled again")
	}
}
