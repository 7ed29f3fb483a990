package services_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

func TestServerService_CreateEncryptsSecrets(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")

	if srv.Port != 22 {
		t.Errorf("expected default port 22, got %d", srv.Port)
	}
	if srv.Status != models.ServerUnknown {
		t.Errorf("expected status unknown, got %q", srv.Status)
	}
	if srv.SSHPassword == "" || srv.SSHPassword == "secret" {
		t.Error("expected the ssh password to be encrypted")
	}

	target, err := env.Servers.Target(srv)
	if err != nil {
		t.Fatalf("Target returned error: %v", err)
	}
	if target.Password != "secret" || target.Host != "10.0.0.5" || target.User != "deploy" {
		t.Errorf("unexpected target: %+v", target)
	}
}

func TestServerService_UpdateResetsHostKey(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")
	env.Servers.PinHostKey("10.0.0.5", "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl")

	pinned, _ := env.Servers.Get(srv.ID)
	if pinned.HostKey == "" {
		t.Fatal("expected host key to be pinned")
	}

	updated, err := env.Servers.Update(srv.ID, models.UpdateServerRequest{IPAddress: ptr("10.0.0.6")})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.HostKey != "" {
		t.Error("expected host key to be cleared when the address changes")
	}
}

func TestServerService_DeleteInUse(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")
	env.createProject(t, "App", &srv.ID)

	if err := env.Servers.Delete(srv.ID); !errors.Is(err, services.ErrServerInUse) {
		t.Errorf("expected ErrServerInUse, got %v", err)
	}
	if err := env.Servers.Delete(9999); !errors.Is(err, services.ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
}

func TestServerService_TestConnection(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")

	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		return &remote.Result{Stdout: "ok\n"}, nil
	}
	res, err := env.Servers.TestConnection(context.Background(), srv.ID)
	if err != nil {
		t.Fatalf("TestConnection returned error: %v", err)
	}
	if !res.Success || res.Status != models.ServerOnline {
		t.Errorf("expected online, got %+v", res)
	}
	got, _ := env.Servers.Get(srv.ID)
	if got.Status != models.ServerOnline || got.LastPingAt == nil {
		t.Errorf("expected stored status online with ping time, got %q", got.Status)
	}

	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		return nil, errors.New("dial tcp 10.0.0.5:22: connection refused")
	}
	res, _ = env.Servers.TestConnection(context.Background(), srv.ID)
	if res.Success || res.Status != models.ServerOffline {
		t.Errorf("expected offline, got %+v", res)
	}
	if !strings.Contains(res.Message, "connection refused") {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestServerService_TestConnection_Maintenance(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")
	status := models.ServerMaintenance
	_, _ = env.Servers.Update(srv.ID, models.UpdateServerRequest{Status: &status})

	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		return &remote.Result{Stdout: "ok"}, nil
	}
	res, _ := env.Servers.TestConnection(context.Background(), srv.ID)
	if res.Status != models.ServerMaintenance {
		t.Errorf("expected maintenance to be preserved, got %q", res.Status)
	}
}

func TestServerService_RefreshStatus_Remote(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")

	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		return &remote.Result{Stdout: strings.Join([]string{
			"== nproc", "4",
			"== free",
			"              total        used        free      shared  buff/cache   available",
			"Mem:     8589934592  4294967296  1073741824           0  3221225472  4294967296",
			"== df",
			"Filesystem     1024-blocks     Used Available Capacity Mounted on",
			"/dev/sda1       104857600 52428800  52428800      50% /",
			"== loadavg", "0.10 0.20 0.30 1/100 1234",
			"== uptime", "3600.5 7200.1",
			"== os", "Ubuntu 24.04 LTS",
			"== docker", "/usr/bin/docker",
		}, "\n")}, nil
	}

	updated, snap, err := env.Servers.RefreshStatus(context.Background(), srv.ID)
	if err != nil {
		t.Fatalf("RefreshStatus returned error: %v", err)
	}
	if updated.CPUCores != 4 || updated.MemoryMB != 8192 {
		t.Errorf("unexpected resources: cores=%d memory=%d", updated.CPUCores, updated.MemoryMB)
	}
	if updated.OSInfo != "Ubuntu 24.04 LTS" || !updated.DockerInstalled {
		t.Errorf("unexpected os/docker: %q %v", updated.OSInfo, updated.DockerInstalled)
	}
	if updated.Status != models.ServerOnline {
		t.Errorf("expected online, got %q", updated.Status)
	}
	if snap.Uptime != 3600 {
		t.Errorf("expected uptime 3600, got %d", snap.Uptime)
	}
}

func TestServerService_RefreshStatus_Unreachable(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")
	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		return nil, errors.New("i/o timeout")
	}

	_, _, err := env.Servers.RefreshStatus(context.Background(), srv.ID)
	if !errors.Is(err, services.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	got, _ := env.Servers.Get(srv.ID)
	if got.Status != models.ServerOffline {
		t.Errorf("expected offline, got %q", got.Status)
	}
}

func TestServerService_LocalTarget(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Servers.Run(context.Background(), nil, remote.Command{Script: "true"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	calls := env.Exec.Calls()
	if len(calls) != 1 || calls[0].Target.Host != "localhost" {
		t.Errorf("expected a localhost target, got %+v", calls)
	}
}
