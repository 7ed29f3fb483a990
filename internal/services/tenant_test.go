package services_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

func newTenantService(t *testing.T) (*services.TenantService, *testEnv, *models.Project) {
	t.Helper()
	backups, env := newBackupService(t)
	p, err := env.Projects.Create(models.CreateProjectRequest{
		Name:              "Saas",
		WorkingDir:        "/var/www/saas",
		TenantInitCommand: "php artisan tenant:init",
	})
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return services.NewTenantService(env.DB, env.Projects, env.Servers, backups, env.Queue, env.Logger), env, p
}

func TestTenantService_CreateAndStats(t *testing.T) {
	svc, _, p := newTenantService(t)

	acme, err := svc.Create(p.ID, models.CreateTenantRequest{Name: "Acme", Subdomain: "Acme-Corp"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if acme.Subdomain != "acme-corp" || acme.DatabaseName != "tenant_acme_corp" || acme.Plan != "free" {
		t.Errorf("unexpected tenant: %+v", acme)
	}
	if _, err := svc.Create(p.ID, models.CreateTenantRequest{Name: "Dup", Subdomain: "acme-corp"}); !errors.Is(err, services.ErrTenantExists) {
		t.Errorf("expected ErrTenantExists, got %v", err)
	}

	globex, _ := svc.Create(p.ID, models.CreateTenantRequest{Name: "Globex", Subdomain: "globex", Plan: "pro"})
	toggled, _ := svc.ToggleStatus(globex.ID)
	if toggled.Status != models.TenantSuspended {
		t.Errorf("expected suspended, got %q", toggled.Status)
	}

	stats, _ := svc.Stats(p.ID)
	if stats.Total != 2 || stats.Active != 1 || stats.Suspended != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	active, _ := svc.List(p.ID, models.TenantActive)
	if len(active) != 1 || active[0].ID != acme.ID {
		t.Errorf("expected only acme to be active, got %+v", active)
	}
}

func TestTenantService_DeployToTenants(t *testing.T) {
	svc, env, p := newTenantService(t)
	for _, sub := range []string{"a", "b", "c"} {
		_, _ = svc.Create(p.ID, models.CreateTenantRequest{Name: strings.ToUpper(sub), Subdomain: sub})
	}

	var mu sync.Mutex
	seen := map[string]string{}
	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		mu.Lock()
		seen[c.Cmd.Env["TENANT_SUBDOMAIN"]] = c.Cmd.Env["TENANT_DATABASE"]
		mu.Unlock()
		if c.Cmd.Env["TENANT_SUBDOMAIN"] == "b" {
			return &remote.Result{Stderr: "migration failed", ExitCode: 1}, nil
		}
		return &remote.Result{Stdout: "done"}, nil
	}

	summary, err := svc.DeployToTenants(context.Background(), p.ID, services.TenantDeployOptions{})
	if err != nil {
		t.Fatalf("DeployToTenants returned error: %v", err)
	}
	if summary.Total != 3 || summary.Successful != 2 || summary.Failed != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	for _, r := range summary.Results {
		if r.Subdomain == "b" && (r.Success || r.Error != "exit code 1") {
			t.Errorf("expected tenant b to fail, got %+v", r)
		}
	}
	if seen["c"] != "tenant_c" {
		t.Errorf("expected tenant env to be exported, got %v", seen)
	}
	if script := env.Exec.Scripts()[0]; !strings.Contains(script, "migrate --force") || !strings.Contains(script, " && ") {
		t.Errorf("expected the default commands, got %q", script)
	}
}

func TestTenantService_DeploySelection(t *testing.T) {
	svc, env, p := newTenantService(t)
	other, _ := env.Projects.Create(models.CreateProjectRequest{Name: "Other", WorkingDir: "/srv/other"})
	foreign, _ := svc.Create(other.ID, models.CreateTenantRequest{Name: "X", Subdomain: "x"})

	if _, err := svc.DeployToTenants(context.Background(), p.ID, services.TenantDeployOptions{}); !errors.Is(err, services.ErrNoTenants) {
		t.Errorf("expected ErrNoTenants, got %v", err)
	}
	if _, err := svc.DeployToTenants(context.Background(), p.ID, services.TenantDeployOptions{TenantIDs: []int64{foreign.ID}}); !errors.Is(err, services.ErrTenantNotFound) {
		t.Errorf("expected a tenant of another project to be refused, got %v", err)
	}

	mine, _ := svc.Create(p.ID, models.CreateTenantRequest{Name: "Mine", Subdomain: "mine"})
	if _, err := svc.DeployToTenantsAsync(p.ID, services.TenantDeployOptions{TenantIDs: []int64{mine.ID}, Commands: []string{"echo hi"}}); err != nil {
		t.Fatalf("DeployToTenantsAsync returned error: %v", err)
	}
	job := reserveJob(t, env, queue.QueueDeployments)
	if job.JobClass != queue.ClassTenantDeploy {
		t.Errorf("expected class tenant_deploy, got %q", job.JobClass)
	}
	if err := svc.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("HandleJob returned error: %v", err)
	}
	if scripts := env.Exec.Scripts(); len(scripts) != 1 || scripts[0] != "echo hi" {
		t.Errorf("expected the custom command once, got %v", scripts)
	}
}

func TestTenantService_ResetAndBackup(t *testing.T) {
	svc, env, p := newTenantService(t)
	tenant, _ := svc.Create(p.ID, models.CreateTenantRequest{Name: "Acme", Subdomain: "acme"})

	if _, err := svc.Reset(context.Background(), tenant.ID); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	call := env.Exec.Calls()[0]
	if call.Cmd.Script != "php artisan tenant:init" || call.Cmd.Env["TENANT_ID"] == "" {
		t.Errorf("unexpected reset command %+v", call.Cmd)
	}

	b, err := svc.Backup(tenant.ID)
	if err != nil {
		t.Fatalf("Backup returned error: %v", err)
	}
	if b.SourcePath != "/var/www/saas/storage/tenants/acme" || b.Name != "saas-tenant-acme" {
		t.Errorf("unexpected backup %+v", b)
	}

	bare, _ := env.Projects.Create(models.CreateProjectRequest{Name: "Bare", WorkingDir: "/srv/bare"})
	other, _ := svc.Create(bare.ID, models.CreateTenantRequest{Name: "B", Subdomain: "b"})
	if _, err := svc.Reset(context.Background(), other.ID); !errors.Is(err, services.ErrNoTenantInitCommand) {
		t.Errorf("expected ErrNoTenantInitCommand, got %v", err)
	}
	if err := svc.Delete(other.ID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := svc.Get(other.ID); !errors.Is(err, services.ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound, got %v", err)
	}
}
