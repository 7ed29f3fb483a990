package services_test

import (
	"errors"
	"testing"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

func TestProjectService_Create(t *testing.T) {
	env := newTestEnv(t)

	p, err := env.Projects.Create(models.CreateProjectRequest{
		Name:          "My Shop API",
		WorkingDir:    "/var/www/shop",
		RepositoryURL: "git@github.com:acme/shop.git",
		EnvVariables:  map[string]string{"APP_ENV": "production"},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if p.Slug != "my-shop-api" {
		t.Errorf("expected slug my-shop-api, got %q", p.Slug)
	}
	if p.Branch != "main" {
		t.Errorf("expected default branch main, got %q", p.Branch)
	}
	if len(p.WebhookSecret) != 64 {
		t.Errorf("expected a 64 character webhook secret, got %d", len(p.WebhookSecret))
	}
	if p.WebhookProvider != "github" {
		t.Errorf("expected provider github, got %q", p.WebhookProvider)
	}
	if p.EnvVariables["APP_ENV"] != "production" {
		t.Errorf("expected env variables to round trip, got %v", p.EnvVariables)
	}
	if len(p.ExcludePatterns) != len(services.DefaultExcludePatterns) {
		t.Errorf("expected default exclude patterns, got %v", p.ExcludePatterns)
	}
}

func TestProjectService_CreateDuplicateSlug(t *testing.T) {
	env := newTestEnv(t)
	env.createProject(t, "App", nil)

	_, err := env.Projects.Create(models.CreateProjectRequest{Name: "app", WorkingDir: "/srv/app"})
	if !errors.Is(err, services.ErrSlugTaken) {
		t.Errorf("expected ErrSlugTaken, got %v", err)
	}
	_, err = env.Projects.Create(models.CreateProjectRequest{Name: "x", Slug: "Bad Slug", WorkingDir: "/srv/x"})
	if !errors.Is(err, services.ErrInvalidSlug) {
		t.Errorf("expected ErrInvalidSlug, got %v", err)
	}
}

func TestProjectService_Update(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")
	p := env.createProject(t, "App", &srv.ID)

	updated, err := env.Projects.Update(p.ID, models.UpdateProjectRequest{
		Branch:          ptr("develop"),
		RepositoryURL:   ptr("https://gitlab.com/acme/app.git"),
		ServerID:        ptr(int64(0)),
		ExcludePatterns: []string{"tmp"},
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if updated.Branch != "develop" || updated.WebhookProvider != "gitlab" {
		t.Errorf("unexpected project: branch=%q provider=%q", updated.Branch, updated.WebhookProvider)
	}
	if updated.ServerID != nil {
		t.Error("expected server id 0 to unassign the server")
	}
	if len(updated.ExcludePatterns) != 1 || updated.ExcludePatterns[0] != "tmp" {
		t.Errorf("unexpected exclude patterns %v", updated.ExcludePatterns)
	}
}

func TestProjectService_RegenerateWebhookSecret(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "App", nil)

	updated, err := env.Projects.RegenerateWebhookSecret(p.ID)
	if err != nil {
		t.Fatalf("RegenerateWebhookSecret returned error: %v", err)
	}
	if updated.WebhookSecret == p.WebhookSecret {
		t.Error("expected a new secret")
	}
	if _, err := env.Projects.GetByWebhookSecret(p.WebhookSecret); !errors.Is(err, services.ErrProjectNotFound) {
		t.Errorf("expected the old secret to stop working, got %v", err)
	}
	if _, err := env.Projects.GetByWebhookSecret(""); !errors.Is(err, services.ErrProjectNotFound) {
		t.Errorf("expected empty secret to match nothing, got %v", err)
	}
}

func TestProjectService_Deliveries(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "App", nil)

	big := make([]byte, 70*1024)
	for i := range big {
		big[i] = 'x'
	}
	err := env.Projects.RecordDelivery(models.WebhookDelivery{
		ProjectID: &p.ID, Provider: "github", EventType: "push", Status: "success", Payload: string(big),
	})
	if err != nil {
		t.Fatalf("RecordDelivery returned error: %v", err)
	}
	deliveries, err := env.Projects.Deliveries(p.ID, 10)
	if err != nil {
		t.Fatalf("Deliveries returned error: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if len(deliveries[0].Payload) != 64*1024 {
		t.Errorf("expected payload capped at 64KB, got %d", len(deliveries[0].Payload))
	}
}

func TestProjectService_Delete(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "App", nil)

	if err := env.Projects.Delete(p.ID); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := env.Projects.Delete(p.ID); !errors.Is(err, services.ErrProjectNotFound) {
		t.Errorf("expected ErrProjectNotFound, got %v", err)
	}
}
