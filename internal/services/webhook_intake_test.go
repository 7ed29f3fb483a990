package services_test

import (
	"errors"
	"testing"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/webhook"
)

const githubPush = `{"ref":"refs/heads/main","after":"9f8e7d6c","head_commit":{"id":"9f8e7d6c","message":"fix checkout"},"sender":{"login":"octocat"}}`

func newIntake(t *testing.T) (*services.WebhookIntakeService, *services.PipelineService, *testEnv, *models.Project) {
	t.Helper()
	env := newTestEnv(t)
	p, err := env.Projects.Create(models.CreateProjectRequest{
		Name:           "Shop",
		WorkingDir:     "/var/www/shop",
		WebhookEnabled: true,
		AutoDeploy:     true,
	})
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	pipelines := services.NewPipelineService(env.DB, env.Config, env.Projects, env.Servers, env.Queue, env.Logger)
	return services.NewWebhookIntakeService(env.Projects, env.Deployments, pipelines, env.Logger), pipelines, env, p
}

func TestWebhookIntake_GitHubPush(t *testing.T) {
	intake, _, env, p := newIntake(t)
	body := []byte(githubPush)

	res, err := intake.HandleGitHub(services.WebhookRequest{
		Secret:    p.WebhookSecret,
		Event:     "push",
		Signature: webhook.SignGitHub(body, p.WebhookSecret),
		Body:      body,
	})
	if err != nil {
		t.Fatalf("HandleGitHub returned error: %v", err)
	}
	if res.Message != services.MsgDeploymentTriggered || res.DeploymentID == nil {
		t.Fatalf("expected a deployment, got %+v", res)
	}
	d, _ := env.Deployments.Get(*res.DeploymentID)
	if d.CommitHash != "9f8e7d6c" || d.Trigger != models.TriggerWebhook {
		t.Errorf("unexpected deployment: %+v", d)
	}

	deliveries, _ := env.Projects.Deliveries(p.ID, 10)
	if len(deliveries) != 1 || deliveries[0].Status != models.DeliveryProcessed {
		t.Errorf("expected one processed delivery, got %+v", deliveries)
	}
}

func TestWebhookIntake_GitHubBadSignature(t *testing.T) {
	intake, _, env, p := newIntake(t)

	_, err := intake.HandleGitHub(services.WebhookRequest{
		Secret:    p.WebhookSecret,
		Event:     "push",
		Signature: "sha256=deadbeef",
		Body:      []byte(githubPush),
	})
	if !errors.Is(err, services.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if job, _ := env.Queue.Reserve([]string{queue.QueueDeployments}); job != nil {
		t.Error("expected no deployment to be queued")
	}

	_, err = intake.HandleGitHub(services.WebhookRequest{Secret: "unknown", Event: "push", Body: []byte(githubPush)})
	if !errors.Is(err, services.ErrInvalidWebhookSecret) {
		t.Errorf("expected ErrInvalidWebhookSecret, got %v", err)
	}
}

func TestWebhookIntake_GitHubPing(t *testing.T) {
	intake, _, _, p := newIntake(t)
	body := []byte(`{"zen":"Keep it logically awesome."}`)

	res, err := intake.HandleGitHub(services.WebhookRequest{
		Secret:    p.WebhookSecret,
		Event:     "ping",
		Signature: webhook.SignGitHub(body, p.WebhookSecret),
		Body:      body,
	})
	if err != nil {
		t.Fatalf("HandleGitHub returned error: %v", err)
	}
	if res.Message != services.MsgPong {
		t.Errorf("expected pong, got %q", res.Message)
	}
}

func TestWebhookIntake_OtherBranchIgnored(t *testing.T) {
	intake, _, env, p := newIntake(t)
	body := []byte(`{"ref":"refs/heads/feature/x","after":"abc"}`)

	res, err := intake.HandleGitHub(services.WebhookRequest{
		Secret:    p.WebhookSecret,
		Event:     "push",
		Signature: webhook.SignGitHub(body, p.WebhookSecret),
		Body:      body,
	})
	if err != nil {
		t.Fatalf("HandleGitHub returned error: %v", err)
	}
	if res.DeploymentID != nil || res.Message != services.MsgEventAcknowledged {
		t.Errorf("expected event to be acknowledged only, got %+v", res)
	}
	deliveries, _ := env.Projects.Deliveries(p.ID, 10)
	if len(deliveries) != 1 || deliveries[0].Status != models.DeliveryIgnored {
		t.Errorf("expected an ignored delivery, got %+v", deliveries)
	}
}

func TestWebhookIntake_GitLabToken(t *testing.T) {
	intake, _, _, p := newIntake(t)
	body := []byte(`{"object_kind":"push","ref":"refs/heads/main","checkout_sha":"123abc","user_username":"dev"}`)

	if _, err := intake.HandleGitLab(services.WebhookRequest{Secret: p.WebhookSecret, Token: "wrong", Event: "Push Hook", Body: body}); !errors.Is(err, services.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	res, err := intake.HandleGitLab(services.WebhookRequest{Secret: p.WebhookSecret, Token: p.WebhookSecret, Event: "Push Hook", Body: body})
	if err != nil {
		t.Fatalf("HandleGitLab returned error: %v", err)
	}
	if res.DeploymentID == nil {
		t.Errorf("expected a deployment, got %+v", res)
	}
}

func TestWebhookIntake_BitbucketUntrusted(t *testing.T) {
	intake, _, _, p := newIntake(t)

	_, err := intake.HandleBitbucket(services.WebhookRequest{Secret: p.WebhookSecret, SourceIP: "203.0.113.9", Event: "repo:push", Body: []byte(`{}`)})
	if !errors.Is(err, services.ErrUntrustedSource) {
		t.Errorf("expected ErrUntrustedSource, got %v", err)
	}
}

func TestWebhookIntake_DeployToken(t *testing.T) {
	intake, _, env, p := newIntake(t)

	res, err := intake.HandleDeployToken(services.WebhookRequest{Secret: p.Slug, Body: []byte(`{"branch":"hotfix","commit":"c0ffee"}`)})
	if err != nil {
		t.Fatalf("HandleDeployToken returned error: %v", err)
	}
	d, _ := env.Deployments.Get(*res.DeploymentID)
	if d.Branch != "hotfix" || d.CommitHash != "c0ffee" {
		t.Errorf("unexpected deployment: %+v", d)
	}

	// the webhook secret works as a token too, an empty body deploys the project branch
	res, err = intake.HandleDeployToken(services.WebhookRequest{Secret: p.WebhookSecret})
	if err != nil {
		t.Fatalf("HandleDeployToken by secret returned error: %v", err)
	}
	d, _ = env.Deployments.Get(*res.DeploymentID)
	if d.Branch != "main" {
		t.Errorf("expected project branch, got %q", d.Branch)
	}

	if _, err := intake.HandleDeployToken(services.WebhookRequest{Secret: "nope"}); !errors.Is(err, services.ErrInvalidDeployToken) {
		t.Errorf("expected ErrInvalidDeployToken, got %v", err)
	}
}

func TestWebhookIntake_DeployTokenAutoDeployDisabled(t *testing.T) {
	intake, _, env, p := newIntake(t)
	if _, err := env.Projects.Update(p.ID, models.UpdateProjectRequest{AutoDeploy: ptr(false)}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	if _, err := intake.HandleDeployToken(services.WebhookRequest{Secret: p.Slug}); !errors.Is(err, services.ErrAutoDeployDisabled) {
		t.Errorf("expected ErrAutoDeployDisabled, got %v", err)
	}
}

func TestWebhookIntake_TriggersPipelines(t *testing.T) {
	intake, pipelines, _, p := newIntake(t)
	if _, err := pipelines.Create(models.CreatePipelineRequest{
		ProjectID:     p.ID,
		Name:          "ci",
		Provider:      models.ProviderCustom,
		TriggerEvents: []string{"push"},
		BranchFilters: []string{"main"},
		Configuration: models.PipelineConfig{Stages: []models.PipelineStage{{Name: "test", Steps: []models.PipelineStep{{Name: "unit", Run: "go test ./..."}}}}},
	}); err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	body := []byte(githubPush)

	res, err := intake.HandleGitHub(services.WebhookRequest{
		Secret:    p.WebhookSecret,
		Event:     "push",
		Signature: webhook.SignGitHub(body, p.WebhookSecret),
		Body:      body,
	})
	if err != nil {
		t.Fatalf("HandleGitHub returned error: %v", err)
	}
	if len(res.PipelineRuns) != 1 {
		t.Errorf("expected one pipeline run, got %v", res.PipelineRuns)
	}
}
