package services_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/pipeline"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

func newPipelineEnv(t *testing.T, provider string) (*services.PipelineService, *testEnv, *models.Pipeline) {
	t.Helper()
	env := newTestEnv(t)
	p := env.createProject(t, "App", nil)
	svc := services.NewPipelineService(env.DB, env.Config, env.Projects, env.Servers, env.Queue, env.Logger)
	pl, err := svc.Create(models.CreatePipelineRequest{
		ProjectID:     p.ID,
		Name:          "ci",
		Provider:      provider,
		TriggerEvents: []string{"push"},
		Configuration: models.PipelineConfig{
			Env: map[string]string{"CI": "true"},
			Stages: []models.PipelineStage{
				{Name: "build", Steps: []models.PipelineStep{{Name: "compile", Run: "make build"}}},
				{Name: "test", Steps: []models.PipelineStep{{Name: "unit", Run: "make test"}, {Name: "lint", Run: "make lint"}}},
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return svc, env, pl
}

func TestPipelineService_ExecuteSuccess(t *testing.T) {
	svc, env, pl := newPipelineEnv(t, models.ProviderCustom)

	run, err := svc.Run(pl.ID, services.RunOptions{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if run.Status != models.RunQueued || run.Branch != "main" {
		t.Errorf("unexpected run: %+v", run)
	}
	if err := svc.HandleJob(context.Background(), reserveJob(t, env, queue.QueuePipelines)); err != nil {
		t.Fatalf("HandleJob returned error: %v", err)
	}

	got, _ := svc.GetRun(run.ID)
	if got.Status != models.RunSuccess {
		t.Errorf("expected success, got %q (%s)", got.Status, got.ErrorMessage)
	}
	if len(got.Logs) != 3 {
		t.Errorf("expected 3 step logs, got %d", len(got.Logs))
	}
	if scripts := env.Exec.Scripts(); strings.Join(scripts, ",") != "make build,make test,make lint" {
		t.Errorf("unexpected step order %v", scripts)
	}
	if env.Exec.Calls()[0].Cmd.Env["CI"] != "true" {
		t.Error("expected pipeline env to be passed to steps")
	}
}

func TestPipelineService_ExecuteStopsAtFailure(t *testing.T) {
	svc, env, pl := newPipelineEnv(t, models.ProviderCustom)
	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		if c.Cmd.Script == "make test" {
			return &remote.Result{Stderr: "FAIL\n", ExitCode: 1}, nil
		}
		return &remote.Result{}, nil
	}

	run, _ := svc.Run(pl.ID, services.RunOptions{})
	if err := svc.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	got, _ := svc.GetRun(run.ID)
	if got.Status != models.RunFailed {
		t.Fatalf("expected failed, got %q", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, `"unit"`) {
		t.Errorf("expected the failing step in the error, got %q", got.ErrorMessage)
	}
	if env.Exec.ran("make lint") {
		t.Error("expected steps after the failure to be skipped")
	}
}

func TestPipelineService_ExternalProvider(t *testing.T) {
	svc, env, pl := newPipelineEnv(t, models.ProviderGitHub)

	run, _ := svc.Run(pl.ID, services.RunOptions{CommitHash: "abc"})
	if err := svc.Execute(context.Background(), run.ID); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if len(env.Exec.Calls()) != 0 {
		t.Error("expected external runs not to execute locally")
	}

	got, err := svc.ReportStatus(run.ID, pipeline.ExternalStatus{Status: "completed", Conclusion: "success"})
	if err != nil {
		t.Fatalf("ReportStatus returned error: %v", err)
	}
	if got.Status != models.RunSuccess || got.CompletedAt == nil {
		t.Errorf("unexpected run: %+v", got)
	}

	name, content, err := svc.GenerateConfig(pl.ID)
	if err != nil {
		t.Fatalf("GenerateConfig returned error: %v", err)
	}
	if name != ".github/workflows/devflow.yml" || !strings.Contains(string(content), "make build") {
		t.Errorf("unexpected config %s:\n%s", name, content)
	}
}

func TestPipelineService_CancelAndRetry(t *testing.T) {
	svc, _, pl := newPipelineEnv(t, models.ProviderCustom)
	run, _ := svc.Run(pl.ID, services.RunOptions{CommitHash: "abc", Branch: "develop"})

	if err := svc.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if err := svc.Cancel(run.ID); !errors.Is(err, services.ErrRunFinished) {
		t.Errorf("expected ErrRunFinished, got %v", err)
	}

	retry, err := svc.Retry(run.ID)
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if retry.ID == run.ID || retry.Branch != "develop" || retry.CommitHash != "abc" {
		t.Errorf("unexpected retry: %+v", retry)
	}
}

func TestPipelineService_DisabledPipeline(t *testing.T) {
	svc, _, pl := newPipelineEnv(t, models.ProviderCustom)
	if _, err := svc.Toggle(pl.ID); err != nil {
		t.Fatalf("Toggle returned error: %v", err)
	}

	if _, err := svc.Run(pl.ID, services.RunOptions{Trigger: models.TriggerWebhook}); !errors.Is(err, services.ErrPipelineDisabled) {
		t.Errorf("expected ErrPipelineDisabled, got %v", err)
	}
	// manual runs are allowed on disabled pipelines
	if _, err := svc.Run(pl.ID, services.RunOptions{Trigger: models.TriggerManual}); err != nil {
		t.Errorf("expected manual run to succeed, got %v", err)
	}
}
