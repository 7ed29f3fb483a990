package services_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

func reserveJob(t *testing.T, env *testEnv, name string) *models.Job {
	t.Helper()
	job, err := env.Queue.Reserve([]string{name})
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if job == nil {
		t.Fatalf("expected a job on queue %s", name)
	}
	return job
}

func TestDeploymentService_DeployQueuesJob(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "App", nil)

	d, err := env.Deployments.Deploy(p, models.DeployOptions{CommitHash: "abc123"})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if d.Status != models.DeploymentPending || d.Trigger != models.TriggerManual {
		t.Errorf("unexpected deployment: %+v", d)
	}
	if d.Branch != "main" {
		t.Errorf("expected branch to default to the project branch, got %q", d.Branch)
	}

	job := reserveJob(t, env, queue.QueueDeployments)
	if job.JobClass != queue.ClassDeploy {
		t.Errorf("expected class deploy, got %q", job.JobClass)
	}
}

func TestDeploymentService_ExecuteSuccess(t *testing.T) {
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")
	p, _ := env.Projects.Create(models.CreateProjectRequest{
		Name:         "App",
		ServerID:     &srv.ID,
		WorkingDir:   "/var/www/app",
		EnvVariables: map[string]string{"APP_ENV": "production"},
	})
	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		return &remote.Result{Stdout: "Already up to date.\n"}, nil
	}

	d, _ := env.Deployments.Deploy(p, models.DeployOptions{Branch: "release"})
	ch := env.Deployments.Subscribe(d.ID)
	defer env.Deployments.Unsubscribe(d.ID, ch)

	if err := env.Deployments.HandleJob(context.Background(), reserveJob(t, env, queue.QueueDeployments)); err != nil {
		t.Fatalf("HandleJob returned error: %v", err)
	}

	got, _ := env.Deployments.Get(d.ID)
	if got.Status != models.DeploymentSuccess {
		t.Errorf("expected success, got %q", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", got.ExitCode)
	}
	if !strings.Contains(got.Output, "Already up to date.") {
		t.Errorf("expected output to be stored, got %q", got.Output)
	}

	calls := env.Exec.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one command, got %d", len(calls))
	}
	cmd := calls[0].Cmd
	if cmd.Script != "git pull origin release" || cmd.Dir != "/var/www/app" {
		t.Errorf("unexpected command: %q in %q", cmd.Script, cmd.Dir)
	}
	if cmd.Env["APP_ENV"] != "production" || cmd.Env["DEVFLOW_PROJECT"] != "app" {
		t.Errorf("unexpected env: %v", cmd.Env)
	}

	var messages []string
	timeout := time.After(time.Second)
	for done := false; !done; {
		select {
		case msg := <-ch:
			messages = append(messages, msg)
			done = strings.HasPrefix(msg, services.StreamCompletePrefix)
		case <-timeout:
			done = true
		}
	}
	if len(messages) == 0 || messages[len(messages)-1] != services.StreamCompletePrefix+"success" {
		t.Errorf("expected stream to end with complete:success, got %v", messages)
	}
}

func TestDeploymentService_ExecuteFailure(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Projects.Create(models.CreateProjectRequest{Name: "App", WorkingDir: "/srv/app", DeployCommand: "make deploy"})
	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		return &remote.Result{Stderr: "make: *** [deploy] Error 2\n", ExitCode: 2}, nil
	}

	d, _ := env.Deployments.Deploy(p, models.DeployOptions{})
	if err := env.Deployments.Execute(context.Background(), d.ID); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	got, _ := env.Deployments.Get(d.ID)
	if got.Status != models.DeploymentFailed {
		t.Errorf("expected failed, got %q", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %v", got.ExitCode)
	}
	if env.Exec.Scripts()[0] != "make deploy" {
		t.Errorf("expected custom deploy command, got %q", env.Exec.Scripts()[0])
	}
}

func TestDeploymentService_PostponesWhenBusy(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "App", nil)

	first, _ := env.Deployments.Deploy(p, models.DeployOptions{})
	_, _ = env.DB.Exec("UPDATE deployments SET status = ? WHERE id = ?", models.DeploymentRunning, first.ID)
	_, _ = env.Deployments.Deploy(p, models.DeployOptions{})

	_ = reserveJob(t, env, queue.QueueDeployments)
	second := reserveJob(t, env, queue.QueueDeployments)
	err := env.Deployments.HandleJob(context.Background(), second)

	var postpone *queue.PostponeError
	if !errors.As(err, &postpone) {
		t.Fatalf("expected a postpone error, got %v", err)
	}
	if len(env.Exec.Calls()) != 0 {
		t.Error("expected nothing to run while the project is busy")
	}
}

func TestDeploymentService_CancelPending(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "App", nil)
	d, _ := env.Deployments.Deploy(p, models.DeployOptions{})

	if err := env.Deployments.Cancel(d.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	got, _ := env.Deployments.Get(d.ID)
	if got.Status != models.DeploymentCancelled {
		t.Errorf("expected cancelled, got %q", got.Status)
	}
	if err := env.Deployments.Cancel(d.ID); !errors.Is(err, services.ErrDeploymentFinished) {
		t.Errorf("expected ErrDeploymentFinished, got %v", err)
	}

	// a cancelled deployment's job is a no-op
	if err := env.Deployments.HandleJob(context.Background(), reserveJob(t, env, queue.QueueDeployments)); err != nil {
		t.Errorf("HandleJob returned error: %v", err)
	}
	if len(env.Exec.Calls()) != 0 {
		t.Error("expected a cancelled deployment not to run")
	}
}

func TestDeploymentService_ListAndLatest(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "App", nil)

	if latest, err := env.Deployments.Latest(p.ID); err != nil || latest != nil {
		t.Fatalf("expected no latest deployment, got %v %v", latest, err)
	}
	_, _ = env.Deployments.Deploy(p, models.DeployOptions{})
	second, _ := env.Deployments.Deploy(p, models.DeployOptions{Trigger: models.TriggerWebhook})

	list, err := env.Deployments.List(p.ID, 10, 0)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Errorf("expected newest first, got %+v", list)
	}
	latest, _ := env.Deployments.Latest(p.ID)
	if latest.ID != second.ID || latest.Trigger != models.TriggerWebhook {
		t.Errorf("unexpected latest deployment: %+v", latest)
	}
	if _, err := env.Deployments.Get(999); !errors.Is(err, services.ErrDeploymentNotFound) {
		t.Errorf("expected ErrDeploymentNotFound, got %v", err)
	}
}
