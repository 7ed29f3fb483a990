package services_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/notify"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// fakeCall is one command seen by fakeExecutor.
type fakeCall struct {
	Target remote.Target
	Cmd    remote.Command
	Stdin  string
}

// fakeExecutor records commands and answers them through respond. With no
// respond func every command succeeds with empty output.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []fakeCall
	respond func(call fakeCall) (*remote.Result, error)
}

func (f *fakeExecutor) Run(ctx context.Context, t remote.Target, cmd remote.Command) (*remote.Result, error) {
	call := fakeCall{Target: t, Cmd: cmd}
	if cmd.Stdin != nil {
		b, _ := io.ReadAll(cmd.Stdin)
		call.Stdin = string(b)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &remote.Result{}, nil
	}
	return respond(call)
}

func (f *fakeExecutor) Stream(ctx context.Context, t remote.Target, cmd remote.Command, stdout, stderr io.Writer) (int, error) {
	res, err := f.Run(ctx, t, cmd)
	if err != nil {
		return -1, err
	}
	_, _ = io.WriteString(stdout, res.Stdout)
	_, _ = io.WriteString(stderr, res.Stderr)
	return res.ExitCode, nil
}

func (f *fakeExecutor) Scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Cmd.Script
	}
	return out
}

func (f *fakeExecutor) Calls() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeCall(nil), f.calls...)
}

// ran reports whether any recorded script contains substr.
func (f *fakeExecutor) ran(substr string) bool {
	for _, s := range f.Scripts() {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// fakeSender records notifications instead of posting them.
type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, channelType, url, secret string, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) Test(ctx context.Context, channelType, url string) error {
	return f.err
}

func (f *fakeSender) Sent() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.sent...)
}

type testEnv struct {
	DB          *database.DB
	Config      *config.Config
	Crypto      *services.CryptoService
	Exec        *fakeExecutor
	Sender      *fakeSender
	Queue       *queue.Queue
	Servers     *services.ServerService
	Projects    *services.ProjectService
	Deployments *services.DeploymentService
	Notify      *services.NotificationService
	Logger      zerolog.Logger
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	crypto, err := services.NewCryptoService(testKey)
	if err != nil {
		t.Fatalf("failed to create crypto service: %v", err)
	}

	cfg := &config.Config{}
	cfg.Auth.BcryptCost = 4
	cfg.Auth.SessionDuration = "24h"
	cfg.Execution.DefaultTimeout = 60
	cfg.Execution.MaxTimeout = 600
	cfg.Execution.MaxOutputSize = 1 << 20

	logger := zerolog.Nop()
	exec := &fakeExecutor{}
	sender := &fakeSender{}
	q := queue.New(db)
	servers := services.NewServerService(db, crypto, exec, logger)
	projects := services.NewProjectService(db)
	notifications := services.NewNotificationService(db, crypto, sender, 0, logger)

	return &testEnv{
		DB:          db,
		Config:      cfg,
		Crypto:      crypto,
		Exec:        exec,
		Sender:      sender,
		Queue:       q,
		Servers:     servers,
		Projects:    projects,
		Deployments: services.NewDeploymentService(db, cfg, projects, servers, q, nil, logger),
		Notify:      notifications,
		Logger:      logger,
	}
}

func (e *testEnv) createServer(t *testing.T, name string) *models.Server {
	t.Helper()
	srv, err := e.Servers.Create(models.CreateServerRequest{
		Name:        name,
		Hostname:    name + ".example.com",
		IPAddress:   "10.0.0.5",
		Username:    "deploy",
		SSHPassword: "secret",
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func (e *testEnv) createProject(t *testing.T, name string, serverID *int64) *models.Project {
	t.Helper()
	p, err := e.Projects.Create(models.CreateProjectRequest{
		Name:       name,
		ServerID:   serverID,
		WorkingDir: "/var/www/" + strings.ToLower(name),
		Branch:     "main",
		Domain:     strings.ToLower(name) + ".example.com",
	})
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return p
}

func ptr[T any](v T) *T { return &v }
