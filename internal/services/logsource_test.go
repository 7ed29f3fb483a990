package services_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// remoteFile answers wc and tail commands from an in-memory file.
func remoteFile(content *string) func(fakeCall) (*remote.Result, error) {
	return func(c fakeCall) (*remote.Result, error) {
		switch {
		case strings.HasPrefix(c.Cmd.Script, "wc -c"):
			return &remote.Result{Stdout: fmt.Sprintf("%d\n", len(*content))}, nil
		case strings.HasPrefix(c.Cmd.Script, "tail -c +"):
			rest := strings.TrimPrefix(c.Cmd.Script, "tail -c +")
			start, _ := strconv.Atoi(rest[:strings.IndexByte(rest, ' ')])
			return &remote.Result{Stdout: (*content)[start-1:]}, nil
		}
		return &remote.Result{ExitCode: 1, Stderr: "unexpected command"}, nil
	}
}

func newLogSources(t *testing.T) (*services.LogSourceService, *testEnv, *models.Project) {
	t.Helper()
	env := newTestEnv(t)
	srv := env.createServer(t, "web1")
	p := env.createProject(t, "Shop", &srv.ID)
	return services.NewLogSourceService(env.DB, env.Servers, env.Projects, env.Logger), env, p
}

func TestLogSourceService_CreateFromProject(t *testing.T) {
	svc, _, p := newLogSources(t)

	ls, err := svc.Create(models.CreateLogSourceRequest{ProjectID: &p.ID, Name: "app", Type: models.LogSourceFile, Path: "storage/logs/laravel.log"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if ls.Path != "/var/www/shop/storage/logs/laravel.log" {
		t.Errorf("expected path inside the working dir, got %q", ls.Path)
	}
	if ls.ServerID == nil || *ls.ServerID != *p.ServerID {
		t.Errorf("expected the project's server, got %v", ls.ServerID)
	}
	if !ls.Enabled || ls.ReadOffset != 0 {
		t.Errorf("unexpected source: %+v", ls)
	}
}

func TestLogSourceService_SyncIncremental(t *testing.T) {
	svc, env, p := newLogSources(t)
	ls, _ := svc.Create(models.CreateLogSourceRequest{ProjectID: &p.ID, Name: "app", Type: models.LogSourceFile, Path: "storage/logs/laravel.log"})

	file := "[2025-06-01 10:00:00] production.ERROR: Payment failed\n" +
		"#0 /var/www/shop/app/Pay.php(12)\n" +
		"[2025-06-01 10:00:05] production.INFO: Order placed\n" +
		"[2025-06-01 10:00:06] production.INFO: partial"
	env.Exec.respond = remoteFile(&file)

	res, err := svc.Sync(context.Background(), ls.ID)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if res.Imported != 2 {
		t.Errorf("expected the unterminated line to wait, imported %d", res.Imported)
	}
	if res.Offset != int64(strings.LastIndexByte(file, '\n')+1) {
		t.Errorf("expected offset after the last newline, got %d", res.Offset)
	}

	file += " and finished\n"
	res, _ = svc.Sync(context.Background(), ls.ID)
	if res.Imported != 1 || res.Offset != int64(len(file)) {
		t.Errorf("expected one more entry at the end of file, got %+v", res)
	}

	// nothing new
	res, _ = svc.Sync(context.Background(), ls.ID)
	if res.Imported != 0 {
		t.Errorf("expected nothing imported, got %d", res.Imported)
	}

	entries, _ := svc.Tail(ls.ID, 10)
	if len(entries) != 3 || entries[0].Level != "error" || !strings.Contains(entries[0].Message, "Pay.php") {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestLogSourceService_SyncRotation(t *testing.T) {
	svc, env, p := newLogSources(t)
	ls, _ := svc.Create(models.CreateLogSourceRequest{ProjectID: &p.ID, Name: "app", Type: models.LogSourceFile, Path: "/var/log/app.log"})

	file := strings.Repeat("[2025-06-01 10:00:00] line\n", 5)
	env.Exec.respond = remoteFile(&file)
	_, _ = svc.Sync(context.Background(), ls.ID)

	file = "[2025-06-01 11:00:00] error after rotate\n"
	res, err := svc.Sync(context.Background(), ls.ID)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if res.Imported != 1 || res.Offset != int64(len(file)) {
		t.Errorf("expected a rotated file to be read from the start, got %+v", res)
	}
}

func TestLogSourceService_SyncDocker(t *testing.T) {
	svc, env, p := newLogSources(t)
	ls, _ := svc.Create(models.CreateLogSourceRequest{ProjectID: &p.ID, Name: "web", Type: models.LogSourceDocker, Path: "shop-web"})
	env.Exec.respond = func(c fakeCall) (*remote.Result, error) {
		return &remote.Result{Stdout: "2025-06-01T10:00:00.000000000Z GET /health 200\n2025-06-01T10:00:01.000000000Z error: db timeout\n"}, nil
	}

	res, err := svc.Sync(context.Background(), ls.ID)
	if err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}
	if res.Imported != 2 {
		t.Errorf("expected 2 entries, got %d", res.Imported)
	}
	if !env.Exec.ran("docker logs --timestamps --since") {
		t.Errorf("expected docker logs, got %v", env.Exec.Scripts())
	}
	got, _ := svc.Get(ls.ID)
	if got.LastSyncedAt == nil {
		t.Error("expected last sync time to be recorded")
	}
}

func TestLogSourceService_SearchStatsExport(t *testing.T) {
	svc, env, p := newLogSources(t)
	ls, _ := svc.Create(models.CreateLogSourceRequest{ProjectID: &p.ID, Name: "app", Type: models.LogSourceFile, Path: "storage/logs/laravel.log"})
	file := "[2025-06-01 10:00:00] production.ERROR: 100% disk full\n" +
		"[2025-06-01 10:00:01] production.ERROR: queue stalled\n" +
		"[2025-06-01 10:00:02] production.INFO: deploy finished\n"
	env.Exec.respond = remoteFile(&file)
	if _, err := svc.Sync(context.Background(), ls.ID); err != nil {
		t.Fatalf("Sync returned error: %v", err)
	}

	errorsOnly, _ := svc.Search(services.LogFilter{SourceID: ls.ID, Level: "ERROR"})
	if len(errorsOnly) != 2 || errorsOnly[0].Message != "queue stalled" {
		t.Errorf("expected errors newest first, got %+v", errorsOnly)
	}
	literal, _ := svc.Search(services.LogFilter{Pattern: "100%"})
	if len(literal) != 1 {
		t.Errorf("expected the percent sign to match literally, got %d", len(literal))
	}

	stats, _ := svc.Stats(ls.ID)
	if stats["total"] != 3 || stats["error"] != 2 || stats["info"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}

	var buf bytes.Buffer
	n, err := svc.Export(&buf, services.LogFilter{SourceID: ls.ID})
	if err != nil || n != 3 {
		t.Fatalf("Export returned %d %v", n, err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[0] != "logged_at,source_id,level,message" || len(lines) != 4 {
		t.Errorf("unexpected csv:\n%s", buf.String())
	}

	cleared, _ := svc.Clear(ls.ID)
	if cleared != 3 {
		t.Errorf("expected 3 entries cleared, got %d", cleared)
	}
	got, _ := svc.Get(ls.ID)
	if got.ReadOffset != int64(len(file)) {
		t.Errorf("expected the offset to survive a clear, got %d", got.ReadOffset)
	}
}

func TestLogSourceService_Disabled(t *testing.T) {
	svc, _, p := newLogSources(t)
	ls, _ := svc.Create(models.CreateLogSourceRequest{ProjectID: &p.ID, Name: "app", Type: models.LogSourceFile, Path: "app.log", Enabled: ptr(false)})

	if _, err := svc.Sync(context.Background(), ls.ID); !errors.Is(err, services.ErrLogSourceDisabled) {
		t.Errorf("expected ErrLogSourceDisabled, got %v", err)
	}
	if _, err := svc.Get(999); !errors.Is(err, services.ErrLogSourceNotFound) {
		t.Errorf("expected ErrLogSourceNotFound, got %v", err)
	}
}
