package services_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pandeptwidyaop/devflow/internal/archive"
	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/storage"
)

func newBackupService(t *testing.T) (*services.BackupService, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	store := storage.NewManagerWith(local)
	return services.NewBackupService(env.DB, store, env.Servers, env.Projects, env.Queue, nil, env.Logger), env
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("failed to read %s: %v", p, err)
	}
	return string(b)
}

func TestBackupService_FullBackupAndRestore(t *testing.T) {
	svc, _ := newBackupService(t)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"index.php":          "<?php echo 1;",
		"config/app.yml":     "name: shop",
		"node_modules/x.js":  "skip me",
		"storage/logs/a.log": "noise",
	})

	b, err := svc.CreateAndRun(context.Background(), models.CreateBackupRequest{Type: models.BackupFull, SourcePath: src})
	if err != nil {
		t.Fatalf("CreateAndRun returned error: %v", err)
	}
	if b.Status != models.BackupCompleted || b.Checksum == "" || b.SizeBytes == 0 {
		t.Fatalf("unexpected backup: %+v", b)
	}
	if b.StorageDriver != storage.DriverLocal {
		t.Errorf("expected local driver, got %q", b.StorageDriver)
	}

	manifest, _ := svc.Manifest(b.ID)
	if len(manifest.Files) != 2 {
		t.Errorf("expected default excludes to drop node_modules and logs, got %+v", manifest.Files)
	}

	dest := t.TempDir()
	res, err := svc.Restore(context.Background(), b.ID, models.RestoreBackupRequest{TargetPath: dest})
	if err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	if res.Files != 2 || res.Layers != 1 {
		t.Errorf("unexpected restore result: %+v", res)
	}
	if got := readFile(t, filepath.Join(dest, "config/app.yml")); got != "name: shop" {
		t.Errorf("unexpected restored content %q", got)
	}

	// restoring again without overwrite refuses to clobber files
	_, err = svc.Restore(context.Background(), b.ID, models.RestoreBackupRequest{TargetPath: dest})
	if !errors.Is(err, archive.ErrFileExists) {
		t.Errorf("expected ErrFileExists, got %v", err)
	}
}

func TestBackupService_IncrementalChain(t *testing.T) {
	svc, _ := newBackupService(t)
	ctx := context.Background()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "one", "b.txt": "two"})

	if _, err := svc.CreateAndRun(ctx, models.CreateBackupRequest{Type: models.BackupIncremental, SourcePath: src}); !errors.Is(err, services.ErrNoParentBackup) {
		t.Fatalf("expected ErrNoParentBackup without a full backup, got %v", err)
	}

	full, err := svc.CreateAndRun(ctx, models.CreateBackupRequest{Type: models.BackupFull, SourcePath: src})
	if err != nil {
		t.Fatalf("full backup failed: %v", err)
	}

	writeFiles(t, src, map[string]string{"a.txt": "one, changed", "c.txt": "three"})
	if err := os.Remove(filepath.Join(src, "b.txt")); err != nil {
		t.Fatal(err)
	}

	inc, err := svc.CreateAndRun(ctx, models.CreateBackupRequest{Type: models.BackupIncremental, SourcePath: src})
	if err != nil {
		t.Fatalf("incremental backup failed: %v", err)
	}
	if inc.ParentBackupID == nil || *inc.ParentBackupID != full.ID {
		t.Fatalf("expected parent %d, got %v", full.ID, inc.ParentBackupID)
	}

	chain, err := svc.Chain(inc.ID)
	if err != nil || len(chain) != 2 || chain[0].ID != full.ID {
		t.Fatalf("unexpected chain %v %v", chain, err)
	}

	dest := t.TempDir()
	res, err := svc.Restore(ctx, inc.ID, models.RestoreBackupRequest{TargetPath: dest})
	if err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	if res.Layers != 2 || res.Deleted != 1 {
		t.Errorf("unexpected restore result: %+v", res)
	}
	if got := readFile(t, filepath.Join(dest, "a.txt")); got != "one, changed" {
		t.Errorf("expected the newest content, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dest, "b.txt")); !os.IsNotExist(err) {
		t.Error("expected b.txt to be removed by the incremental layer")
	}

	if err := svc.Delete(ctx, full.ID); !errors.Is(err, services.ErrBackupHasDependents) {
		t.Errorf("expected ErrBackupHasDependents, got %v", err)
	}
	if err := svc.Delete(ctx, inc.ID); err != nil {
		t.Errorf("Delete returned error: %v", err)
	}
	if err := svc.Delete(ctx, full.ID); err != nil {
		t.Errorf("expected full backup delete after its child is gone, got %v", err)
	}
}

func plainTar(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: "./" + name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestBackupService_RemoteIncrementalRecordsDeletions(t *testing.T) {
	svc, env := newBackupService(t)
	ctx := context.Background()
	srv := env.createServer(t, "web")

	remoteFiles := map[string]string{"a.txt": "one", "b.txt": "two"}
	env.Exec.respond = func(call fakeCall) (*remote.Result, error) {
		switch {
		case strings.Contains(call.Cmd.Script, "-printf"):
			var listing strings.Builder
			for name, body := range remoteFiles {
				fmt.Fprintf(&listing, "1700000000.0\t%d\t./%s\x00", len(body), name)
			}
			return &remote.Result{Stdout: listing.String()}, nil
		case strings.Contains(call.Cmd.Script, "tar --null"):
			shipped := make(map[string]string)
			for _, name := range strings.Split(strings.TrimSuffix(call.Stdin, "\x00"), "\x00") {
				shipped[name] = remoteFiles[name]
			}
			return &remote.Result{Stdout: plainTar(t, shipped)}, nil
		case strings.Contains(call.Cmd.Script, "tar -cf -"):
			return &remote.Result{Stdout: plainTar(t, remoteFiles)}, nil
		}
		return &remote.Result{}, nil
	}

	full, err := svc.CreateAndRun(ctx, models.CreateBackupRequest{Type: models.BackupFull, ServerID: &srv.ID, SourcePath: "/srv/app"})
	if err != nil {
		t.Fatalf("full backup failed: %v", err)
	}
	if full.Manifest == nil || len(full.Manifest.Files) != 2 {
		t.Fatalf("unexpected full manifest: %+v", full.Manifest)
	}

	remoteFiles = map[string]string{"a.txt": "one, changed", "c.txt": "three"}
	inc, err := svc.CreateAndRun(ctx, models.CreateBackupRequest{Type: models.BackupIncremental, ServerID: &srv.ID, SourcePath: "/srv/app"})
	if err != nil {
		t.Fatalf("incremental backup failed: %v", err)
	}

	m, _ := svc.Manifest(inc.ID)
	if len(m.Deleted) != 1 || m.Deleted[0] != "b.txt" {
		t.Errorf("expected b.txt recorded as deleted, got %v", m.Deleted)
	}
	if len(m.Files) != 2 || m.Files[0].Path != "a.txt" || m.Files[1].Path != "c.txt" {
		t.Errorf("expected a.txt and c.txt in the manifest, got %+v", m.Files)
	}
	for _, c := range env.Exec.Calls() {
		if strings.Contains(c.Cmd.Script, "tar --null") && c.Stdin != "a.txt\x00c.txt\x00" {
			t.Errorf("unexpected ship list %q", c.Stdin)
		}
	}

	res, err := svc.Restore(ctx, inc.ID, models.RestoreBackupRequest{TargetPath: "/srv/restore"})
	if err != nil {
		t.Fatalf("Restore returned error: %v", err)
	}
	if res.Deleted != 1 {
		t.Errorf("expected one deletion replayed, got %+v", res)
	}
	if !env.Exec.ran("rm -f -- 'b.txt'") {
		t.Errorf("expected the remote restore to remove b.txt, ran %v", env.Exec.Scripts())
	}
}

func TestBackupService_QueuedAndFailed(t *testing.T) {
	svc, env := newBackupService(t)

	b, err := svc.Create(models.CreateBackupRequest{Type: models.BackupFull, SourcePath: "/does/not/exist"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if b.Status != models.BackupPending || b.Name != "exist" {
		t.Errorf("unexpected backup: %+v", b)
	}

	job := reserveJob(t, env, queue.QueueBackups)
	if err := svc.HandleJob(context.Background(), job); !errors.Is(err, archive.ErrSourceNotFound) {
		t.Errorf("expected ErrSourceNotFound, got %v", err)
	}
	got, _ := svc.Get(b.ID)
	if got.Status != models.BackupFailed || got.ErrorMessage == "" {
		t.Errorf("expected a failed backup with a message, got %+v", got)
	}

	stats, _ := svc.Stats()
	if stats.Total != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestBackupService_FailedJobSettlesFailed(t *testing.T) {
	svc, env := newBackupService(t)
	pool := queue.NewPool(env.Queue, config.QueueConfig{MaxAttempts: 3, RetryBackoff: "1ms"}, env.Logger)
	pool.Handle(queue.ClassBackup, svc.HandleJob)

	b, err := svc.Create(models.CreateBackupRequest{Type: models.BackupFull, SourcePath: "/does/not/exist"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	countRows := func(table string) int {
		var n int
		if err := env.DB.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		return n
	}

	deadline := time.Now().Add(5 * time.Second)
	for countRows("jobs") > 0 {
		if time.Now().After(deadline) {
			t.Fatal("backup job never left the queue")
		}
		job, err := env.Queue.Reserve([]string{queue.QueueBackups})
		if err != nil {
			t.Fatalf("Reserve returned error: %v", err)
		}
		if job == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		pool.RunJob(context.Background(), job)
	}

	got, _ := svc.Get(b.ID)
	if got.Status != models.BackupFailed {
		t.Errorf("expected backup failed after the last attempt, got %s", got.Status)
	}
	if n := countRows("failed_jobs"); n != 1 {
		t.Errorf("expected 1 failed job, got %d", n)
	}
	if n := countRows("completed_jobs"); n != 0 {
		t.Errorf("expected no completed jobs, got %d", n)
	}

	monitor := queue.NewMonitor(env.Queue, nil)
	monitor.OnRetry(queue.ClassBackup, svc.ResetForRetry)
	failed, _, err := monitor.FailedJobs(1, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("FailedJobs returned %v, %v", failed, err)
	}
	if _, err := monitor.RetryFailed(failed[0].ID); err != nil {
		t.Fatalf("RetryFailed returned error: %v", err)
	}
	got, _ = svc.Get(b.ID)
	if got.Status != models.BackupPending || got.ErrorMessage != "" || got.StartedAt != nil {
		t.Errorf("expected a reset pending backup after retry, got %+v", got)
	}
}

func TestBackupService_ResetForRetryKeepsCompleted(t *testing.T) {
	svc, _ := newBackupService(t)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "one"})
	b, err := svc.CreateAndRun(context.Background(), models.CreateBackupRequest{Type: models.BackupFull, SourcePath: src})
	if err != nil {
		t.Fatalf("CreateAndRun returned error: %v", err)
	}

	payload, _ := json.Marshal(services.BackupJob{BackupID: b.ID})
	if err := svc.ResetForRetry(payload); err != nil {
		t.Fatalf("ResetForRetry returned error: %v", err)
	}
	got, _ := svc.Get(b.ID)
	if got.Status != models.BackupCompleted {
		t.Errorf("completed backup should not be reset, got %s", got.Status)
	}
}

func TestBackupService_RecordFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	root := t.TempDir()
	local, err := storage.NewLocal(root)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	svc := services.NewBackupService(env.DB, storage.NewManagerWith(local), env.Servers, env.Projects, env.Queue, nil, env.Logger)

	// make the completing UPDATE fail the way a full disk or lost lock would
	if _, err := env.DB.Exec(`CREATE TRIGGER reject_completion BEFORE UPDATE OF status ON backups
		WHEN NEW.status = 'completed' BEGIN SELECT RAISE(ABORT, 'database or disk is full'); END`); err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "one"})
	_, err = svc.CreateAndRun(context.Background(), models.CreateBackupRequest{Type: models.BackupFull, SourcePath: src})
	if err == nil || !strings.Contains(err.Error(), "record backup") {
		t.Fatalf("expected a record backup error, got %v", err)
	}

	list, _ := svc.List(services.BackupFilter{})
	if len(list) != 1 {
		t.Fatalf("expected one backup row, got %d", len(list))
	}
	if list[0].Status != models.BackupFailed || !strings.Contains(list[0].ErrorMessage, "disk is full") {
		t.Errorf("expected a failed backup, got %s: %q", list[0].Status, list[0].ErrorMessage)
	}
	var stored []string
	_ = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			stored = append(stored, p)
		}
		return nil
	})
	if len(stored) != 0 {
		t.Errorf("expected the orphaned archive removed, found %v", stored)
	}
}

func TestBackupService_DownloadAndS3(t *testing.T) {
	svc, _ := newBackupService(t)
	ctx := context.Background()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "one"})

	b, _ := svc.CreateAndRun(ctx, models.CreateBackupRequest{Type: models.BackupFull, SourcePath: src})
	rc, name, err := svc.Download(ctx, b.ID)
	if err != nil {
		t.Fatalf("Download returned error: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if int64(len(data)) != b.SizeBytes || filepath.Ext(name) != ".gz" {
		t.Errorf("unexpected download %s (%d bytes)", name, len(data))
	}

	if _, err := svc.UploadToS3(ctx, b.ID); !errors.Is(err, storage.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured without s3, got %v", err)
	}
}

func TestBackupScheduleService_TickAndRetention(t *testing.T) {
	svc, env := newBackupService(t)
	schedules := services.NewBackupScheduleService(env.DB, svc, filepath.Join(t.TempDir(), "sched.lock"), env.Logger)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "one"})

	sc, err := schedules.Create(models.CreateScheduleRequest{
		Name:             "nightly",
		Type:             models.BackupFull,
		Frequency:        "daily",
		SourcePath:       src,
		RetentionDaily:   ptr(1),
		RetentionWeekly:  ptr(0),
		RetentionMonthly: ptr(0),
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if sc.NextRun == nil || sc.Time != "02:00" {
		t.Fatalf("expected next run at the default time, got %+v", sc)
	}

	if n, _ := schedules.Tick(context.Background()); n != 0 {
		t.Errorf("expected nothing due yet, got %d", n)
	}
	_, _ = env.DB.Exec("UPDATE backup_schedules SET next_run = ? WHERE id = ?", time.Now().UTC().Add(-time.Minute), sc.ID)
	n, err := schedules.Tick(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected one queued backup, got %d %v", n, err)
	}
	first := reserveJob(t, env, queue.QueueBackups)
	if err := svc.HandleJob(context.Background(), first); err != nil {
		t.Fatalf("first scheduled backup failed: %v", err)
	}

	if _, err := schedules.RunNow(sc.ID); err != nil {
		t.Fatalf("RunNow returned error: %v", err)
	}
	if err := svc.HandleJob(context.Background(), reserveJob(t, env, queue.QueueBackups)); err != nil {
		t.Fatalf("second scheduled backup failed: %v", err)
	}

	kept, _ := svc.List(services.BackupFilter{ScheduleID: sc.ID})
	if len(kept) != 1 {
		t.Errorf("expected retention to keep one backup, got %d", len(kept))
	}
	updated, _ := schedules.Get(sc.ID)
	if updated.LastRun == nil || !updated.NextRun.After(*updated.LastRun) {
		t.Errorf("expected next run to move forward, got %+v", updated)
	}
}

func TestBackupScheduleService_RunSync(t *testing.T) {
	svc, env := newBackupService(t)
	schedules := services.NewBackupScheduleService(env.DB, svc, filepath.Join(t.TempDir(), "sched.lock"), env.Logger)
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "one", "b/c.txt": "two"})

	sc, err := schedules.Create(models.CreateScheduleRequest{
		Name:       "manual",
		Type:       models.BackupFull,
		Frequency:  "weekly",
		SourcePath: src,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	b, err := schedules.RunSync(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("RunSync returned error: %v", err)
	}
	if b.Status != models.BackupCompleted {
		t.Errorf("expected completed backup, got %s", b.Status)
	}
	if b.ScheduleID == nil || *b.ScheduleID != sc.ID {
		t.Errorf("expected backup linked to schedule %d, got %v", sc.ID, b.ScheduleID)
	}

	var pending int
	if err := env.DB.QueryRow("SELECT COUNT(*) FROM jobs WHERE queue = ?", queue.QueueBackups).Scan(&pending); err != nil {
		t.Fatal(err)
	}
	if pending != 0 {
		t.Errorf("expected no queued jobs, got %d", pending)
	}

	if _, err := schedules.RunSync(context.Background(), 999); err == nil {
		t.Error("expected error for unknown schedule")
	}
}
