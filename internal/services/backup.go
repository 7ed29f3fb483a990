package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/archive"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/notify"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/storage"
	"github.com/pandeptwidyaop/devflow/internal/validation"
)

var (
	ErrBackupNotFound      = errors.New("backup not found")
	ErrBackupNotCompleted  = errors.New("backup is not completed")
	ErrBackupHasDependents = errors.New("backup has dependent incremental backups")
	ErrNoParentBackup      = errors.New("incremental backup requires a completed full backup of the same source")
	ErrChecksumMismatch    = errors.New("backup checksum mismatch")
	ErrAlreadyOnS3         = errors.New("backup is already stored on s3")
)

// BackupJob is the payload of a backup queue job.
type BackupJob struct {
	Exclude  []string `json:"exclude,omitempty"`
	BackupID int64    `json:"backup_id"`
}

// RestoreResult summarises a completed restore.
type RestoreResult struct {
	TargetPath string `json:"target_path"`
	Layers     int    `json:"layers"`
	Files      int    `json:"files"`
	Deleted    int    `json:"deleted"`
}

// BackupStats feeds the backup dashboard counters.
type BackupStats struct {
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Running    int    `json:"running"`
	TotalBytes int64  `json:"total_bytes"`
	TotalSize  string `json:"total_size"`
}

type BackupService struct {
	db            *database.DB
	storage       *storage.Manager
	servers       *ServerService
	projects      *ProjectService
	queue         *queue.Queue
	notifications *NotificationService
	logger        zerolog.Logger
	afterRun      func(ctx context.Context, b *models.Backup)
	now           func() time.Time
}

func NewBackupService(db *database.DB, store *storage.Manager, servers *ServerService, projects *ProjectService,
	q *queue.Queue, notifications *NotificationService, logger zerolog.Logger) *BackupService {
	return &BackupService{
		db:            db,
		storage:       store,
		servers:       servers,
		projects:      projects,
		queue:         q,
		notifications: notifications,
		logger:        logger.With().Str("component", "backup").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

const backupColumns = `id, server_id, project_id, schedule_id, name, type, status, storage_driver, COALESCE(storage_path, ''),
	COALESCE(size_bytes, 0), COALESCE(duration_ms, 0), COALESCE(checksum, ''), manifest, parent_backup_id, source_path,
	COALESCE(error_message, ''), started_at, completed_at, created_at`

func scanBackup(row scanner) (*models.Backup, error) {
	var b models.Backup
	var serverID, projectID, scheduleID, parentID sql.NullInt64
	var manifest sql.NullString
	var started, completed sql.NullTime
	err := row.Scan(&b.ID, &serverID, &projectID, &scheduleID, &b.Name, &b.Type, &b.Status, &b.StorageDriver,
		&b.StoragePath, &b.SizeBytes, &b.DurationMS, &b.Checksum, &manifest, &parentID, &b.SourcePath,
		&b.ErrorMessage, &started, &completed, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.ServerID = nullInt64(serverID)
	b.ProjectID = nullInt64(projectID)
	b.ScheduleID = nullInt64(scheduleID)
	b.ParentBackupID = nullInt64(parentID)
	b.StartedAt = timePtr(started)
	b.CompletedAt = timePtr(completed)
	if manifest.Valid {
		b.Manifest = &models.Manifest{}
		if err := fromJSON(manifest, b.Manifest); err != nil {
			return nil, fmt.Errorf("decode manifest of backup %d: %w", b.ID, err)
		}
	}
	return &b, nil
}

// Create records a pending backup and queues it.
func (s *BackupService) Create(req models.CreateBackupRequest) (*models.Backup, error) {
	b, exclude, err := s.insert(req, nil)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Dispatch(queue.QueueBackups, queue.ClassBackup, BackupJob{BackupID: b.ID, Exclude: exclude}, 0); err != nil {
		s.fail(b.ID, b.StartedAt, fmt.Errorf("queue backup: %w", err))
		return nil, err
	}
	s.logger.Info().Int64("backup_id", b.ID).Str("type", string(b.Type)).Str("source", b.SourcePath).Msg("backup queued")
	return b, nil
}

// CreateAndRun records a backup and runs it in the caller's goroutine.
func (s *BackupService) CreateAndRun(ctx context.Context, req models.CreateBackupRequest) (*models.Backup, error) {
	b, exclude, err := s.insert(req, nil)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, b.ID, exclude)
}

func (s *BackupService) insert(req models.CreateBackupRequest, scheduleID *int64) (*models.Backup, []string, error) {
	if req.ServerID != nil {
		if _, err := s.servers.Get(*req.ServerID); err != nil {
			return nil, nil, err
		}
	}
	exclude := req.ExcludePatterns
	if req.ProjectID != nil {
		p, err := s.projects.Get(*req.ProjectID)
		if err != nil {
			return nil, nil, err
		}
		if exclude == nil {
			exclude = p.ExcludePatterns
		}
	}
	if exclude == nil {
		exclude = DefaultExcludePatterns
	}

	name := req.Name
	if name == "" {
		name = validation.Slugify(filepath.Base(filepath.Clean(req.SourcePath)))
		if name == "" {
			name = "backup"
		}
	}
	driver := req.StorageDriver
	if driver == "" {
		driver = s.storage.Default()
	}
	if _, err := s.storage.Driver(driver); err != nil {
		return nil, nil, err
	}

	res, err := s.db.Exec(`
		INSERT INTO backups (server_id, project_id, schedule_id, name, type, status, storage_driver, source_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ServerID, req.ProjectID, scheduleID, name, req.Type, models.BackupPending, driver, req.SourcePath, s.now(),
	)
	if err != nil {
		return nil, nil, err
	}
	id, _ := res.LastInsertId()
	b, err := s.Get(id)
	return b, exclude, err
}

func (s *BackupService) Get(id int64) (*models.Backup, error) {
	b, err := scanBackup(s.db.QueryRow("SELECT "+backupColumns+" FROM backups WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBackupNotFound
	}
	return b, err
}

// BackupFilter narrows List. Zero values match everything.
type BackupFilter struct {
	ServerID   int64
	ProjectID  int64
	ScheduleID int64
	Status     models.BackupStatus
	Limit      int
	Offset     int
}

// List returns backups newest first without their manifests.
func (s *BackupService) List(f BackupFilter) ([]*models.Backup, error) {
	q := "SELECT " + backupColumns + " FROM backups WHERE 1 = 1"
	var args []any
	if f.ServerID > 0 {
		q += " AND server_id = ?"
		args = append(args, f.ServerID)
	}
	if f.ProjectID > 0 {
		q += " AND project_id = ?"
		args = append(args, f.ProjectID)
	}
	if f.ScheduleID > 0 {
		q += " AND schedule_id = ?"
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := []*models.Backup{}
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		b.Manifest = nil
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func (s *BackupService) Stats() (*BackupStats, error) {
	var st BackupStats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN size_bytes ELSE 0 END), 0)
		FROM backups`).Scan(&st.Total, &st.Completed, &st.Failed, &st.Running, &st.TotalBytes)
	if err != nil {
		return nil, err
	}
	st.TotalSize = humanBytes(st.TotalBytes)
	return &st, nil
}

// Manifest returns the file list recorded for a backup.
func (s *BackupService) Manifest(id int64) (*models.Manifest, error) {
	b, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if b.Manifest == nil {
		return &models.Manifest{Files: []models.ManifestEntry{}}, nil
	}
	return b.Manifest, nil
}

func (s *BackupService) HandleJob(ctx context.Context, job *models.Job) error {
	var payload BackupJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("decode backup job: %w", err)
	}
	b, err := s.Get(payload.BackupID)
	if errors.Is(err, ErrBackupNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// A job still on the queue owns its row: failed and running rows are
	// retries or leftovers of a crashed worker.
	if b.Status == models.BackupCompleted {
		return nil
	}
	_, err = s.Run(ctx, b.ID, payload.Exclude)
	return err
}

// ResetForRetry puts the backup named by a failed job back to pending
// before the job is requeued.
func (s *BackupService) ResetForRetry(payload json.RawMessage) error {
	var job BackupJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode backup job: %w", err)
	}
	_, err := s.db.Exec(`
		UPDATE backups SET status = ?, error_message = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status != ?`,
		models.BackupPending, job.BackupID, models.BackupCompleted)
	return err
}

// Run builds the archive for a pending backup, stores it and records the
// manifest. Failures are written to the row and returned.
func (s *BackupService) Run(ctx context.Context, id int64, exclude []string) (*models.Backup, error) {
	b, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	started := s.now()
	if _, err := s.db.Exec("UPDATE backups SET status = ?, started_at = ?, error_message = NULL WHERE id = ?",
		models.BackupRunning, started, id); err != nil {
		return nil, err
	}
	b.StartedAt = &started

	srv, err := s.servers.Lookup(b.ServerID)
	if err != nil {
		return nil, s.fail(id, &started, err)
	}

	var parent *models.Backup
	if b.Type == models.BackupIncremental {
		parent, err = s.parentFor(b)
		if err != nil {
			return nil, s.fail(id, &started, err)
		}
	}

	tmp, err := os.CreateTemp("", "devflow-backup-*.tar.gz")
	if err != nil {
		return nil, s.fail(id, &started, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hash := sha256.New()
	out := io.MultiWriter(tmp, hash)

	var parentManifest *models.Manifest
	if parent != nil {
		parentManifest = parent.Manifest
	}
	var manifest *models.Manifest
	if srv == nil || remote.IsLocal(srv.Address()) {
		manifest, err = archive.Create(out, b.SourcePath, archive.Options{Parent: parentManifest, Exclude: exclude})
	} else {
		manifest, err = s.archiveRemote(ctx, srv, b.SourcePath, parent, out, exclude)
	}
	if err != nil {
		return nil, s.fail(id, &started, fmt.Errorf("create archive: %w", err))
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, s.fail(id, &started, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, s.fail(id, &started, err)
	}

	driver, err := s.storage.Driver(b.StorageDriver)
	if err != nil {
		return nil, s.fail(id, &started, err)
	}
	key := storage.Key(started, archive.StampName(fmt.Sprintf("%s-%d", b.Name, b.ID), started))
	if err := driver.Put(ctx, key, tmp, size); err != nil {
		return nil, s.fail(id, &started, fmt.Errorf("store archive: %w", err))
	}

	raw, err := toJSON(manifest)
	if err != nil {
		return nil, s.fail(id, &started, err)
	}
	var parentID *int64
	if parent != nil {
		parentID = &parent.ID
	}
	completed := s.now()
	_, err = s.db.Exec(`
		UPDATE backups SET status = ?, storage_path = ?, size_bytes = ?, duration_ms = ?, checksum = ?, manifest = ?,
			parent_backup_id = ?, completed_at = ?
		WHERE id = ?`,
		models.BackupCompleted, key, size, completed.Sub(started).Milliseconds(), hex.EncodeToString(hash.Sum(nil)),
		raw, parentID, completed, id,
	)
	if err != nil {
		_ = driver.Delete(ctx, key)
		return nil, s.fail(id, &started, fmt.Errorf("record backup: %w", err))
	}
	metrics.AddBackupBytes(b.StorageDriver, size)

	done, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("backup_id", id).Str("type", string(done.Type)).Str("size", humanBytes(size)).
		Int("files", len(manifest.Files)).Msg("backup completed")
	if s.notifications != nil {
		s.notifications.DispatchAsync(notify.Backup(notify.EventBackupCompleted, done))
	}
	if s.afterRun != nil && done.ScheduleID != nil {
		s.afterRun(ctx, done)
	}
	return done, nil
}

// archiveRemote streams a tar of the remote source over the runner and
// recompresses it locally. Incremental runs first list the remote tree,
// ship only new or changed files and record the parent files that are gone.
// The remote host needs GNU find and tar.
func (s *BackupService) archiveRemote(ctx context.Context, srv *models.Server, source string, parent *models.Backup,
	out io.Writer, exclude []string) (*models.Manifest, error) {
	opts := archive.Options{Exclude: exclude}
	cmd := remote.Command{Script: "tar -cf - -C " + remote.Quote(source) + " ."}
	if parent != nil {
		opts.Parent = parent.Manifest
		ship, deleted, err := s.planRemote(ctx, srv, source, parent.Manifest, exclude)
		if err != nil {
			return nil, err
		}
		opts.Deleted = deleted
		if len(ship) == 0 {
			return archive.Reencode(bytes.NewReader(nil), out, opts)
		}
		cmd = remote.Command{
			Script: "cd " + remote.Quote(source) + " && tar --null -cf - -T -",
			Stdin:  strings.NewReader(strings.Join(ship, "\x00") + "\x00"),
		}
	}

	pr, pw := io.Pipe()
	var stderr limitedBuffer
	errc := make(chan error, 1)
	go func() {
		code, err := s.servers.Stream(ctx, srv, cmd, pw, &stderr)
		if err == nil && code != 0 {
			err = fmt.Errorf("remote tar exited with %d: %s", code, stderr.String())
		}
		pw.CloseWithError(err)
		errc <- err
	}()

	manifest, err := archive.Reencode(pr, out, opts)
	if err == nil {
		_, _ = io.Copy(io.Discard, pr)
	}
	_ = pr.CloseWithError(err)
	if streamErr := <-errc; streamErr != nil && err == nil {
		err = streamErr
	}
	return manifest, err
}

// planRemote lists the remote source and diffs it against the parent manifest.
func (s *BackupService) planRemote(ctx context.Context, srv *models.Server, source string, parent *models.Manifest,
	exclude []string) (ship, deleted []string, err error) {
	var listing bytes.Buffer
	var stderr limitedBuffer
	code, err := s.servers.Stream(ctx, srv, remote.Command{
		Script: "cd " + remote.Quote(source) + " && " + archive.ListingCommand,
	}, &listing, &stderr)
	if err != nil {
		return nil, nil, err
	}
	if code != 0 {
		return nil, nil, fmt.Errorf("remote listing exited with %d: %s", code, stderr.String())
	}
	entries, err := archive.ParseListing(listing.Bytes())
	if err != nil {
		return nil, nil, err
	}
	ship, deleted = archive.PlanIncremental(entries, parent, exclude)
	return ship, deleted, nil
}

// parentFor picks the latest completed full or incremental backup of the
// same source and server.
func (s *BackupService) parentFor(b *models.Backup) (*models.Backup, error) {
	var id int64
	err := s.db.QueryRow(`
		SELECT id FROM backups
		WHERE source_path = ? AND COALESCE(server_id, 0) = COALESCE(?, 0) AND status = ? AND type IN (?, ?) AND id != ?
		ORDER BY completed_at DESC, id DESC LIMIT 1`,
		b.SourcePath, b.ServerID, models.BackupCompleted, models.BackupFull, models.BackupIncremental, b.ID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoParentBackup
	}
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *BackupService) fail(id int64, started *time.Time, cause error) error {
	var duration int64
	if started != nil {
		duration = s.now().Sub(*started).Milliseconds()
	}
	if _, err := s.db.Exec("UPDATE backups SET status = ?, error_message = ?, duration_ms = ?, completed_at = ? WHERE id = ?",
		models.BackupFailed, truncate(cause.Error(), 2000), duration, s.now(), id); err != nil {
		s.logger.Error().Err(err).Int64("backup_id", id).Msg("failed to record backup failure")
	}
	s.logger.Error().Err(cause).Int64("backup_id", id).Msg("backup failed")
	if s.notifications != nil {
		if b, err := s.Get(id); err == nil {
			s.notifications.DispatchAsync(notify.Backup(notify.EventBackupFailed, b))
		}
	}
	return cause
}

// Chain returns the backup and its ancestors, root first.
func (s *BackupService) Chain(id int64) ([]*models.Backup, error) {
	var chain []*models.Backup
	seen := make(map[int64]bool)
	next := &id
	for next != nil {
		if seen[*next] {
			return nil, fmt.Errorf("backup %d has a cyclic parent chain", id)
		}
		seen[*next] = true
		b, err := s.Get(*next)
		if err != nil {
			return nil, err
		}
		if b.Status != models.BackupCompleted {
			return nil, fmt.Errorf("%w: #%d", ErrBackupNotCompleted, b.ID)
		}
		chain = append([]*models.Backup{b}, chain...)
		next = b.ParentBackupID
	}
	return chain, nil
}

// Restore extracts a backup, replaying its incremental chain root first.
func (s *BackupService) Restore(ctx context.Context, id int64, req models.RestoreBackupRequest) (*RestoreResult, error) {
	if err := validation.ValidatePath(req.TargetPath); err != nil {
		return nil, err
	}
	chain, err := s.Chain(id)
	if err != nil {
		return nil, err
	}
	verify := boolOr(req.Verify, true)
	target := chain[len(chain)-1]

	srv, err := s.servers.Lookup(target.ServerID)
	if err != nil {
		return nil, err
	}
	local := srv == nil || remote.IsLocal(srv.Address())

	if !req.Overwrite && local && target.Manifest != nil {
		for _, e := range target.Manifest.Files {
			p, err := archive.SafeJoin(req.TargetPath, e.Path)
			if err != nil {
				return nil, err
			}
			if _, err := os.Lstat(p); err == nil {
				return nil, fmt.Errorf("%w: %s", archive.ErrFileExists, e.Path)
			}
		}
	}

	if verify {
		for _, b := range chain {
			if err := s.verify(ctx, b); err != nil {
				return nil, err
			}
		}
	}

	result := &RestoreResult{TargetPath: req.TargetPath, Layers: len(chain)}
	for i, b := range chain {
		if local {
			n, err := s.extractLocal(ctx, b, req.TargetPath)
			if err != nil {
				return nil, fmt.Errorf("restore backup #%d: %w", b.ID, err)
			}
			result.Files += n
			if i > 0 && b.Manifest != nil {
				if err := archive.ApplyDeletions(req.TargetPath, b.Manifest.Deleted); err != nil {
					return nil, err
				}
				result.Deleted += len(b.Manifest.Deleted)
			}
			continue
		}
		if err := s.extractRemote(ctx, srv, b, req.TargetPath, req.Overwrite || i > 0); err != nil {
			return nil, fmt.Errorf("restore backup #%d: %w", b.ID, err)
		}
		if b.Manifest != nil {
			for _, e := range b.Manifest.Files {
				if e.InArchive {
					result.Files++
				}
			}
			if i > 0 {
				result.Deleted += len(b.Manifest.Deleted)
			}
		}
	}

	s.logger.Info().Int64("backup_id", id).Str("target", req.TargetPath).Int("layers", result.Layers).
		Int("files", result.Files).Msg("backup restored")
	return result, nil
}

func (s *BackupService) open(ctx context.Context, b *models.Backup) (io.ReadCloser, error) {
	driver, err := s.storage.Driver(b.StorageDriver)
	if err != nil {
		return nil, err
	}
	return driver.Get(ctx, b.StoragePath)
}

// verify compares the stored object with the recorded checksum and the
// archived files with the manifest.
func (s *BackupService) verify(ctx context.Context, b *models.Backup) error {
	rc, err := s.open(ctx, b)
	if err != nil {
		return err
	}
	defer rc.Close()

	hash := sha256.New()
	tee := io.TeeReader(rc, hash)
	if b.Manifest != nil {
		if err := archive.Verify(tee, b.Manifest); err != nil {
			return fmt.Errorf("backup #%d: %w", b.ID, err)
		}
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return err
	}
	if b.Checksum != "" && hex.EncodeToString(hash.Sum(nil)) != b.Checksum {
		return fmt.Errorf("%w: backup #%d", ErrChecksumMismatch, b.ID)
	}
	return nil
}

func (s *BackupService) extractLocal(ctx context.Context, b *models.Backup, dest string) (int, error) {
	rc, err := s.open(ctx, b)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return archive.Extract(rc, dest, true)
}

func (s *BackupService) extractRemote(ctx context.Context, srv *models.Server, b *models.Backup, dest string, overwrite bool) error {
	rc, err := s.open(ctx, b)
	if err != nil {
		return err
	}
	defer rc.Close()

	keep := " --keep-old-files"
	if overwrite {
		keep = ""
	}
	script := fmt.Sprintf("mkdir -p %[1]s && tar -xzf -%[2]s -C %[1]s", remote.Quote(dest), keep)
	if b.Manifest != nil && len(b.Manifest.Deleted) > 0 && b.ParentBackupID != nil {
		script += " && cd " + remote.Quote(dest)
		for _, p := range b.Manifest.Deleted {
			script += " && rm -f -- " + remote.Quote(p)
		}
	}
	res, err := s.servers.Run(ctx, srv, remote.Command{Script: script, Stdin: rc})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("remote extract exited with %d: %s", res.ExitCode, truncate(res.Stderr, 500))
	}
	return nil
}

// Delete removes a backup that no other backup depends on.
func (s *BackupService) Delete(ctx context.Context, id int64) error {
	b, err := s.Get(id)
	if err != nil {
		return err
	}
	var children int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM backups WHERE parent_backup_id = ?", id).Scan(&children); err != nil {
		return err
	}
	if children > 0 {
		return fmt.Errorf("%w: %d", ErrBackupHasDependents, children)
	}

	if b.StoragePath != "" {
		driver, err := s.storage.Driver(b.StorageDriver)
		if err != nil {
			return err
		}
		if err := driver.Delete(ctx, b.StoragePath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return fmt.Errorf("delete archive: %w", err)
		}
	}
	if _, err := s.db.Exec("DELETE FROM backups WHERE id = ?", id); err != nil {
		return err
	}
	s.logger.Info().Int64("backup_id", id).Msg("backup deleted")
	return nil
}

// UploadToS3 copies a local backup to the S3 driver and switches it over.
func (s *BackupService) UploadToS3(ctx context.Context, id int64) (*models.Backup, error) {
	b, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if b.Status != models.BackupCompleted {
		return nil, ErrBackupNotCompleted
	}
	if b.StorageDriver == storage.DriverS3 {
		return nil, ErrAlreadyOnS3
	}
	s3, err := s.storage.Driver(storage.DriverS3)
	if err != nil {
		return nil, err
	}
	local, err := s.storage.Driver(b.StorageDriver)
	if err != nil {
		return nil, err
	}

	rc, err := local.Get(ctx, b.StoragePath)
	if err != nil {
		return nil, err
	}
	err = s3.Put(ctx, b.StoragePath, rc, b.SizeBytes)
	_ = rc.Close()
	if err != nil {
		return nil, fmt.Errorf("upload to s3: %w", err)
	}
	if _, err := s.db.Exec("UPDATE backups SET storage_driver = ? WHERE id = ?", storage.DriverS3, id); err != nil {
		return nil, err
	}
	if err := local.Delete(ctx, b.StoragePath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		s.logger.Warn().Err(err).Int64("backup_id", id).Msg("failed to remove local copy after s3 upload")
	}
	metrics.AddBackupBytes(storage.DriverS3, b.SizeBytes)
	s.logger.Info().Int64("backup_id", id).Str("key", b.StoragePath).Msg("backup uploaded to s3")
	return s.Get(id)
}

// Download opens the stored archive of a completed backup.
func (s *BackupService) Download(ctx context.Context, id int64) (io.ReadCloser, string, error) {
	b, err := s.Get(id)
	if err != nil {
		return nil, "", err
	}
	if b.Status != models.BackupCompleted {
		return nil, "", ErrBackupNotCompleted
	}
	rc, err := s.open(ctx, b)
	if err != nil {
		return nil, "", err
	}
	return rc, filepath.Base(b.StoragePath), nil
}
