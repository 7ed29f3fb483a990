package services

import (
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

	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/retention"
	"github.com/pandeptwidyaop/devflow/internal/storage"
	"github.com/pandeptwidyaop/devflow/internal/validation"
)

var (
	ErrDatabaseBackupNotFound = errors.New("database backup not found")
	ErrUnsupportedDatabase    = errors.New("unsupported database type")
	ErrDumpFailed             = errors.New("database dump failed")
	ErrDatabaseRestoreFailed  = errors.New("database restore failed")
)

// DatabaseBackupJob is the payload of a database backup queue job.
type DatabaseBackupJob struct {
	BackupID int64 `json:"backup_id"`
}

// DatabaseBackupService dumps MySQL, PostgreSQL and SQLite databases on
// managed servers into backup storage. Credentials come from the remote
// user's client defaults (~/.my.cnf, peer or ~/.pgpass auth).
type DatabaseBackupService struct {
	db      *database.DB
	storage *storage.Manager
	servers *ServerService
	queue   *queue.Queue
	logger  zerolog.Logger
	now     func() time.Time
}

func NewDatabaseBackupService(db *database.DB, store *storage.Manager, servers *ServerService, q *queue.Queue,
	logger zerolog.Logger) *DatabaseBackupService {
	return &DatabaseBackupService{
		db:      db,
		storage: store,
		servers: servers,
		queue:   q,
		logger:  logger.With().Str("component", "database-backup").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// DumpCommand returns the shell command writing an uncompressed dump of
// name to stdout.
func DumpCommand(t models.DatabaseType, name string) (string, error) {
	q := remote.Quote(name)
	switch t {
	case models.DatabaseMySQL:
		return "mysqldump --single-transaction --quick --lock-tables=false " + q, nil
	case models.DatabasePostgreSQL:
		return "pg_dump --no-owner " + q, nil
	case models.DatabaseSQLite:
		return "cat " + q, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedDatabase, t)
}

// RestoreCommand returns the shell command loading a dump from stdin.
// PostgreSQL databases are dropped and recreated first.
func RestoreCommand(t models.DatabaseType, name string) (string, error) {
	q := remote.Quote(name)
	switch t {
	case models.DatabaseMySQL:
		return "mysql " + q, nil
	case models.DatabasePostgreSQL:
		return "dropdb --if-exists " + q + " && createdb " + q + " && psql -q -v ON_ERROR_STOP=1 " + q, nil
	case models.DatabaseSQLite:
		return "cat > " + q, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedDatabase, t)
}

const databaseBackupColumns = `id, server_id, project_id, database_type, database_name, file_name, status, storage_driver,
	COALESCE(storage_path, ''), COALESCE(size_bytes, 0), COALESCE(duration_ms, 0), COALESCE(checksum, ''), metadata,
	COALESCE(error_message, ''), started_at, completed_at, verified_at, created_at`

func scanDatabaseBackup(row scanner) (*models.DatabaseBackup, error) {
	var b models.DatabaseBackup
	var serverID, projectID sql.NullInt64
	var metadata sql.NullString
	var started, completed, verified sql.NullTime
	err := row.Scan(&b.ID, &serverID, &projectID, &b.DatabaseType, &b.DatabaseName, &b.FileName, &b.Status,
		&b.StorageDriver, &b.StoragePath, &b.SizeBytes, &b.DurationMS, &b.Checksum, &metadata, &b.ErrorMessage,
		&started, &completed, &verified, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.ServerID = nullInt64(serverID)
	b.ProjectID = nullInt64(projectID)
	b.StartedAt = timePtr(started)
	b.CompletedAt = timePtr(completed)
	b.VerifiedAt = timePtr(verified)
	if err := fromJSON(metadata, &b.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of database backup %d: %w", b.ID, err)
	}
	return &b, nil
}

// Create records a pending database backup and queues it.
func (s *DatabaseBackupService) Create(req models.CreateDatabaseBackupRequest) (*models.DatabaseBackup, error) {
	if _, err := DumpCommand(req.DatabaseType, req.DatabaseName); err != nil {
		return nil, err
	}
	if req.ServerID != nil {
		if _, err := s.servers.Get(*req.ServerID); err != nil {
			return nil, err
		}
	}
	driver := req.StorageDriver
	if driver == "" {
		driver = s.storage.Default()
	}
	if _, err := s.storage.Driver(driver); err != nil {
		return nil, err
	}

	created := s.now()
	base := validation.Slugify(strings.TrimSuffix(filepath.Base(req.DatabaseName), filepath.Ext(req.DatabaseName)))
	if base == "" {
		base = "database"
	}
	fileName := fmt.Sprintf("%s_%s.sql.gz", base, created.Format("2006-01-02_150405"))

	res, err := s.db.Exec(`
		INSERT INTO database_backups (server_id, project_id, database_type, database_name, file_name, status,
			storage_driver, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ServerID, req.ProjectID, req.DatabaseType, req.DatabaseName, fileName, models.BackupPending, driver, created,
	)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	if _, err := s.queue.Dispatch(queue.QueueBackups, queue.ClassDBBackup, DatabaseBackupJob{BackupID: id}, 0); err != nil {
		return nil, s.fail(id, nil, fmt.Errorf("queue database backup: %w", err))
	}
	s.logger.Info().Int64("backup_id", id).Str("type", string(req.DatabaseType)).Str("database", req.DatabaseName).
		Msg("database backup queued")
	return s.Get(id)
}

func (s *DatabaseBackupService) Get(id int64) (*models.DatabaseBackup, error) {
	b, err := scanDatabaseBackup(s.db.QueryRow("SELECT "+databaseBackupColumns+" FROM database_backups WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDatabaseBackupNotFound
	}
	return b, err
}

// DatabaseBackupFilter narrows List. Zero values match everything.
type DatabaseBackupFilter struct {
	ServerID     int64
	DatabaseName string
	Status       models.BackupStatus
	Limit        int
}

// List returns database backups newest first.
func (s *DatabaseBackupService) List(f DatabaseBackupFilter) ([]*models.DatabaseBackup, error) {
	q := "SELECT " + databaseBackupColumns + " FROM database_backups WHERE 1 = 1"
	var args []any
	if f.ServerID > 0 {
		q += " AND server_id = ?"
		args = append(args, f.ServerID)
	}
	if f.DatabaseName != "" {
		q += " AND database_name = ?"
		args = append(args, f.DatabaseName)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := []*models.DatabaseBackup{}
	for rows.Next() {
		b, err := scanDatabaseBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func (s *DatabaseBackupService) HandleJob(ctx context.Context, job *models.Job) error {
	var payload DatabaseBackupJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("decode database backup job: %w", err)
	}
	b, err := s.Get(payload.BackupID)
	if errors.Is(err, ErrDatabaseBackupNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.Status == models.BackupCompleted {
		return nil
	}
	_, err = s.Run(ctx, b.ID)
	return err
}

// ResetForRetry puts the row of a failed job back to pending.
func (s *DatabaseBackupService) ResetForRetry(payload json.RawMessage) error {
	var job DatabaseBackupJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode database backup job: %w", err)
	}
	_, err := s.db.Exec(`
		UPDATE database_backups SET status = ?, error_message = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status != ?`,
		models.BackupPending, job.BackupID, models.BackupCompleted)
	return err
}

// Run dumps the database, gzips the dump into backup storage and records
// its checksum.
func (s *DatabaseBackupService) Run(ctx context.Context, id int64) (*models.DatabaseBackup, error) {
	b, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	started := s.now()
	if _, err := s.db.Exec("UPDATE database_backups SET status = ?, started_at = ?, error_message = NULL WHERE id = ?",
		models.BackupRunning, started, id); err != nil {
		return nil, err
	}

	script, err := DumpCommand(b.DatabaseType, b.DatabaseName)
	if err != nil {
		return nil, s.fail(id, &started, err)
	}
	srv, err := s.servers.Lookup(b.ServerID)
	if err != nil {
		return nil, s.fail(id, &started, err)
	}

	tmp, err := os.CreateTemp("", "devflow-dbbackup-*.sql.gz")
	if err != nil {
		return nil, s.fail(id, &started, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hash := sha256.New()
	gz := pgzip.NewWriter(io.MultiWriter(tmp, hash))
	var stderr limitedBuffer
	code, err := s.servers.Stream(ctx, srv, remote.Command{Script: script, Timeout: 2 * time.Hour}, gz, &stderr)
	if err != nil {
		return nil, s.fail(id, &started, fmt.Errorf("run dump: %w", err))
	}
	if code != 0 {
		return nil, s.fail(id, &started, fmt.Errorf("%w: exit %d: %s", ErrDumpFailed, code, stderr.String()))
	}
	if err := gz.Close(); err != nil {
		return nil, s.fail(id, &started, err)
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
	key := storage.Key(started, fmt.Sprintf("db-%d-%s", b.ID, b.FileName))
	if err := driver.Put(ctx, key, tmp, size); err != nil {
		return nil, s.fail(id, &started, fmt.Errorf("store dump: %w", err))
	}

	meta := map[string]string{"compression": "gzip", "tool": strings.Fields(script)[0]}
	if srv != nil {
		meta["server"] = srv.Name
	}
	raw, err := toJSON(meta)
	if err != nil {
		return nil, s.fail(id, &started, err)
	}
	completed := s.now()
	_, err = s.db.Exec(`
		UPDATE database_backups SET status = ?, storage_path = ?, size_bytes = ?, duration_ms = ?, checksum = ?,
			metadata = ?, completed_at = ?
		WHERE id = ?`,
		models.BackupCompleted, key, size, completed.Sub(started).Milliseconds(), hex.EncodeToString(hash.Sum(nil)),
		raw, completed, id,
	)
	if err != nil {
		_ = driver.Delete(ctx, key)
		return nil, s.fail(id, &started, fmt.Errorf("record database backup: %w", err))
	}
	metrics.AddBackupBytes(b.StorageDriver, size)
	s.logger.Info().Int64("backup_id", id).Str("database", b.DatabaseName).Str("size", humanBytes(size)).
		Msg("database backup completed")
	return s.Get(id)
}

func (s *DatabaseBackupService) fail(id int64, started *time.Time, cause error) error {
	var duration int64
	if started != nil {
		duration = s.now().Sub(*started).Milliseconds()
	}
	if _, err := s.db.Exec("UPDATE database_backups SET status = ?, error_message = ?, duration_ms = ?, completed_at = ? WHERE id = ?",
		models.BackupFailed, truncate(cause.Error(), 2000), duration, s.now(), id); err != nil {
		s.logger.Error().Err(err).Int64("backup_id", id).Msg("failed to record database backup failure")
	}
	s.logger.Error().Err(cause).Int64("backup_id", id).Msg("database backup failed")
	return cause
}

// fetch copies the stored dump to a temp file and checks its checksum. The
// caller removes the file.
func (s *DatabaseBackupService) fetch(ctx context.Context, b *models.DatabaseBackup) (*os.File, error) {
	if b.Status != models.BackupCompleted {
		return nil, ErrBackupNotCompleted
	}
	driver, err := s.storage.Driver(b.StorageDriver)
	if err != nil {
		return nil, err
	}
	rc, err := driver.Get(ctx, b.StoragePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "devflow-dbrestore-*.sql.gz")
	if err != nil {
		return nil, err
	}
	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), rc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if b.Checksum != "" && hex.EncodeToString(hash.Sum(nil)) != b.Checksum {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: database backup #%d", ErrChecksumMismatch, b.ID)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return tmp, nil
}

// Verify checks the stored checksum and that the dump decompresses, then
// stamps verified_at.
func (s *DatabaseBackupService) Verify(ctx context.Context, id int64) (*models.DatabaseBackup, error) {
	b, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	tmp, err := s.fetch(ctx, b)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	gz, err := pgzip.NewReader(tmp)
	if err != nil {
		return nil, fmt.Errorf("database backup #%d: %w", id, err)
	}
	defer gz.Close()
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return nil, fmt.Errorf("database backup #%d: %w", id, err)
	}
	if _, err := s.db.Exec("UPDATE database_backups SET verified_at = ? WHERE id = ?", s.now(), id); err != nil {
		return nil, err
	}
	return s.Get(id)
}

// Restore loads a completed dump back into its database.
func (s *DatabaseBackupService) Restore(ctx context.Context, id int64) error {
	b, err := s.Get(id)
	if err != nil {
		return err
	}
	script, err := RestoreCommand(b.DatabaseType, b.DatabaseName)
	if err != nil {
		return err
	}
	srv, err := s.servers.Lookup(b.ServerID)
	if err != nil {
		return err
	}
	tmp, err := s.fetch(ctx, b)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	gz, err := pgzip.NewReader(tmp)
	if err != nil {
		return fmt.Errorf("database backup #%d: %w", id, err)
	}
	defer gz.Close()

	res, err := s.servers.Run(ctx, srv, remote.Command{Script: script, Stdin: gz, Timeout: 2 * time.Hour})
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%w: exit %d: %s", ErrDatabaseRestoreFailed, res.ExitCode, truncate(strings.TrimSpace(res.Stderr), 500))
	}
	s.logger.Info().Int64("backup_id", id).Str("database", b.DatabaseName).Msg("database backup restored")
	return nil
}

// Delete removes the stored dump and its row.
func (s *DatabaseBackupService) Delete(ctx context.Context, id int64) error {
	b, err := s.Get(id)
	if err != nil {
		return err
	}
	if b.StoragePath != "" {
		driver, err := s.storage.Driver(b.StorageDriver)
		if err != nil {
			return err
		}
		if err := driver.Delete(ctx, b.StoragePath); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return fmt.Errorf("delete dump: %w", err)
		}
	}
	if _, err := s.db.Exec("DELETE FROM database_backups WHERE id = ?", id); err != nil {
		return err
	}
	s.logger.Info().Int64("backup_id", id).Msg("database backup deleted")
	return nil
}

// ApplyRetention prunes completed dumps of one database. Nil counts fall
// back to 7 daily, 4 weekly and 3 monthly.
func (s *DatabaseBackupService) ApplyRetention(ctx context.Context, req models.DatabaseRetentionRequest) ([]int64, error) {
	f := DatabaseBackupFilter{DatabaseName: req.DatabaseName, Status: models.BackupCompleted, Limit: 10000}
	if req.ServerID != nil {
		f.ServerID = *req.ServerID
	}
	backups, err := s.List(f)
	if err != nil {
		return nil, err
	}
	policy := retention.DefaultPolicy()
	if req.Daily != nil {
		policy.Daily = *req.Daily
	}
	if req.Weekly != nil {
		policy.Weekly = *req.Weekly
	}
	if req.Monthly != nil {
		policy.Monthly = *req.Monthly
	}

	candidates := make([]retention.Candidate, 0, len(backups))
	for _, b := range backups {
		if req.ServerID == nil && b.ServerID != nil {
			continue
		}
		candidates = append(candidates, retention.Candidate{ID: b.ID, CreatedAt: b.CreatedAt})
	}
	deleted := []int64{}
	for _, id := range retention.Prune(candidates, policy, s.now()) {
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn().Err(err).Int64("backup_id", id).Msg("retention delete failed")
			continue
		}
		deleted = append(deleted, id)
	}
	if len(deleted) > 0 {
		s.logger.Info().Str("database", req.DatabaseName).Int("deleted", len(deleted)).Msg("database retention applied")
	}
	return deleted, nil
}
