package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/retention"
	"github.com/pandeptwidyaop/devflow/internal/schedule"
)

var ErrScheduleNotFound = errors.New("backup schedule not found")

const defaultRunTime = "02:00"

type BackupScheduleService struct {
	db       *database.DB
	backups  *BackupService
	lockPath string
	logger   zerolog.Logger
	now      func() time.Time
}

// NewBackupScheduleService wires retention into the backup service so every
// scheduled backup prunes its schedule's history when it completes.
func NewBackupScheduleService(db *database.DB, backups *BackupService, lockPath string, logger zerolog.Logger) *BackupScheduleService {
	if lockPath == "" {
		lockPath = filepath.Join(os.TempDir(), "devflow-backup-scheduler.lock")
	}
	s := &BackupScheduleService{
		db:       db,
		backups:  backups,
		lockPath: lockPath,
		logger:   logger.With().Str("component", "backup-scheduler").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	backups.afterRun = s.applyRetention
	return s
}

const scheduleColumns = `id, server_id, project_id, name, type, frequency, run_time, source_path, COALESCE(retention_days, 30),
	COALESCE(retention_daily, 7), COALESCE(retention_weekly, 4), COALESCE(retention_monthly, 3), storage_driver,
	next_run, last_run, is_active, created_at, updated_at`

func scanSchedule(row scanner) (*models.BackupSchedule, error) {
	var sc models.BackupSchedule
	var serverID, projectID sql.NullInt64
	var next, last sql.NullTime
	err := row.Scan(&sc.ID, &serverID, &projectID, &sc.Name, &sc.Type, &sc.Frequency, &sc.Time, &sc.SourcePath,
		&sc.RetentionDays, &sc.RetentionDaily, &sc.RetentionWeekly, &sc.RetentionMonthly, &sc.StorageDriver,
		&next, &last, &sc.IsActive, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sc.ServerID = nullInt64(serverID)
	sc.ProjectID = nullInt64(projectID)
	sc.NextRun = timePtr(next)
	sc.LastRun = timePtr(last)
	return &sc, nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func (s *BackupScheduleService) Create(req models.CreateScheduleRequest) (*models.BackupSchedule, error) {
	if req.Time == "" {
		req.Time = defaultRunTime
	}
	if req.RetentionDays == 0 {
		req.RetentionDays = 30
	}
	if req.StorageDriver == "" {
		req.StorageDriver = s.backups.storage.Default()
	}
	if _, err := s.backups.storage.Driver(req.StorageDriver); err != nil {
		return nil, err
	}
	next, err := schedule.Next(req.Frequency, req.Time, s.now())
	if err != nil {
		return nil, err
	}
	policy := retention.DefaultPolicy()
	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO backup_schedules (server_id, project_id, name, type, frequency, run_time, source_path, retention_days,
			retention_daily, retention_weekly, retention_monthly, storage_driver, next_run, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ServerID, req.ProjectID, req.Name, req.Type, req.Frequency, req.Time, req.SourcePath, req.RetentionDays,
		intOr(req.RetentionDaily, policy.Daily), intOr(req.RetentionWeekly, policy.Weekly),
		intOr(req.RetentionMonthly, policy.Monthly), req.StorageDriver, next, boolOr(req.IsActive, true), now, now,
	)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.Get(id)
}

func (s *BackupScheduleService) Get(id int64) (*models.BackupSchedule, error) {
	sc, err := scanSchedule(s.db.QueryRow("SELECT "+scheduleColumns+" FROM backup_schedules WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	return sc, err
}

func (s *BackupScheduleService) List() ([]*models.BackupSchedule, error) {
	return s.query("SELECT " + scheduleColumns + " FROM backup_schedules ORDER BY name")
}

func (s *BackupScheduleService) query(q string, args ...any) ([]*models.BackupSchedule, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.BackupSchedule{}
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Update replaces the schedule definition and recomputes next_run.
func (s *BackupScheduleService) Update(id int64, req models.CreateScheduleRequest) (*models.BackupSchedule, error) {
	cur, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Time == "" {
		req.Time = cur.Time
	}
	if req.RetentionDays == 0 {
		req.RetentionDays = cur.RetentionDays
	}
	if req.StorageDriver == "" {
		req.StorageDriver = cur.StorageDriver
	}
	if _, err := s.backups.storage.Driver(req.StorageDriver); err != nil {
		return nil, err
	}
	next, err := schedule.Next(req.Frequency, req.Time, s.now())
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`
		UPDATE backup_schedules SET server_id = ?, project_id = ?, name = ?, type = ?, frequency = ?, run_time = ?,
			source_path = ?, retention_days = ?, retention_daily = ?, retention_weekly = ?, retention_monthly = ?,
			storage_driver = ?, next_run = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		req.ServerID, req.ProjectID, req.Name, req.Type, req.Frequency, req.Time, req.SourcePath, req.RetentionDays,
		intOr(req.RetentionDaily, cur.RetentionDaily), intOr(req.RetentionWeekly, cur.RetentionWeekly),
		intOr(req.RetentionMonthly, cur.RetentionMonthly), req.StorageDriver, next, boolOr(req.IsActive, cur.IsActive),
		s.now(), id,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *BackupScheduleService) Delete(id int64) error {
	res, err := s.db.Exec("DELETE FROM backup_schedules WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// Toggle flips is_active. Reactivated schedules restart from the next slot.
func (s *BackupScheduleService) Toggle(id int64) (*models.BackupSchedule, error) {
	sc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	next := sc.NextRun
	if !sc.IsActive {
		t, err := schedule.Next(sc.Frequency, sc.Time, s.now())
		if err != nil {
			return nil, err
		}
		next = &t
	}
	if _, err := s.db.Exec("UPDATE backup_schedules SET is_active = ?, next_run = ?, updated_at = ? WHERE id = ?",
		!sc.IsActive, next, s.now(), id); err != nil {
		return nil, err
	}
	return s.Get(id)
}

// RunNow queues a backup for the schedule without moving next_run.
func (s *BackupScheduleService) RunNow(id int64) (*models.Backup, error) {
	sc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return s.enqueue(sc)
}

// RunSync runs the schedule's backup in the calling goroutine, bypassing the queue.
func (s *BackupScheduleService) RunSync(ctx context.Context, id int64) (*models.Backup, error) {
	sc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	b, exclude, err := s.backups.insert(scheduleRequest(sc), &sc.ID)
	if err != nil {
		return nil, err
	}
	return s.backups.Run(ctx, b.ID, exclude)
}

func scheduleRequest(sc *models.BackupSchedule) models.CreateBackupRequest {
	return models.CreateBackupRequest{
		ServerID:      sc.ServerID,
		ProjectID:     sc.ProjectID,
		Name:          sc.Name,
		Type:          sc.Type,
		SourcePath:    sc.SourcePath,
		StorageDriver: sc.StorageDriver,
	}
}

func (s *BackupScheduleService) enqueue(sc *models.BackupSchedule) (*models.Backup, error) {
	b, exclude, err := s.backups.insert(scheduleRequest(sc), &sc.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.backups.queue.Dispatch(queue.QueueBackups, queue.ClassBackup, BackupJob{BackupID: b.ID, Exclude: exclude}, 0); err != nil {
		return nil, s.backups.fail(b.ID, nil, fmt.Errorf("queue backup: %w", err))
	}
	return b, nil
}

// Tick queues every due schedule. Only one process claims schedules at a
// time; a held lock makes Tick a no-op.
func (s *BackupScheduleService) Tick(ctx context.Context) (int, error) {
	lock := flock.New(s.lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !locked {
		s.logger.Debug().Str("lock", s.lockPath).Msg("scheduler lock held elsewhere")
		return 0, nil
	}
	defer func() { _ = lock.Unlock() }()

	now := s.now()
	due, err := s.query("SELECT "+scheduleColumns+" FROM backup_schedules WHERE is_active = 1 AND next_run IS NOT NULL AND next_run <= ? ORDER BY next_run", now)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		next, err := schedule.Next(sc.Frequency, sc.Time, now)
		if err != nil {
			s.logger.Error().Err(err).Int64("schedule_id", sc.ID).Msg("cannot compute next run, deactivating")
			_, _ = s.db.Exec("UPDATE backup_schedules SET is_active = 0, updated_at = ? WHERE id = ?", now, sc.ID)
			continue
		}
		if _, err := s.db.Exec("UPDATE backup_schedules SET last_run = ?, next_run = ?, updated_at = ? WHERE id = ?",
			now, next, now, sc.ID); err != nil {
			return queued, err
		}
		if _, err := s.enqueue(sc); err != nil {
			s.logger.Error().Err(err).Int64("schedule_id", sc.ID).Msg("failed to queue scheduled backup")
			continue
		}
		queued++
		s.logger.Info().Int64("schedule_id", sc.ID).Str("name", sc.Name).Time("next_run", next).Msg("scheduled backup queued")
	}
	return queued, nil
}

// Start runs Tick every interval until ctx is done.
func (s *BackupScheduleService) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// ApplyRetention prunes completed backups of a schedule. Backups other
// backups depend on are skipped.
func (s *BackupScheduleService) ApplyRetention(ctx context.Context, scheduleID int64) ([]int64, error) {
	sc, err := s.Get(scheduleID)
	if err != nil {
		return nil, err
	}
	backups, err := s.backups.List(BackupFilter{ScheduleID: sc.ID, Status: models.BackupCompleted, Limit: 10000})
	if err != nil {
		return nil, err
	}
	candidates := make([]retention.Candidate, 0, len(backups))
	for _, b := range backups {
		candidates = append(candidates, retention.Candidate{ID: b.ID, CreatedAt: b.CreatedAt, ParentID: b.ParentBackupID})
	}
	policy := retention.Policy{
		Daily:      sc.RetentionDaily,
		Weekly:     sc.RetentionWeekly,
		Monthly:    sc.RetentionMonthly,
		MaxAgeDays: sc.RetentionDays,
	}

	var deleted []int64
	for _, id := range retention.Prune(candidates, policy, s.now()) {
		if err := s.backups.Delete(ctx, id); err != nil {
			if !errors.Is(err, ErrBackupHasDependents) {
				s.logger.Warn().Err(err).Int64("backup_id", id).Msg("retention delete failed")
			}
			continue
		}
		deleted = append(deleted, id)
	}
	if len(deleted) > 0 {
		s.logger.Info().Int64("schedule_id", sc.ID).Int("deleted", len(deleted)).Msg("retention applied")
	}
	return deleted, nil
}

func (s *BackupScheduleService) applyRetention(ctx context.Context, b *models.Backup) {
	if _, err := s.ApplyRetention(ctx, *b.ScheduleID); err != nil && !errors.Is(err, ErrScheduleNotFound) {
		s.logger.Error().Err(err).Int64("schedule_id", *b.ScheduleID).Msg("retention failed")
	}
}
