package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pandeptwidyaop/devflow/internal/checker"
	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/notify"
)

var ErrHealthCheckNotFound = errors.New("health check not found")

// downThreshold is the number of consecutive failures that marks a check down.
const downThreshold = 5

// HealthCheckJob is the payload of a health_check queue job.
type HealthCheckJob struct {
	HealthCheckID int64 `json:"health_check_id"`
}

// HealthSummary counts checks per status for the dashboard.
type HealthSummary struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Healthy  int `json:"healthy"`
	Degraded int `json:"degraded"`
	Down     int `json:"down"`
	Unknown  int `json:"unknown"`
}

type HealthCheckService struct {
	db            *database.DB
	cfg           config.HealthConfig
	runner        *checker.Checker
	notifications *NotificationService
	logger        zerolog.Logger
	now           func() time.Time
}

func NewHealthCheckService(db *database.DB, cfg config.HealthConfig, runner *checker.Checker,
	notifications *NotificationService, logger zerolog.Logger) *HealthCheckService {
	if runner == nil {
		runner = &checker.Checker{}
	}
	return &HealthCheckService{
		db:            db,
		cfg:           cfg,
		runner:        runner,
		notifications: notifications,
		logger:        logger.With().Str("component", "health").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

const healthCheckColumns = `id, project_id, server_id, name, check_type, target_url, COALESCE(expected_status, 200),
	COALESCE(timeout_seconds, 30), COALESCE(interval_minutes, 5), is_active, status, COALESCE(consecutive_failures, 0),
	last_check_at, last_success_at, last_failure_at, created_at, updated_at`

func scanHealthCheck(row scanner) (*models.HealthCheck, error) {
	var hc models.HealthCheck
	var projectID, serverID sql.NullInt64
	var lastCheck, lastSuccess, lastFailure sql.NullTime
	err := row.Scan(&hc.ID, &projectID, &serverID, &hc.Name, &hc.CheckType, &hc.TargetURL, &hc.ExpectedStatus,
		&hc.TimeoutSeconds, &hc.IntervalMinutes, &hc.IsActive, &hc.Status, &hc.ConsecutiveFailures,
		&lastCheck, &lastSuccess, &lastFailure, &hc.CreatedAt, &hc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	hc.ProjectID = nullInt64(projectID)
	hc.ServerID = nullInt64(serverID)
	hc.LastCheckAt = timePtr(lastCheck)
	hc.LastSuccessAt = timePtr(lastSuccess)
	hc.LastFailureAt = timePtr(lastFailure)
	return &hc, nil
}

func (s *HealthCheckService) Create(req models.CreateHealthCheckRequest) (*models.HealthCheck, error) {
	if req.ExpectedStatus == 0 {
		req.ExpectedStatus = 200
	}
	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = s.cfg.DefaultTimeout
		if req.TimeoutSeconds <= 0 {
			req.TimeoutSeconds = 30
		}
	}
	if req.IntervalMinutes == 0 {
		req.IntervalMinutes = 5
	}

	var id int64
	err := s.db.Tx(func(tx *sql.Tx) error {
		now := s.now()
		res, err := tx.Exec(`
			INSERT INTO health_checks (project_id, server_id, name, check_type, target_url, expected_status, timeout_seconds,
				interval_minutes, is_active, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ProjectID, req.ServerID, req.Name, req.CheckType, req.TargetURL, req.ExpectedStatus, req.TimeoutSeconds,
			req.IntervalMinutes, boolOr(req.IsActive, true), models.HealthUnknown, now, now,
		)
		if err != nil {
			return err
		}
		id, _ = res.LastInsertId()
		return setChannels(tx, id, req.ChannelIDs)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func setChannels(tx *sql.Tx, checkID int64, ids []int64) error {
	if _, err := tx.Exec("DELETE FROM health_check_channels WHERE health_check_id = ?", checkID); err != nil {
		return err
	}
	for _, cid := range ids {
		if _, err := tx.Exec("INSERT OR IGNORE INTO health_check_channels (health_check_id, channel_id) VALUES (?, ?)", checkID, cid); err != nil {
			return fmt.Errorf("link notification channel %d: %w", cid, err)
		}
	}
	return nil
}

func (s *HealthCheckService) channelIDs(checkID int64) ([]int64, error) {
	rows, err := s.db.Query("SELECT channel_id FROM health_check_channels WHERE health_check_id = ? ORDER BY channel_id", checkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *HealthCheckService) Get(id int64) (*models.HealthCheck, error) {
	hc, err := scanHealthCheck(s.db.QueryRow("SELECT "+healthCheckColumns+" FROM health_checks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHealthCheckNotFound
	}
	if err != nil {
		return nil, err
	}
	if hc.ChannelIDs, err = s.channelIDs(id); err != nil {
		return nil, err
	}
	return hc, nil
}

// List returns checks, optionally for one project (projectID > 0).
func (s *HealthCheckService) List(projectID int64) ([]*models.HealthCheck, error) {
	q := "SELECT " + healthCheckColumns + " FROM health_checks"
	var args []any
	if projectID > 0 {
		q += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	checks, err := s.query(q+" ORDER BY name", args...)
	if err != nil {
		return nil, err
	}
	for _, hc := range checks {
		if hc.ChannelIDs, err = s.channelIDs(hc.ID); err != nil {
			return nil, err
		}
	}
	return checks, nil
}

func (s *HealthCheckService) query(q string, args ...any) ([]*models.HealthCheck, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.HealthCheck{}
	for rows.Next() {
		hc, err := scanHealthCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, hc)
	}
	return out, rows.Err()
}

func (s *HealthCheckService) Update(id int64, req models.UpdateHealthCheckRequest) (*models.HealthCheck, error) {
	hc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		hc.Name = *req.Name
	}
	if req.CheckType != nil {
		hc.CheckType = *req.CheckType
	}
	if req.TargetURL != nil {
		hc.TargetURL = *req.TargetURL
	}
	if req.ExpectedStatus != nil {
		hc.ExpectedStatus = *req.ExpectedStatus
	}
	if req.TimeoutSeconds != nil {
		hc.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.IntervalMinutes != nil {
		hc.IntervalMinutes = *req.IntervalMinutes
	}
	if req.IsActive != nil {
		hc.IsActive = *req.IsActive
	}

	err = s.db.Tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE health_checks SET name = ?, check_type = ?, target_url = ?, expected_status = ?, timeout_seconds = ?,
				interval_minutes = ?, is_active = ?, updated_at = ?
			WHERE id = ?`,
			hc.Name, hc.CheckType, hc.TargetURL, hc.ExpectedStatus, hc.TimeoutSeconds, hc.IntervalMinutes, hc.IsActive,
			s.now(), id,
		)
		if err != nil {
			return err
		}
		if req.ChannelIDs != nil {
			return setChannels(tx, id, req.ChannelIDs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *HealthCheckService) Delete(id int64) error {
	res, err := s.db.Exec("DELETE FROM health_checks WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrHealthCheckNotFound
	}
	return nil
}

// RunCheck runs one check immediately and records the result.
func (s *HealthCheckService) RunCheck(ctx context.Context, id int64) (*models.HealthCheckResult, error) {
	hc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, hc)
}

func (s *HealthCheckService) run(ctx context.Context, hc *models.HealthCheck) (*models.HealthCheckResult, error) {
	res, err := s.runner.Run(ctx, hc.CheckType, hc.TargetURL, hc.ExpectedStatus, time.Duration(hc.TimeoutSeconds)*time.Second)
	if err != nil {
		res = checker.Result{Status: models.ResultFailure, Error: err.Error()}
	}
	return s.RecordResult(ctx, hc.ID, res)
}

// RecordResult stores a check outcome and moves the check between
// healthy, degraded and down. Failures notify failure channels; a return to
// healthy from degraded or down notifies recovery channels.
func (s *HealthCheckService) RecordResult(ctx context.Context, checkID int64, res checker.Result) (*models.HealthCheckResult, error) {
	hc, err := s.Get(checkID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	result := &models.HealthCheckResult{
		HealthCheckID:  checkID,
		Status:         res.Status,
		ResponseTimeMS: res.ResponseTime,
		StatusCode:     res.StatusCode,
		ErrorMessage:   res.Error,
		CheckedAt:      now,
	}
	previous := hc.Status

	err = s.db.Tx(func(tx *sql.Tx) error {
		var code any
		if res.StatusCode > 0 {
			code = res.StatusCode
		}
		r, err := tx.Exec(`
			INSERT INTO health_check_results (health_check_id, status, response_time_ms, status_code, error_message, checked_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			checkID, result.Status, result.ResponseTimeMS, code, nullString(truncate(result.ErrorMessage, 1000)), now,
		)
		if err != nil {
			return err
		}
		result.ID, _ = r.LastInsertId()

		if res.Status == models.ResultSuccess {
			hc.Status = models.HealthHealthy
			hc.ConsecutiveFailures = 0
			hc.LastSuccessAt = &now
			_, err = tx.Exec(`UPDATE health_checks SET status = ?, consecutive_failures = 0, last_check_at = ?, last_success_at = ?,
				updated_at = ? WHERE id = ?`, hc.Status, now, now, now, checkID)
			return err
		}
		hc.ConsecutiveFailures++
		hc.Status = models.HealthDegraded
		if hc.ConsecutiveFailures >= downThreshold {
			hc.Status = models.HealthDown
		}
		hc.LastFailureAt = &now
		_, err = tx.Exec(`UPDATE health_checks SET status = ?, consecutive_failures = ?, last_check_at = ?, last_failure_at = ?,
			updated_at = ? WHERE id = ?`, hc.Status, hc.ConsecutiveFailures, now, now, now, checkID)
		return err
	})
	if err != nil {
		return nil, err
	}
	hc.LastCheckAt = &now

	metrics.ObserveHealthResult(hc.CheckType, string(res.Status))
	if previous != hc.Status {
		s.logger.Info().Int64("health_check_id", checkID).Str("name", hc.Name).
			Str("from", string(previous)).Str("to", string(hc.Status)).Msg("health check status changed")
	}

	if s.notifications != nil {
		recovered := hc.Status == models.HealthHealthy && (previous == models.HealthDegraded || previous == models.HealthDown)
		switch {
		case res.Status != models.ResultSuccess:
			s.notifications.NotifyHealthCheck(ctx, hc.ChannelIDs, false, notify.HealthCheck(notify.EventHealthCheckFailed, hc, result))
		case recovered:
			s.notifications.NotifyHealthCheck(ctx, hc.ChannelIDs, true, notify.HealthCheck(notify.EventHealthRecovered, hc, result))
		}
		if hc.CheckType == models.CheckSSLExpiry && res.DaysRemaining != nil && *res.DaysRemaining <= 30 {
			s.notifications.Dispatch(ctx, notify.SSLExpiring(checker.Hostname(hc.TargetURL), *res.DaysRemaining))
		}
	}
	return result, nil
}

// Due reports whether a check should run at now.
func Due(hc *models.HealthCheck, now time.Time) bool {
	if !hc.IsActive {
		return false
	}
	if hc.LastCheckAt == nil {
		return true
	}
	interval := time.Duration(hc.IntervalMinutes) * time.Minute
	return !hc.LastCheckAt.Add(interval).After(now)
}

// RunDueChecks runs every due active check in parallel and returns how many ran.
func (s *HealthCheckService) RunDueChecks(ctx context.Context) (int, error) {
	active, err := s.query("SELECT " + healthCheckColumns + " FROM health_checks WHERE is_active = 1 ORDER BY id")
	if err != nil {
		return 0, err
	}
	now := s.now()
	var due []*models.HealthCheck
	for _, hc := range active {
		if Due(hc, now) {
			if hc.ChannelIDs, err = s.channelIDs(hc.ID); err != nil {
				return 0, err
			}
			due = append(due, hc)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	limit := s.cfg.Concurrency
	if limit <= 0 {
		limit = 5
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, hc := range due {
		g.Go(func() error {
			if _, err := s.run(gctx, hc); err != nil {
				s.logger.Error().Err(err).Int64("health_check_id", hc.ID).Msg("health check run failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Debug().Int("count", len(due)).Msg("due health checks ran")
	return len(due), nil
}

// Start runs due checks on every tick until ctx is done.
func (s *HealthCheckService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GetTickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunDueChecks(ctx); err != nil {
				s.logger.Error().Err(err).Msg("health tick failed")
			}
		}
	}
}

func (s *HealthCheckService) HandleJob(ctx context.Context, job *models.Job) error {
	var payload HealthCheckJob
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("decode health check job: %w", err)
	}
	_, err := s.RunCheck(ctx, payload.HealthCheckID)
	if errors.Is(err, ErrHealthCheckNotFound) {
		return nil
	}
	return err
}

func (s *HealthCheckService) Results(checkID int64, limit int) ([]*models.HealthCheckResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, health_check_id, status, COALESCE(response_time_ms, 0), COALESCE(status_code, 0), COALESCE(error_message, ''), checked_at
		FROM health_check_results WHERE health_check_id = ? ORDER BY checked_at DESC, id DESC LIMIT ?`, checkID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.HealthCheckResult{}
	for rows.Next() {
		var r models.HealthCheckResult
		if err := rows.Scan(&r.ID, &r.HealthCheckID, &r.Status, &r.ResponseTimeMS, &r.StatusCode, &r.ErrorMessage, &r.CheckedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *HealthCheckService) Summary() (*HealthSummary, error) {
	var sum HealthSummary
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'healthy' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'degraded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'down' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'unknown' THEN 1 ELSE 0 END), 0)
		FROM health_checks`).Scan(&sum.Total, &sum.Active, &sum.Healthy, &sum.Degraded, &sum.Down, &sum.Unknown)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// PruneResults deletes results older than age.
func (s *HealthCheckService) PruneResults(age time.Duration) (int64, error) {
	res, err := s.db.Exec("DELETE FROM health_check_results WHERE checked_at < ?", s.now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
