package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
)

var (
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrTenantExists        = errors.New("subdomain is already used by another tenant of this project")
	ErrNoTenantInitCommand = errors.New("project has no tenant init command")
	ErrNoTenants           = errors.New("no tenants to deploy")
)

const tenantDeployConcurrency = 4

// DefaultTenantDeployCommands run for every tenant unless overridden.
// TENANT_ID, TENANT_SUBDOMAIN and TENANT_DATABASE are exported to each.
var DefaultTenantDeployCommands = []string{
	`php artisan migrate --force --database="$TENANT_DATABASE"`,
	`php artisan cache:clear --tenant="$TENANT_ID"`,
	`php artisan config:clear --tenant="$TENANT_ID"`,
}

// TenantDeployOptions select the commands of a multi-tenant deploy.
type TenantDeployOptions struct {
	Commands  []string `json:"commands"`
	TenantIDs []int64  `json:"tenant_ids"`
}

// TenantDeploySummary is the outcome of DeployToTenants.
type TenantDeploySummary struct {
	Results    []models.TenantDeployResult `json:"deployments"`
	Total      int                         `json:"total"`
	Successful int                         `json:"successful"`
	Failed     int                         `json:"failed"`
}

// TenantDeployJob is the queue payload of an asynchronous tenant deploy.
type TenantDeployJob struct {
	Options   TenantDeployOptions `json:"options"`
	ProjectID int64               `json:"project_id"`
}

// TenantService manages the tenants of multi-tenant projects.
type TenantService struct {
	db       *database.DB
	projects *ProjectService
	servers  *ServerService
	backups  *BackupService
	queue    *queue.Queue
	logger   zerolog.Logger
	now      func() time.Time
}

func NewTenantService(db *database.DB, projects *ProjectService, servers *ServerService, backups *BackupService,
	q *queue.Queue, logger zerolog.Logger) *TenantService {
	return &TenantService{
		db:       db,
		projects: projects,
		servers:  servers,
		backups:  backups,
		queue:    q,
		logger:   logger.With().Str("component", "tenants").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

const tenantColumns = `id, project_id, name, subdomain, plan, status, COALESCE(storage_usage, 0), COALESCE(user_count, 0),
	COALESCE(database_name, ''), created_at, updated_at`

func scanTenant(row scanner) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Subdomain, &t.Plan, &t.Status, &t.StorageUsage, &t.UserCount,
		&t.DatabaseName, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func tenantDatabaseName(subdomain string) string {
	return "tenant_" + strings.ReplaceAll(strings.ToLower(subdomain), "-", "_")
}

func (s *TenantService) Create(projectID int64, req models.CreateTenantRequest) (*models.Tenant, error) {
	if _, err := s.projects.Get(projectID); err != nil {
		return nil, err
	}
	if req.Plan == "" {
		req.Plan = "free"
	}
	sub := strings.ToLower(req.Subdomain)
	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO tenants (project_id, name, subdomain, plan, status, database_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, req.Name, sub, req.Plan, models.TenantActive, tenantDatabaseName(sub), now, now,
	)
	if IsUniqueViolation(err) {
		return nil, ErrTenantExists
	}
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.Get(id)
}

func (s *TenantService) Get(id int64) (*models.Tenant, error) {
	t, err := scanTenant(s.db.QueryRow("SELECT "+tenantColumns+" FROM tenants WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	return t, err
}

// List returns the tenants of a project, optionally filtered by status.
func (s *TenantService) List(projectID int64, status models.TenantStatus) ([]*models.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE project_id = ?"
	args := []any{projectID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	rows, err := s.db.Query(query+" ORDER BY name", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := make([]*models.Tenant, 0)
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (s *TenantService) Update(id int64, req models.UpdateTenantRequest) (*models.Tenant, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		t.Name = *req.Name
	}
	if req.Plan != nil {
		t.Plan = *req.Plan
	}
	if req.Status != nil {
		t.Status = *req.Status
	}
	_, err = s.db.Exec("UPDATE tenants SET name = ?, plan = ?, status = ?, updated_at = ? WHERE id = ?",
		t.Name, t.Plan, t.Status, s.now(), id)
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *TenantService) Delete(id int64) error {
	res, err := s.db.Exec("DELETE FROM tenants WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// ToggleStatus suspends an active tenant and reactivates any other.
func (s *TenantService) ToggleStatus(id int64) (*models.Tenant, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	next := models.TenantActive
	if t.Status == models.TenantActive {
		next = models.TenantSuspended
	}
	return s.Update(id, models.UpdateTenantRequest{Status: &next})
}

func tenantEnv(t *models.Tenant) map[string]string {
	return map[string]string{
		"TENANT_ID":        strconv.FormatInt(t.ID, 10),
		"TENANT_SUBDOMAIN": t.Subdomain,
		"TENANT_DATABASE":  t.DatabaseName,
	}
}

// Reset re-runs the project's tenant init command for one tenant.
func (s *TenantService) Reset(ctx context.Context, id int64) (*remote.Result, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	p, err := s.projects.Get(t.ProjectID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.TenantInitCommand) == "" {
		return nil, ErrNoTenantInitCommand
	}
	srv, err := s.servers.Lookup(p.ServerID)
	if err != nil {
		return nil, err
	}
	res, err := s.servers.Run(ctx, srv, remote.Command{
		Script:  p.TenantInitCommand,
		Dir:     p.WorkingDir,
		Env:     tenantEnv(t),
		Timeout: 10 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("tenant_id", t.ID).Int("exit_code", res.ExitCode).Msg("tenant reset")
	return res, nil
}

// Backup queues a full backup of the tenant's storage directory.
func (s *TenantService) Backup(id int64) (*models.Backup, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	p, err := s.projects.Get(t.ProjectID)
	if err != nil {
		return nil, err
	}
	return s.backups.Create(models.CreateBackupRequest{
		ServerID:   p.ServerID,
		ProjectID:  &p.ID,
		Name:       p.Slug + "-tenant-" + t.Subdomain,
		Type:       models.BackupFull,
		SourcePath: filepath.Join(p.WorkingDir, "storage", "tenants", t.Subdomain),
	})
}

func (s *TenantService) Stats(projectID int64) (*models.TenantStats, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*), COALESCE(SUM(storage_usage), 0), COALESCE(SUM(user_count), 0)
		FROM tenants WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var st models.TenantStats
	for rows.Next() {
		var status models.TenantStatus
		var count, users int
		var storage int64
		if err := rows.Scan(&status, &count, &storage, &users); err != nil {
			return nil, err
		}
		st.Total += count
		st.StorageUsage += storage
		st.Users += users
		switch status {
		case models.TenantActive:
			st.Active = count
		case models.TenantInactive:
			st.Inactive = count
		case models.TenantSuspended:
			st.Suspended = count
		}
	}
	return &st, rows.Err()
}

// DeployToTenants runs the tenant commands for each selected tenant in
// parallel. No ids selects every active tenant. A tenant failing does not
// stop the others.
func (s *TenantService) DeployToTenants(ctx context.Context, projectID int64, opts TenantDeployOptions) (*TenantDeploySummary, error) {
	p, err := s.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	tenants, err := s.selectTenants(projectID, opts.TenantIDs)
	if err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, ErrNoTenants
	}
	srv, err := s.servers.Lookup(p.ServerID)
	if err != nil {
		return nil, err
	}
	commands := opts.Commands
	if len(commands) == 0 {
		commands = DefaultTenantDeployCommands
	}
	script := strings.Join(commands, " && ")

	summary := &TenantDeploySummary{Total: len(tenants), Results: make([]models.TenantDeployResult, len(tenants))}
	var ok atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tenantDeployConcurrency)
	for i, t := range tenants {
		g.Go(func() error {
			r := models.TenantDeployResult{TenantID: t.ID, Subdomain: t.Subdomain}
			res, err := s.servers.Run(gctx, srv, remote.Command{
				Script:  script,
				Dir:     p.WorkingDir,
				Env:     tenantEnv(t),
				Timeout: 10 * time.Minute,
			})
			switch {
			case err != nil:
				r.Error = err.Error()
			case !res.Success():
				r.Output = truncate(strings.TrimSpace(res.Stdout+"\n"+res.Stderr), 4096)
				r.Error = fmt.Sprintf("exit code %d", res.ExitCode)
			default:
				r.Success = true
				r.Output = truncate(strings.TrimSpace(res.Stdout), 4096)
				ok.Add(1)
			}
			summary.Results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	summary.Successful = int(ok.Load())
	summary.Failed = summary.Total - summary.Successful
	s.logger.Info().Str("project", p.Slug).Int("total", summary.Total).Int("failed", summary.Failed).Msg("tenant deploy finished")
	return summary, nil
}

func (s *TenantService) selectTenants(projectID int64, ids []int64) ([]*models.Tenant, error) {
	if len(ids) == 0 {
		return s.List(projectID, models.TenantActive)
	}
	tenants := make([]*models.Tenant, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if t.ProjectID != projectID {
			return nil, ErrTenantNotFound
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

// DeployToTenantsAsync queues DeployToTenants on the deployments queue.
func (s *TenantService) DeployToTenantsAsync(projectID int64, opts TenantDeployOptions) (int64, error) {
	if _, err := s.projects.Get(projectID); err != nil {
		return 0, err
	}
	return s.queue.Dispatch(queue.QueueDeployments, queue.ClassTenantDeploy, TenantDeployJob{ProjectID: projectID, Options: opts}, 0)
}

func (s *TenantService) HandleJob(ctx context.Context, job *models.Job) error {
	var p TenantDeployJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode tenant deploy job: %w", err)
	}
	summary, err := s.DeployToTenants(ctx, p.ProjectID, p.Options)
	if errors.Is(err, ErrNoTenants) || errors.Is(err, ErrProjectNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		s.logger.Warn().Int64("project_id", p.ProjectID).Int("failed", summary.Failed).Msg("some tenant deploys failed")
	}
	return nil
}
