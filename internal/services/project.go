package services

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/validation"
	"github.com/pandeptwidyaop/devflow/internal/webhook"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrSlugTaken       = errors.New("project slug already in use")
	ErrInvalidSlug     = errors.New("slug must contain only lowercase letters, digits and hyphens")
)

// DefaultExcludePatterns are skipped by project backups unless overridden.
var DefaultExcludePatterns = []string{".git", "node_modules", "vendor", "storage/logs/*", "*.log", ".env"}

type ProjectService struct {
	db  *database.DB
	now func() time.Time
}

func NewProjectService(db *database.DB) *ProjectService {
	return &ProjectService{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// GenerateWebhookSecret returns 32 random bytes, hex encoded.
func GenerateWebhookSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString() + uuid.NewString()
	}
	return hex.EncodeToString(b)
}

const projectColumns = `id, name, slug, server_id, COALESCE(repository_url, ''), branch, COALESCE(deploy_command, ''),
	working_dir, COALESCE(domain, ''), COALESCE(health_check_url, ''), webhook_secret, webhook_enabled,
	COALESCE(webhook_provider, ''), COALESCE(webhook_id, ''), auto_deploy, env_variables, exclude_patterns,
	COALESCE(tenant_init_command, ''), created_at, updated_at`

func scanProject(row scanner) (*models.Project, error) {
	var p models.Project
	var serverID sql.NullInt64
	var env, exclude sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &serverID, &p.RepositoryURL, &p.Branch, &p.DeployCommand,
		&p.WorkingDir, &p.Domain, &p.HealthCheckURL, &p.WebhookSecret, &p.WebhookEnabled,
		&p.WebhookProvider, &p.WebhookID, &p.AutoDeploy, &env, &exclude,
		&p.TenantInitCommand, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ServerID = nullInt64(serverID)
	if err := fromJSON(env, &p.EnvVariables); err != nil {
		return nil, err
	}
	if err := fromJSON(exclude, &p.ExcludePatterns); err != nil {
		return nil, err
	}
	if p.ExcludePatterns == nil {
		p.ExcludePatterns = append([]string(nil), DefaultExcludePatterns...)
	}
	return &p, nil
}

func (s *ProjectService) Create(req models.CreateProjectRequest) (*models.Project, error) {
	slug := req.Slug
	if slug == "" {
		slug = validation.Slugify(req.Name)
	}
	if !validation.IsSlug(slug) {
		return nil, ErrInvalidSlug
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	env, err := toJSON(req.EnvVariables)
	if err != nil {
		return nil, err
	}
	var exclude *string
	if req.ExcludePatterns != nil {
		if exclude, err = toJSON(req.ExcludePatterns); err != nil {
			return nil, err
		}
	}

	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO projects (name, slug, server_id, repository_url, branch, deploy_command, working_dir, domain,
			health_check_url, webhook_secret, webhook_enabled, webhook_provider, auto_deploy, env_variables,
			exclude_patterns, tenant_init_command, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Name, slug, req.ServerID, nullString(req.RepositoryURL), req.Branch, nullString(req.DeployCommand),
		req.WorkingDir, nullString(req.Domain), nullString(req.HealthCheckURL), GenerateWebhookSecret(),
		req.WebhookEnabled, nullString(webhook.DetectProvider(req.RepositoryURL)), req.AutoDeploy, env, exclude,
		nullString(req.TenantInitCommand), now, now,
	)
	if IsUniqueViolation(err) {
		return nil, ErrSlugTaken
	}
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.Get(id)
}

func (s *ProjectService) Get(id int64) (*models.Project, error) {
	return s.getBy("id", id)
}

func (s *ProjectService) GetBySlug(slug string) (*models.Project, error) {
	return s.getBy("slug", slug)
}

func (s *ProjectService) GetByWebhookSecret(secret string) (*models.Project, error) {
	if secret == "" {
		return nil, ErrProjectNotFound
	}
	return s.getBy("webhook_secret", secret)
}

func (s *ProjectService) getBy(column string, v any) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRow("SELECT "+projectColumns+" FROM projects WHERE "+column+" = ?", v))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	return p, err
}

func (s *ProjectService) List() ([]*models.Project, error) {
	rows, err := s.db.Query("SELECT " + projectColumns + " FROM projects ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]*models.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *ProjectService) Update(id int64, req models.UpdateProjectRequest) (*models.Project, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.ServerID != nil {
		p.ServerID = req.ServerID
		if *req.ServerID == 0 {
			p.ServerID = nil
		}
	}
	if req.RepositoryURL != nil {
		p.RepositoryURL = *req.RepositoryURL
		p.WebhookProvider = webhook.DetectProvider(p.RepositoryURL)
	}
	if req.Branch != nil {
		p.Branch = *req.Branch
	}
	if req.DeployCommand != nil {
		p.DeployCommand = *req.DeployCommand
	}
	if req.WorkingDir != nil {
		p.WorkingDir = *req.WorkingDir
	}
	if req.Domain != nil {
		p.Domain = *req.Domain
	}
	if req.HealthCheckURL != nil {
		p.HealthCheckURL = *req.HealthCheckURL
	}
	if req.WebhookEnabled != nil {
		p.WebhookEnabled = *req.WebhookEnabled
	}
	if req.AutoDeploy != nil {
		p.AutoDeploy = *req.AutoDeploy
	}
	if req.EnvVariables != nil {
		p.EnvVariables = req.EnvVariables
	}
	if req.ExcludePatterns != nil {
		p.ExcludePatterns = req.ExcludePatterns
	}
	if req.TenantInitCommand != nil {
		p.TenantInitCommand = *req.TenantInitCommand
	}

	env, err := toJSON(p.EnvVariables)
	if err != nil {
		return nil, err
	}
	exclude, err := toJSON(p.ExcludePatterns)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`
		UPDATE projects SET name = ?, server_id = ?, repository_url = ?, branch = ?, deploy_command = ?, working_dir = ?,
			domain = ?, health_check_url = ?, webhook_enabled = ?, webhook_provider = ?, auto_deploy = ?,
			env_variables = ?, exclude_patterns = ?, tenant_init_command = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.ServerID, nullString(p.RepositoryURL), p.Branch, nullString(p.DeployCommand), p.WorkingDir,
		nullString(p.Domain), nullString(p.HealthCheckURL), p.WebhookEnabled, nullString(p.WebhookProvider), p.AutoDeploy,
		env, exclude, nullString(p.TenantInitCommand), s.now(), id,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *ProjectService) Delete(id int64) error {
	res, err := s.db.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// RegenerateWebhookSecret invalidates the old secret immediately.
func (s *ProjectService) RegenerateWebhookSecret(id int64) (*models.Project, error) {
	res, err := s.db.Exec("UPDATE projects SET webhook_secret = ?, updated_at = ? WHERE id = ?", GenerateWebhookSecret(), s.now(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrProjectNotFound
	}
	return s.Get(id)
}

// SetWebhookID stores the provider-side hook id after SetupWebhook.
func (s *ProjectService) SetWebhookID(id int64, provider, hookID string) error {
	_, err := s.db.Exec("UPDATE projects SET webhook_provider = ?, webhook_id = ?, updated_at = ? WHERE id = ?",
		nullString(provider), nullString(hookID), s.now(), id)
	return err
}

// maxDeliveryPayload caps stored webhook bodies.
const maxDeliveryPayload = 64 * 1024

// RecordDelivery stores an inbound webhook request.
func (s *ProjectService) RecordDelivery(d models.WebhookDelivery) error {
	_, err := s.db.Exec(`
		INSERT INTO webhook_deliveries (project_id, provider, event_type, delivery_id, status, response_message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ProjectID, d.Provider, nullString(d.EventType), nullString(d.DeliveryID), d.Status,
		nullString(d.ResponseMessage), nullString(truncate(d.Payload, maxDeliveryPayload)), s.now(),
	)
	return err
}

// Deliveries lists a project's recent webhook deliveries, newest first.
func (s *ProjectService) Deliveries(projectID int64, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, project_id, provider, COALESCE(event_type, ''), COALESCE(delivery_id, ''), status,
			COALESCE(response_message, ''), COALESCE(payload, ''), created_at
		FROM webhook_deliveries WHERE project_id = ? ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.WebhookDelivery, 0)
	for rows.Next() {
		var d models.WebhookDelivery
		var pid sql.NullInt64
		if err := rows.Scan(&d.ID, &pid, &d.Provider, &d.EventType, &d.DeliveryID, &d.Status,
			&d.ResponseMessage, &d.Payload, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.ProjectID = nullInt64(pid)
		out = append(out, d)
	}
	return out, rows.Err()
}
