package models

import "time"

// Project is a deployable application checked out on a server.
type Project struct {
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ServerID          *int64            `json:"server_id"`
	EnvVariables      map[string]string `json:"env_variables"`
	Name              string            `json:"name"`
	Slug              string            `json:"slug"`
	RepositoryURL     string            `json:"repository_url"`
	Branch            string            `json:"branch"`
	DeployCommand     string            `json:"deploy_command"`
	WorkingDir        string            `json:"working_dir"`
	Domain            string            `json:"domain"`
	HealthCheckURL    string            `json:"health_check_url"`
	WebhookSecret     string            `json:"webhook_secret,omitempty"`
	WebhookProvider   string            `json:"webhook_provider"`
	WebhookID         string            `json:"webhook_id,omitempty"`
	TenantInitCommand string            `json:"tenant_init_command"`
	ExcludePatterns   []string          `json:"exclude_patterns"`
	ID                int64             `json:"id"`
	WebhookEnabled    bool              `json:"webhook_enabled"`
	AutoDeploy        bool              `json:"auto_deploy"`
}

type CreateProjectRequest struct {
	Name              string            `json:"name" binding:"required,max=255"`
	Slug              string            `json:"slug" binding:"omitempty,slug"`
	ServerID          *int64            `json:"server_id"`
	RepositoryURL     string            `json:"repository_url"`
	Branch            string            `json:"branch"`
	DeployCommand     string            `json:"deploy_command"`
	WorkingDir        string            `json:"working_dir" binding:"required"`
	Domain            string            `json:"domain"`
	HealthCheckURL    string            `json:"health_check_url" binding:"omitempty,url"`
	WebhookEnabled    bool              `json:"webhook_enabled"`
	AutoDeploy        bool              `json:"auto_deploy"`
	EnvVariables      map[string]string `json:"env_variables"`
	ExcludePatterns   []string          `json:"exclude_patterns"`
	TenantInitCommand string            `json:"tenant_init_command"`
}

type UpdateProjectRequest struct {
	Name              *string           `json:"name" binding:"omitempty,max=255"`
	ServerID          *int64            `json:"server_id"`
	RepositoryURL     *string           `json:"repository_url"`
	Branch            *string           `json:"branch"`
	DeployCommand     *string           `json:"deploy_command"`
	WorkingDir        *string           `json:"working_dir"`
	Domain            *string           `json:"domain"`
	HealthCheckURL    *string           `json:"health_check_url" binding:"omitempty,url"`
	WebhookEnabled    *bool             `json:"webhook_enabled"`
	AutoDeploy        *bool             `json:"auto_deploy"`
	EnvVariables      map[string]string `json:"env_variables"`
	ExcludePatterns   []string          `json:"exclude_patterns"`
	TenantInitCommand *string           `json:"tenant_init_command"`
}
