package models

import "time"

// TenantStatus is the activation state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantInactive  TenantStatus = "inactive"
	TenantSuspended TenantStatus = "suspended"
)

type Tenant struct {
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Name         string       `json:"name"`
	Subdomain    string       `json:"subdomain"`
	Plan         string       `json:"plan"`
	Status       TenantStatus `json:"status"`
	DatabaseName string       `json:"database_name"`
	ID           int64        `json:"id"`
	ProjectID    int64        `json:"project_id"`
	StorageUsage int64        `json:"storage_usage"`
	UserCount    int          `json:"user_count"`
}

// TenantStats aggregates tenant counts for a project.
type TenantStats struct {
	Total        int   `json:"total"`
	Active       int   `json:"active"`
	Inactive     int   `json:"inactive"`
	Suspended    int   `json:"suspended"`
	StorageUsage int64 `json:"storage_usage"`
	Users        int   `json:"users"`
}

type CreateTenantRequest struct {
	Name      string `json:"name" binding:"required,max=255"`
	Subdomain string `json:"subdomain" binding:"required,dnslabel"`
	Plan      string `json:"plan" binding:"omitempty,oneof=free starter pro enterprise"`
}

type UpdateTenantRequest struct {
	Name   *string       `json:"name" binding:"omitempty,max=255"`
	Plan   *string       `json:"plan" binding:"omitempty,oneof=free starter pro enterprise"`
	Status *TenantStatus `json:"status" binding:"omitempty,oneof=active inactive suspended"`
}

// TenantDeployResult is the per-tenant outcome of a multi-tenant deploy.
type TenantDeployResult struct {
	TenantID  int64  `json:"tenant_id"`
	Subdomain string `json:"subdomain"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}
