package models

import "time"

// Check types.
const (
	CheckHTTP      = "http"
	CheckTCP       = "tcp"
	CheckPing      = "ping"
	CheckSSLExpiry = "ssl_expiry"
)

// HealthStatus is the aggregate state of a health check.
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// ResultStatus is the outcome of one check run.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultTimeout ResultStatus = "timeout"
)

type HealthCheck struct {
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	LastCheckAt         *time.Time   `json:"last_check_at"`
	LastSuccessAt       *time.Time   `json:"last_success_at"`
	LastFailureAt       *time.Time   `json:"last_failure_at"`
	ProjectID           *int64       `json:"project_id"`
	ServerID            *int64       `json:"server_id"`
	Name                string       `json:"name"`
	CheckType           string       `json:"check_type"`
	TargetURL           string       `json:"target_url"`
	Status              HealthStatus `json:"status"`
	ChannelIDs          []int64      `json:"notification_channel_ids"`
	ID                  int64        `json:"id"`
	ExpectedStatus      int          `json:"expected_status"`
	TimeoutSeconds      int          `json:"timeout_seconds"`
	IntervalMinutes     int          `json:"interval_minutes"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	IsActive            bool         `json:"is_active"`
}

type HealthCheckResult struct {
	CheckedAt      time.Time    `json:"checked_at"`
	Status         ResultStatus `json:"status"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	ID             int64        `json:"id"`
	HealthCheckID  int64        `json:"health_check_id"`
	ResponseTimeMS int64        `json:"response_time_ms"`
	StatusCode     int          `json:"status_code,omitempty"`
}

type CreateHealthCheckRequest struct {
	ProjectID       *int64  `json:"project_id"`
	ServerID        *int64  `json:"server_id"`
	Name            string  `json:"name" binding:"required,max=255"`
	CheckType       string  `json:"check_type" binding:"required,oneof=http tcp ping ssl_expiry"`
	TargetURL       string  `json:"target_url" binding:"required,max=2048"`
	ExpectedStatus  int     `json:"expected_status" binding:"omitempty,min=100,max=599"`
	TimeoutSeconds  int     `json:"timeout_seconds" binding:"omitempty,min=1,max=300"`
	IntervalMinutes int     `json:"interval_minutes" binding:"omitempty,min=1,max=1440"`
	IsActive        *bool   `json:"is_active"`
	ChannelIDs      []int64 `json:"notification_channel_ids"`
}

type UpdateHealthCheckRequest struct {
	Name            *string `json:"name" binding:"omitempty,max=255"`
	CheckType       *string `json:"check_type" binding:"omitempty,oneof=http tcp ping ssl_expiry"`
	TargetURL       *string `json:"target_url" binding:"omitempty,max=2048"`
	ExpectedStatus  *int    `json:"expected_status" binding:"omitempty,min=100,max=599"`
	TimeoutSeconds  *int    `json:"timeout_seconds" binding:"omitempty,min=1,max=300"`
	IntervalMinutes *int    `json:"interval_minutes" binding:"omitempty,min=1,max=1440"`
	IsActive        *bool   `json:"is_active"`
	ChannelIDs      []int64 `json:"notification_channel_ids"`
}
