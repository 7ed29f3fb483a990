package models

import "time"

// DeploymentStatus represents the lifecycle state of a deployment.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentRunning   DeploymentStatus = "running"
	DeploymentSuccess   DeploymentStatus = "success"
	DeploymentFailed    DeploymentStatus = "failed"
	DeploymentCancelled DeploymentStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s DeploymentStatus) Finished() bool {
	return s == DeploymentSuccess || s == DeploymentFailed || s == DeploymentCancelled
}

// Trigger records what started a deployment or pipeline run.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerWebhook  Trigger = "webhook"
	TriggerAPI      Trigger = "api"
	TriggerSchedule Trigger = "schedule"
	TriggerPipeline Trigger = "pipeline"
)

// Deployment is one execution of a project's deploy command.
type Deployment struct {
	CreatedAt     time.Time        `json:"created_at"`
	ExitCode      *int             `json:"exit_code"`
	StartedAt     *time.Time       `json:"started_at"`
	FinishedAt    *time.Time       `json:"finished_at"`
	Status        DeploymentStatus `json:"status"`
	Trigger       Trigger          `json:"trigger"`
	CommitHash    string           `json:"commit_hash"`
	CommitMessage string           `json:"commit_message"`
	Branch        string           `json:"branch"`
	TriggeredBy   string           `json:"triggered_by"`
	Output        string           `json:"output,omitempty"`
	ProjectName   string           `json:"project_name,omitempty"`
	ID            int64            `json:"id"`
	ProjectID     int64            `json:"project_id"`
}

// DeployOptions carries commit metadata for a new deployment.
type DeployOptions struct {
	Trigger       Trigger
	CommitHash    string
	CommitMessage string
	Branch        string
	TriggeredBy   string
}
