package models

import "time"

// Pipeline providers.
const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
	ProviderJenkins   = "jenkins"
	ProviderCustom    = "custom"
)

// RunStatus is the state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunSkipped   RunStatus = "skipped"
)

// Finished reports whether the run can no longer change.
func (s RunStatus) Finished() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled, RunSkipped:
		return true
	}
	return false
}

// PipelineStep is a single shell command in a stage.
type PipelineStep struct {
	Name string `json:"name" yaml:"name"`
	Run  string `json:"run" yaml:"run"`
}

// PipelineStage groups steps that run in order.
type PipelineStage struct {
	Name  string         `json:"name" yaml:"name"`
	Steps []PipelineStep `json:"steps" yaml:"steps"`
}

// PipelineConfig is the stored pipeline definition.
type PipelineConfig struct {
	Stages []PipelineStage   `json:"stages"`
	Env    map[string]string `json:"env,omitempty"`
	// Image is used when rendering provider CI files.
	Image string `json:"image,omitempty"`
}

type Pipeline struct {
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastRun       *PipelineRun   `json:"last_run,omitempty"`
	Name          string         `json:"name"`
	Provider      string         `json:"provider"`
	TriggerEvents []string       `json:"trigger_events"`
	BranchFilters []string       `json:"branch_filters"`
	Configuration PipelineConfig `json:"configuration"`
	ID            int64          `json:"id"`
	ProjectID     int64          `json:"project_id"`
	Enabled       bool           `json:"enabled"`
}

type PipelineRun struct {
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at"`
	Status       RunStatus     `json:"status"`
	Trigger      Trigger       `json:"trigger"`
	CommitHash   string        `json:"commit_hash"`
	Branch       string        `json:"branch"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Logs         []PipelineLog `json:"logs,omitempty"`
	ID           int64         `json:"id"`
	PipelineID   int64         `json:"pipeline_id"`
}

type PipelineLog struct {
	CreatedAt time.Time `json:"created_at"`
	Stage     string    `json:"stage"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Output    string    `json:"output"`
	ID        int64     `json:"id"`
	RunID     int64     `json:"run_id"`
}

type CreatePipelineRequest struct {
	ProjectID     int64          `json:"project_id" binding:"required"`
	Name          string         `json:"name" binding:"required,max=255"`
	Provider      string         `json:"provider" binding:"required,oneof=github gitlab bitbucket jenkins custom"`
	TriggerEvents []string       `json:"trigger_events" binding:"dive,oneof=push pull_request tag manual schedule"`
	BranchFilters []string       `json:"branch_filters"`
	Configuration PipelineConfig `json:"configuration"`
	Enabled       *bool          `json:"enabled"`
}

type UpdatePipelineRequest struct {
	Name          *string         `json:"name" binding:"omitempty,max=255"`
	Provider      *string         `json:"provider" binding:"omitempty,oneof=github gitlab bitbucket jenkins custom"`
	TriggerEvents []string        `json:"trigger_events" binding:"omitempty,dive,oneof=push pull_request tag manual schedule"`
	BranchFilters []string        `json:"branch_filters"`
	Configuration *PipelineConfig `json:"configuration"`
	Enabled       *bool           `json:"enabled"`
}
