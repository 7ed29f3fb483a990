package models

import "time"

// ScriptHooks are commands run around the main script.
type ScriptHooks struct {
	Pre   []string `json:"pre,omitempty"`
	Post  []string `json:"post,omitempty"`
	Error []string `json:"error,omitempty"`
}

type Script struct {
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Variables      map[string]string `json:"variables"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Type           string            `json:"type"`
	Language       string            `json:"language"`
	Content        string            `json:"content"`
	Hooks          ScriptHooks       `json:"hooks"`
	ID             int64             `json:"id"`
	Timeout        int               `json:"timeout"`
	MaxRetries     int               `json:"max_retries"`
	RetryOnFailure bool              `json:"retry_on_failure"`
	Enabled        bool              `json:"enabled"`
}

type ScriptRequest struct {
	Name           string            `json:"name" binding:"required,max=255"`
	Description    string            `json:"description" binding:"max=1000"`
	Type           string            `json:"type" binding:"required,oneof=deployment rollback maintenance backup custom"`
	Language       string            `json:"language" binding:"required,oneof=bash sh python php node ruby"`
	Content        string            `json:"content" binding:"required"`
	Variables      map[string]string `json:"variables"`
	Hooks          ScriptHooks       `json:"hooks"`
	Timeout        int               `json:"timeout" binding:"omitempty,min=10,max=3600"`
	RetryOnFailure bool              `json:"retry_on_failure"`
	MaxRetries     int               `json:"max_retries" binding:"omitempty,min=1,max=10"`
	Enabled        *bool             `json:"enabled"`
}

// ScriptResult is the outcome of running a script.
type ScriptResult struct {
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	ExitCode      int    `json:"exit_code"`
	Retries       int    `json:"retries"`
	ExecutionTime int64  `json:"execution_time_ms"`
	Success       bool   `json:"success"`
}
