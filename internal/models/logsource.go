package models

import "time"

// Log source types.
const (
	LogSourceFile     = "file"
	LogSourceDocker   = "docker"
	LogSourceJournald = "journald"
)

type LogSource struct {
	CreatedAt    time.Time  `json:"created_at"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	ProjectID    *int64     `json:"project_id"`
	ServerID     *int64     `json:"server_id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Path         string     `json:"path"`
	ID           int64      `json:"id"`
	ReadOffset   int64      `json:"read_offset"`
	Enabled      bool       `json:"enabled"`
}

type LogEntry struct {
	LoggedAt time.Time `json:"logged_at"`
	Level    string    `json:"level"`
	Message  string    `json:"message"`
	ID       int64     `json:"id"`
	SourceID int64     `json:"source_id"`
}

type CreateLogSourceRequest struct {
	ProjectID *int64 `json:"project_id"`
	ServerID  *int64 `json:"server_id"`
	Name      string `json:"name" binding:"required,max=255"`
	Type      string `json:"type" binding:"required,oneof=file docker journald"`
	Path      string `json:"path" binding:"required,max=1024"`
	Enabled   *bool  `json:"enabled"`
}
