package models

import "time"

// DatabaseType selects the dump tool used for a database backup.
type DatabaseType string

const (
	DatabaseMySQL      DatabaseType = "mysql"
	DatabasePostgreSQL DatabaseType = "postgresql"
	DatabaseSQLite     DatabaseType = "sqlite"
)

// DatabaseBackup is a gzipped SQL dump (or SQLite file copy) held in backup storage.
type DatabaseBackup struct {
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at"`
	VerifiedAt    *time.Time        `json:"verified_at"`
	ServerID      *int64            `json:"server_id"`
	ProjectID     *int64            `json:"project_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	DatabaseType  DatabaseType      `json:"database_type"`
	DatabaseName  string            `json:"database_name"`
	FileName      string            `json:"file_name"`
	Status        BackupStatus      `json:"status"`
	StorageDriver string            `json:"storage_driver"`
	StoragePath   string            `json:"storage_path"`
	Checksum      string            `json:"checksum"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ID            int64             `json:"id"`
	SizeBytes     int64             `json:"size_bytes"`
	DurationMS    int64             `json:"duration_ms"`
}

type CreateDatabaseBackupRequest struct {
	ServerID      *int64       `json:"server_id"`
	ProjectID     *int64       `json:"project_id"`
	DatabaseType  DatabaseType `json:"database_type" binding:"required,oneof=mysql postgresql sqlite"`
	DatabaseName  string       `json:"database_name" binding:"required,max=255"`
	StorageDriver string       `json:"storage_driver" binding:"omitempty,oneof=local s3"`
}

type DatabaseRetentionRequest struct {
	ServerID     *int64 `json:"server_id"`
	DatabaseName string `json:"database_name" binding:"required"`
	Daily        *int   `json:"daily" binding:"omitempty,min=0,max=365"`
	Weekly       *int   `json:"weekly" binding:"omitempty,min=0,max=520"`
	Monthly      *int   `json:"monthly" binding:"omitempty,min=0,max=240"`
}
