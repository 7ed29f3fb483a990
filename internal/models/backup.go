package models

import "time"

// BackupType selects how a backup archive is built.
type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
	BackupSnapshot    BackupType = "snapshot"
)

// BackupStatus is the lifecycle state of a backup.
type BackupStatus string

const (
	BackupPending   BackupStatus = "pending"
	BackupRunning   BackupStatus = "running"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
)

// ManifestEntry describes one file captured by a backup.
type ManifestEntry struct {
	ModTime   time.Time `json:"mtime"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	Mode      uint32    `json:"mode"`
	InArchive bool      `json:"in_archive"`
}

// Manifest lists the full file set at backup time. Deleted holds paths that
// existed in the parent backup but are gone now.
type Manifest struct {
	Files   []ManifestEntry `json:"files"`
	Deleted []string        `json:"deleted,omitempty"`
}

type Backup struct {
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at"`
	CompletedAt    *time.Time   `json:"completed_at"`
	ServerID       *int64       `json:"server_id"`
	ProjectID      *int64       `json:"project_id"`
	ScheduleID     *int64       `json:"schedule_id"`
	ParentBackupID *int64       `json:"parent_backup_id"`
	Manifest       *Manifest    `json:"manifest,omitempty"`
	Name           string       `json:"name"`
	Type           BackupType   `json:"type"`
	Status         BackupStatus `json:"status"`
	StorageDriver  string       `json:"storage_driver"`
	StoragePath    string       `json:"storage_path"`
	Checksum       string       `json:"checksum"`
	SourcePath     string       `json:"source_path"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	ID             int64        `json:"id"`
	SizeBytes      int64        `json:"size_bytes"`
	DurationMS     int64        `json:"duration_ms"`
}

type CreateBackupRequest struct {
	ServerID        *int64     `json:"server_id"`
	ProjectID       *int64     `json:"project_id"`
	Name            string     `json:"name" binding:"omitempty,max=255"`
	Type            BackupType `json:"type" binding:"required,oneof=full incremental snapshot"`
	SourcePath      string     `json:"source_path" binding:"required"`
	StorageDriver   string     `json:"storage_driver" binding:"omitempty,oneof=local s3"`
	ExcludePatterns []string   `json:"exclude_patterns"`
}

type RestoreBackupRequest struct {
	TargetPath string `json:"target_path" binding:"required"`
	Overwrite  bool   `json:"overwrite"`
	Verify     *bool  `json:"verify"`
}

type BackupSchedule struct {
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	NextRun          *time.Time `json:"next_run"`
	LastRun          *time.Time `json:"last_run"`
	ServerID         *int64     `json:"server_id"`
	ProjectID        *int64     `json:"project_id"`
	Name             string     `json:"name"`
	Type             BackupType `json:"type"`
	Frequency        string     `json:"frequency"`
	Time             string     `json:"time"`
	SourcePath       string     `json:"source_path"`
	StorageDriver    string     `json:"storage_driver"`
	ID               int64      `json:"id"`
	RetentionDays    int        `json:"retention_days"`
	RetentionDaily   int        `json:"retention_daily"`
	RetentionWeekly  int        `json:"retention_weekly"`
	RetentionMonthly int        `json:"retention_monthly"`
	IsActive         bool       `json:"is_active"`
}

type CreateScheduleRequest struct {
	ServerID         *int64     `json:"server_id"`
	ProjectID        *int64     `json:"project_id"`
	Name             string     `json:"name" binding:"required,max=255"`
	Type             BackupType `json:"type" binding:"required,oneof=full incremental snapshot"`
	Frequency        string     `json:"frequency" binding:"required,frequency"`
	Time             string     `json:"time" binding:"omitempty,clock"`
	SourcePath       string     `json:"source_path" binding:"required"`
	StorageDriver    string     `json:"storage_driver" binding:"omitempty,oneof=local s3"`
	RetentionDays    int        `json:"retention_days" binding:"omitempty,min=1,max=3650"`
	RetentionDaily   *int       `json:"retention_daily" binding:"omitempty,min=0,max=365"`
	RetentionWeekly  *int       `json:"retention_weekly" binding:"omitempty,min=0,max=520"`
	RetentionMonthly *int       `json:"retention_monthly" binding:"omitempty,min=0,max=240"`
	IsActive         *bool      `json:"is_active"`
}
