package models

import (
	"encoding/json"
	"time"
)

// Job is a queued unit of background work.
type Job struct {
	CreatedAt   time.Time       `json:"created_at"`
	AvailableAt time.Time       `json:"available_at"`
	ReservedAt  *time.Time      `json:"reserved_at"`
	Queue       string          `json:"queue"`
	JobClass    string          `json:"job_class"`
	Payload     json.RawMessage `json:"payload"`
	ID          int64           `json:"id"`
	Attempts    int             `json:"attempts"`
}

// FailedJob is a job that exhausted its attempts.
type FailedJob struct {
	FailedAt  time.Time       `json:"failed_at"`
	UUID      string          `json:"uuid"`
	Queue     string          `json:"queue"`
	JobClass  string          `json:"job_class"`
	Payload   json.RawMessage `json:"payload"`
	Exception string          `json:"exception"`
	ID        int64           `json:"id"`
}
