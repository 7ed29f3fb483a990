// Package queue is a SQLite backed job queue with a polling worker pool.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
)

// Queue names in the order workers poll them.
const (
	QueueDeployments = "deployments"
	QueuePipelines   = "pipelines"
	QueueDefault     = "default"
	QueueBackups     = "backups"
)

// DefaultQueues is the polling priority used by the pool.
var DefaultQueues = []string{QueueDeployments, QueuePipelines, QueueDefault, QueueBackups}

// Job classes.
const (
	ClassDeploy       = "deploy"
	ClassBackup       = "backup"
	ClassPipeline     = "pipeline"
	ClassHealthCheck  = "health_check"
	ClassScript       = "script"
	ClassTenantDeploy = "tenant_deploy"
	ClassDBBackup     = "database_backup"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrFailedJobNotFound = errors.New("failed job not found")
)

// Queue stores jobs in the jobs, failed_jobs and completed_jobs tables.
type Queue struct {
	db  *database.DB
	now func() time.Time
}

func New(db *database.DB) *Queue {
	return &Queue{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Dispatch enqueues class on queue, available after delay.
func (q *Queue) Dispatch(queue, class string, payload any, delay time.Duration) (int64, error) {
	if queue == "" {
		queue = QueueDefault
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	now := q.now()
	res, err := q.db.Exec(
		`INSERT INTO jobs (queue, job_class, payload, attempts, available_at, created_at) VALUES (?, ?, ?, 0, ?, ?)`,
		queue, class, string(data), now.Add(delay), now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Reserve claims the oldest available job from the first non-empty queue.
// It returns nil when nothing is ready.
func (q *Queue) Reserve(queues []string) (*models.Job, error) {
	now := q.now()
	for _, name := range queues {
		var id int64
		err := q.db.QueryRow(`
			UPDATE jobs SET reserved_at = ?, attempts = attempts + 1
			WHERE id = (
				SELECT id FROM jobs
				WHERE queue = ? AND reserved_at IS NULL AND available_at <= ?
				ORDER BY available_at, id LIMIT 1
			)
			RETURNING id`,
			now, name, now,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return q.Get(id)
	}
	return nil, nil
}

// Complete removes a finished job and records its duration.
func (q *Queue) Complete(job *models.Job, d time.Duration) error {
	return q.db.Tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO completed_jobs (queue, job_class, duration_ms, completed_at) VALUES (?, ?, ?, ?)`,
			job.Queue, job.JobClass, d.Milliseconds(), q.now(),
		)
		return err
	})
}

// Release puts a reserved job back, available after delay.
func (q *Queue) Release(job *models.Job, delay time.Duration) error {
	_, err := q.db.Exec(
		`UPDATE jobs SET reserved_at = NULL, available_at = ? WHERE id = ?`,
		q.now().Add(delay), job.ID,
	)
	return err
}

// Postpone releases a job and refunds the attempt Reserve consumed.
func (q *Queue) Postpone(job *models.Job, delay time.Duration) error {
	_, err := q.db.Exec(
		`UPDATE jobs SET reserved_at = NULL, available_at = ?, attempts = MAX(attempts - 1, 0) WHERE id = ?`,
		q.now().Add(delay), job.ID,
	)
	return err
}

// Fail moves a job to failed_jobs with the error text.
func (q *Queue) Fail(job *models.Job, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.db.Tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO failed_jobs (uuid, queue, job_class, payload, exception, failed_at) VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), job.Queue, job.JobClass, string(job.Payload), msg, q.now(),
		)
		return err
	})
}

// ReleaseStuck frees jobs reserved for longer than threshold, e.g. after a crash.
func (q *Queue) ReleaseStuck(threshold time.Duration) (int64, error) {
	res, err := q.db.Exec(
		`UPDATE jobs SET reserved_at = NULL WHERE reserved_at IS NOT NULL AND reserved_at < ?`,
		q.now().Add(-threshold),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get returns a pending or reserved job.
func (q *Queue) Get(id int64) (*models.Job, error) {
	job, err := scanJob(q.db.QueryRow(
		`SELECT id, queue, job_class, payload, attempts, reserved_at, available_at, created_at FROM jobs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var payload string
	var reserved sql.NullTime
	if err := row.Scan(&job.ID, &job.Queue, &job.JobClass, &payload, &job.Attempts, &reserved, &job.AvailableAt, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Payload = json.RawMessage(payload)
	if reserved.Valid {
		t := reserved.Time
		job.ReservedAt = &t
	}
	return &job, nil
}
