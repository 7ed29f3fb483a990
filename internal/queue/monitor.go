package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/models"
)

// Health levels reported by Monitor.Health.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

const (
	failedWarnThreshold  = 100
	pendingWarnThreshold = 1000
	successWarnPercent   = 90
)

// QueueStat is the per-queue breakdown.
type QueueStat struct {
	Name       string `json:"name"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
}

// Stats is the monitor dashboard payload.
type Stats struct {
	Workers     Status      `json:"workers"`
	Queues      []QueueStat `json:"queues"`
	Pending     int         `json:"pending"`
	Processing  int         `json:"processing"`
	Failed      int         `json:"failed"`
	JobsPerHour int         `json:"jobs_per_hour"`
}

// Rate summarizes recent throughput.
type Rate struct {
	Last5Min         int     `json:"last_5_min"`
	LastHour         int     `json:"last_hour"`
	SuccessRate      float64 `json:"success_rate"`
	ThroughputPerMin float64 `json:"throughput_per_min"`
}

// Health is the overall queue verdict.
type Health struct {
	Status string   `json:"status"`
	Issues []string `json:"issues"`
}

// RetryFunc prepares the record behind a failed job before it is requeued.
type RetryFunc func(payload json.RawMessage) error

// Monitor reads queue tables for dashboards and performs maintenance.
type Monitor struct {
	queue *Queue
	pool  *Pool

	mu    sync.RWMutex
	retry map[string]RetryFunc
}

// NewMonitor builds a monitor. pool may be nil when workers run elsewhere.
func NewMonitor(q *Queue, pool *Pool) *Monitor {
	return &Monitor{queue: q, pool: pool, retry: make(map[string]RetryFunc)}
}

// OnRetry registers fn to run for class when a failed job is retried.
func (m *Monitor) OnRetry(class string, fn RetryFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retry[class] = fn
}

func (m *Monitor) prepareRetry(class, payload string) error {
	m.mu.RLock()
	fn := m.retry[class]
	m.mu.RUnlock()
	if fn == nil {
		return nil
	}
	if err := fn(json.RawMessage(payload)); err != nil {
		return fmt.Errorf("prepare %s retry: %w", class, err)
	}
	return nil
}

func (m *Monitor) workers() Status {
	if m.pool == nil {
		return Status{Queues: DefaultQueues}
	}
	return m.pool.Status()
}

// Stats counts pending, processing and failed jobs.
func (m *Monitor) Stats() (*Stats, error) {
	db := m.queue.db
	st := &Stats{Workers: m.workers(), Queues: make([]QueueStat, 0, len(DefaultQueues))}

	byName := make(map[string]int, len(DefaultQueues))
	for i, name := range DefaultQueues {
		st.Queues = append(st.Queues, QueueStat{Name: name})
		byName[name] = i
	}

	rows, err := db.Query(`
		SELECT queue,
			SUM(CASE WHEN reserved_at IS NULL THEN 1 ELSE 0 END),
			SUM(CASE WHEN reserved_at IS NOT NULL THEN 1 ELSE 0 END)
		FROM jobs GROUP BY queue`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var qs QueueStat
		if err := rows.Scan(&qs.Name, &qs.Pending, &qs.Processing); err != nil {
			return nil, err
		}
		if i, ok := byName[qs.Name]; ok {
			st.Queues[i] = qs
		} else {
			byName[qs.Name] = len(st.Queues)
			st.Queues = append(st.Queues, qs)
		}
		st.Pending += qs.Pending
		st.Processing += qs.Processing
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := db.QueryRow(`SELECT COUNT(*) FROM failed_jobs`).Scan(&st.Failed); err != nil {
		return nil, err
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM completed_jobs WHERE completed_at >= ?`,
		m.queue.now().Add(-time.Hour)).Scan(&st.JobsPerHour); err != nil {
		return nil, err
	}
	return st, nil
}

// PublishDepth pushes pending counts into the queue depth gauge.
func (m *Monitor) PublishDepth() error {
	st, err := m.Stats()
	if err != nil {
		return err
	}
	for _, qs := range st.Queues {
		metrics.SetQueueDepth(qs.Name, qs.Pending)
	}
	return nil
}

// RecentJobs lists jobs still in the jobs table, newest first.
func (m *Monitor) RecentJobs(limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return m.listJobs(`SELECT id, queue, job_class, payload, attempts, reserved_at, available_at, created_at
		FROM jobs ORDER BY id DESC LIMIT ?`, limit)
}

// StuckJobs lists jobs reserved longer than the configured threshold.
func (m *Monitor) StuckJobs(threshold time.Duration) ([]*models.Job, error) {
	return m.listJobs(`SELECT id, queue, job_class, payload, attempts, reserved_at, available_at, created_at
		FROM jobs WHERE reserved_at IS NOT NULL AND reserved_at < ? ORDER BY reserved_at`, m.queue.now().Add(-threshold))
}

func (m *Monitor) listJobs(query string, args ...any) ([]*models.Job, error) {
	rows, err := m.queue.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// FailedJobs returns one page of failed jobs and the total count.
func (m *Monitor) FailedJobs(page, perPage int) ([]*models.FailedJob, int, error) {
	if perPage <= 0 || perPage > 100 {
		perPage = 20
	}
	if page < 1 {
		page = 1
	}
	var total int
	if err := m.queue.db.QueryRow(`SELECT COUNT(*) FROM failed_jobs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := m.queue.db.Query(`
		SELECT id, uuid, queue, job_class, payload, COALESCE(exception, ''), failed_at
		FROM failed_jobs ORDER BY failed_at DESC, id DESC LIMIT ? OFFSET ?`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := make([]*models.FailedJob, 0)
	for rows.Next() {
		job, err := scanFailedJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// FailedJob returns one failed job with its exception text.
func (m *Monitor) FailedJob(id int64) (*models.FailedJob, error) {
	job, err := scanFailedJob(m.queue.db.QueryRow(`
		SELECT id, uuid, queue, job_class, payload, COALESCE(exception, ''), failed_at
		FROM failed_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFailedJobNotFound
	}
	return job, err
}

func scanFailedJob(row scanner) (*models.FailedJob, error) {
	var job models.FailedJob
	var payload string
	if err := row.Scan(&job.ID, &job.UUID, &job.Queue, &job.JobClass, &payload, &job.Exception, &job.FailedAt); err != nil {
		return nil, err
	}
	job.Payload = []byte(payload)
	return &job, nil
}

// RetryFailed moves a failed job back onto its queue with fresh attempts.
// The OnRetry hook for its class runs first; a hook error leaves the job failed.
func (m *Monitor) RetryFailed(id int64) (int64, error) {
	var queue, class, payload string
	err := m.queue.db.QueryRow(`SELECT queue, job_class, payload FROM failed_jobs WHERE id = ?`, id).Scan(&queue, &class, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrFailedJobNotFound
	}
	if err != nil {
		return 0, err
	}
	if err := m.prepareRetry(class, payload); err != nil {
		return 0, err
	}

	var newID int64
	err = m.queue.db.Tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM failed_jobs WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrFailedJobNotFound
		}
		now := m.queue.now()
		res, err = tx.Exec(`INSERT INTO jobs (queue, job_class, payload, attempts, available_at, created_at) VALUES (?, ?, ?, 0, ?, ?)`,
			queue, class, payload, now, now)
		if err != nil {
			return err
		}
		newID, _ = res.LastInsertId()
		return nil
	})
	return newID, err
}

// RetryAllFailed requeues every failed job. Hooks run before anything moves,
// so one failing hook requeues nothing.
func (m *Monitor) RetryAllFailed() (int64, error) {
	rows, err := m.queue.db.Query(`SELECT id, job_class, payload FROM failed_jobs ORDER BY id`)
	if err != nil {
		return 0, err
	}
	type failed struct {
		id             int64
		class, payload string
	}
	var jobs []failed
	for rows.Next() {
		var f failed
		if err := rows.Scan(&f.id, &f.class, &f.payload); err != nil {
			rows.Close()
			return 0, err
		}
		jobs = append(jobs, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	for _, f := range jobs {
		if err := m.prepareRetry(f.class, f.payload); err != nil {
			return 0, err
		}
	}

	// jobs failing after the scan were not prepared and stay put
	last := jobs[len(jobs)-1].id
	var n int64
	err = m.queue.db.Tx(func(tx *sql.Tx) error {
		now := m.queue.now()
		res, err := tx.Exec(`
			INSERT INTO jobs (queue, job_class, payload, attempts, available_at, created_at)
			SELECT queue, job_class, payload, 0, ?, ? FROM failed_jobs WHERE id <= ? ORDER BY id`, now, now, last)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		_, err = tx.Exec(`DELETE FROM failed_jobs WHERE id <= ?`, last)
		return err
	})
	return n, err
}

// DeleteFailed discards one failed job.
func (m *Monitor) DeleteFailed(id int64) error {
	res, err := m.queue.db.Exec(`DELETE FROM failed_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFailedJobNotFound
	}
	return nil
}

// ClearFailed discards every failed job.
func (m *Monitor) ClearFailed() (int64, error) {
	res, err := m.queue.db.Exec(`DELETE FROM failed_jobs`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Size counts jobs waiting on a queue.
func (m *Monitor) Size(queue string) (int, error) {
	var n int
	err := m.queue.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE queue = ? AND reserved_at IS NULL`, queue).Scan(&n)
	return n, err
}

// Purge drops unreserved jobs from a queue. Running jobs are left alone.
func (m *Monitor) Purge(queue string) (int64, error) {
	res, err := m.queue.db.Exec(`DELETE FROM jobs WHERE queue = ? AND reserved_at IS NULL`, queue)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ProcessingRate reports completions over 5 minutes and one hour.
// Success rate is completed / (completed + failed) in the last hour, 100 when idle.
func (m *Monitor) ProcessingRate() (*Rate, error) {
	now := m.queue.now()
	db := m.queue.db
	r := &Rate{SuccessRate: 100}

	if err := db.QueryRow(`SELECT COUNT(*) FROM completed_jobs WHERE completed_at >= ?`, now.Add(-5*time.Minute)).Scan(&r.Last5Min); err != nil {
		return nil, err
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM completed_jobs WHERE completed_at >= ?`, now.Add(-time.Hour)).Scan(&r.LastHour); err != nil {
		return nil, err
	}
	var failed int
	if err := db.QueryRow(`SELECT COUNT(*) FROM failed_jobs WHERE failed_at >= ?`, now.Add(-time.Hour)).Scan(&failed); err != nil {
		return nil, err
	}
	if total := r.LastHour + failed; total > 0 {
		r.SuccessRate = float64(r.LastHour) / float64(total) * 100
	}
	r.ThroughputPerMin = float64(r.Last5Min) / 5
	return r, nil
}

// AverageProcessingTime is the mean duration of jobs completed within window.
func (m *Monitor) AverageProcessingTime(window time.Duration) (time.Duration, error) {
	var avg sql.NullFloat64
	err := m.queue.db.QueryRow(`SELECT AVG(duration_ms) FROM completed_jobs WHERE completed_at >= ?`,
		m.queue.now().Add(-window)).Scan(&avg)
	if err != nil || !avg.Valid {
		return 0, err
	}
	return time.Duration(avg.Float64 * float64(time.Millisecond)), nil
}

// Health grades the queue: critical without workers, warning on backlog,
// failures or a low success rate.
func (m *Monitor) Health() (*Health, error) {
	st, err := m.Stats()
	if err != nil {
		return nil, err
	}
	rate, err := m.ProcessingRate()
	if err != nil {
		return nil, err
	}

	h := &Health{Status: HealthHealthy, Issues: make([]string, 0)}
	if !st.Workers.Running || st.Workers.Workers == 0 {
		h.Status = HealthCritical
		h.Issues = append(h.Issues, "No queue workers are running")
	}
	warn := func(msg string) {
		if h.Status == HealthHealthy {
			h.Status = HealthWarning
		}
		h.Issues = append(h.Issues, msg)
	}
	if st.Failed > failedWarnThreshold {
		warn(fmt.Sprintf("High number of failed jobs: %d", st.Failed))
	}
	if st.Pending > pendingWarnThreshold {
		warn(fmt.Sprintf("Large queue backlog: %d pending jobs", st.Pending))
	}
	if rate.SuccessRate < successWarnPercent {
		warn(fmt.Sprintf("Low success rate: %.1f%%", rate.SuccessRate))
	}
	return h, nil
}

// PruneHistory drops completed job rows older than age.
func (m *Monitor) PruneHistory(age time.Duration) (int64, error) {
	res, err := m.queue.db.Exec(`DELETE FROM completed_jobs WHERE completed_at < ?`, m.queue.now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
