package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/metrics"
)

// MetricsCollector samples local system and container metrics in the
// background and keeps a bounded history in the database.
type MetricsCollector struct {
	db     *database.DB
	config *config.MetricsConfig
	logger zerolog.Logger
	now    func() time.Time

	collectSystem func(context.Context) (*metrics.SystemMetrics, error)
	collectDocker func(context.Context) (*metrics.DockerMetrics, error)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.RWMutex
	lastData *MetricsSnapshot
}

// MetricsSnapshot holds the latest sample.
type MetricsSnapshot struct {
	Timestamp time.Time              `json:"timestamp"`
	System    *metrics.SystemMetrics `json:"system"`
	Docker    *metrics.DockerMetrics `json:"docker"`
}

// StoredSystemMetrics is one row of system_metrics, or an hourly average.
type StoredSystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	LoadAvg       string    `json:"load_avg"`
	ID            int64     `json:"id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryTotal   uint64    `json:"memory_total"`
	Uptime        int64     `json:"uptime"`
	Samples       int       `json:"samples,omitempty"`
}

// StoredDockerMetrics is one row of docker_metrics.
type StoredDockerMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	Image         string    `json:"image"`
	State         string    `json:"state"`
	ID            int64     `json:"id"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryLimit   uint64    `json:"memory_limit"`
}

func NewMetricsCollector(db *database.DB, cfg *config.MetricsConfig, logger zerolog.Logger) *MetricsCollector {
	ctx, cancel := context.WithCancel(context.Background())
	return &MetricsCollector{
		db:            db,
		config:        cfg,
		logger:        logger.With().Str("component", "metrics-collector").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
		collectSystem: metrics.CollectSystem,
		collectDocker: metrics.CollectDocker,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the collection and daily cleanup loops.
func (c *MetricsCollector) Start() {
	if !c.config.IsEnabled() {
		c.logger.Info().Msg("metrics collection is disabled")
		return
	}
	interval := c.config.GetCollectionInterval()
	c.logger.Info().Dur("interval", interval).Msg("starting metrics collection")

	c.wg.Add(2)
	go c.loop(interval, c.Collect)
	go c.loop(24*time.Hour, func() { c.Cleanup() })
}

// Stop cancels the loops and waits for them.
func (c *MetricsCollector) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *MetricsCollector) loop(interval time.Duration, fn func()) {
	defer c.wg.Done()
	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Latest returns the most recent sample, or nil before the first one.
func (c *MetricsCollector) Latest() *MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastData
}

// Collect takes one sample and stores it.
func (c *MetricsCollector) Collect() {
	ctx, cancel := context.WithTimeout(c.ctx, 20*time.Second)
	defer cancel()

	snapshot := &MetricsSnapshot{Timestamp: c.now()}
	if sys, err := c.collectSystem(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to collect system metrics")
	} else {
		snapshot.System = sys
		if err := c.storeSystem(snapshot.Timestamp, sys); err != nil {
			c.logger.Error().Err(err).Msg("failed to store system metrics")
		}
	}
	if dm, err := c.collectDocker(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("docker metrics unavailable")
	} else {
		snapshot.Docker = dm
		if err := c.storeDocker(snapshot.Timestamp, dm); err != nil {
			c.logger.Error().Err(err).Msg("failed to store docker metrics")
		}
	}

	c.mu.Lock()
	c.lastData = snapshot
	c.mu.Unlock()
}

func (c *MetricsCollector) storeSystem(ts time.Time, m *metrics.SystemMetrics) error {
	load, err := toJSON(m.LoadAvg)
	if err != nil {
		return err
	}
	var diskPercent float64
	if d, ok := m.RootDisk(); ok {
		diskPercent = d.UsedPercent
	}
	_, err = c.db.Exec(`
		INSERT INTO system_metrics (timestamp, cpu_percent, memory_percent, memory_used, memory_total, disk_percent, load_avg, uptime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ts, m.CPU.UsagePercent, m.Memory.UsedPercent, m.Memory.Used, m.Memory.Total, diskPercent, load, m.Uptime,
	)
	return err
}

// storeDocker keeps running containers only.
func (c *MetricsCollector) storeDocker(ts time.Time, m *metrics.DockerMetrics) error {
	if !m.Available {
		return nil
	}
	return c.db.Tx(func(tx *sql.Tx) error {
		for _, ct := range m.Containers {
			if ct.State != "running" {
				continue
			}
			_, err := tx.Exec(`
				INSERT INTO docker_metrics (timestamp, container_id, container_name, image, state, cpu_percent, memory_percent, memory_used, memory_limit)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ts, ct.ID, ct.Name, ct.Image, ct.State, ct.CPU.UsagePercent, ct.Memory.UsedPercent, ct.Memory.Usage, ct.Memory.Limit,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Cleanup removes samples older than the configured retention.
func (c *MetricsCollector) Cleanup() int64 {
	days := c.config.RetentionDays
	if days <= 0 {
		days = 7
	}
	n, err := c.Prune(c.now().AddDate(0, 0, -days))
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to prune metrics")
	} else if n > 0 {
		c.logger.Info().Int64("deleted", n).Msg("pruned old metrics")
	}
	return n
}

// Prune deletes every sample taken before the cutoff.
func (c *MetricsCollector) Prune(before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"system_metrics", "docker_metrics"} {
		res, err := c.db.Exec("DELETE FROM "+table+" WHERE timestamp < ?", before.UTC())
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// History returns system samples between from and to. The "hourly"
// resolution averages samples per hour.
func (c *MetricsCollector) History(from, to time.Time, resolution string) ([]StoredSystemMetrics, error) {
	switch resolution {
	case "", "raw", "hourly":
	default:
		return nil, fmt.Errorf("unknown resolution %q", resolution)
	}
	rows, err := c.db.Query(`
		SELECT id, timestamp, COALESCE(cpu_percent, 0), COALESCE(memory_percent, 0), COALESCE(memory_used, 0),
			COALESCE(memory_total, 0), COALESCE(disk_percent, 0), COALESCE(load_avg, '[]'), COALESCE(uptime, 0)
		FROM system_metrics WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]StoredSystemMetrics, 0)
	for rows.Next() {
		var m StoredSystemMetrics
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.CPUPercent, &m.MemoryPercent, &m.MemoryUsed,
			&m.MemoryTotal, &m.DiskPercent, &m.LoadAvg, &m.Uptime); err != nil {
			return nil, err
		}
		samples = append(samples, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if resolution != "hourly" {
		return samples, nil
	}
	return hourlyAverages(samples), nil
}

func hourlyAverages(samples []StoredSystemMetrics) []StoredSystemMetrics {
	out := make([]StoredSystemMetrics, 0)
	for _, s := range samples {
		hour := s.Timestamp.UTC().Truncate(time.Hour)
		if len(out) == 0 || !out[len(out)-1].Timestamp.Equal(hour) {
			out = append(out, StoredSystemMetrics{Timestamp: hour, LoadAvg: "[]"})
		}
		b := &out[len(out)-1]
		n := float64(b.Samples)
		b.CPUPercent = (b.CPUPercent*n + s.CPUPercent) / (n + 1)
		b.MemoryPercent = (b.MemoryPercent*n + s.MemoryPercent) / (n + 1)
		b.DiskPercent = (b.DiskPercent*n + s.DiskPercent) / (n + 1)
		b.MemoryUsed = s.MemoryUsed
		b.MemoryTotal = s.MemoryTotal
		b.Uptime = s.Uptime
		b.Samples++
	}
	return out
}

// ContainerHistory returns stored samples of one container.
func (c *MetricsCollector) ContainerHistory(containerID string, from, to time.Time) ([]StoredDockerMetrics, error) {
	rows, err := c.db.Query(`
		SELECT id, timestamp, container_id, COALESCE(container_name, ''), COALESCE(image, ''), COALESCE(state, ''),
			COALESCE(cpu_percent, 0), COALESCE(memory_percent, 0), COALESCE(memory_used, 0), COALESCE(memory_limit, 0)
		FROM docker_metrics WHERE container_id = ? AND timestamp >= ? AND timestamp <= ? ORDER BY timestamp`,
		containerID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := make([]StoredDockerMetrics, 0)
	for rows.Next() {
		var m StoredDockerMetrics
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.ContainerID, &m.ContainerName, &m.Image, &m.State,
			&m.CPUPercent, &m.MemoryPercent, &m.MemoryUsed, &m.MemoryLimit); err != nil {
			return nil, err
		}
		samples = append(samples, m)
	}
	return samples, rows.Err()
}
