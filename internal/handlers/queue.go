package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// statsPushInterval matches the dashboard's polling period.
const statsPushInterval = 5 * time.Second

// QueueHandler backs the queue monitor.
type QueueHandler struct {
	handlerBase
	queue          *queue.Queue
	monitor        *queue.Monitor
	stuckThreshold time.Duration
	upgrader       websocket.Upgrader
}

func NewQueueHandler(q *queue.Queue, monitor *queue.Monitor, stuckThreshold time.Duration, audit *services.AuditService, logger zerolog.Logger) *QueueHandler {
	return &QueueHandler{
		handlerBase:    handlerBase{audit: audit, logger: logger},
		queue:          q,
		monitor:        monitor,
		stuckThreshold: stuckThreshold,
		upgrader:       websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}
}

type queueSnapshot struct {
	Stats       *queue.Stats  `json:"stats"`
	Rate        *queue.Rate   `json:"rate"`
	Health      *queue.Health `json:"health"`
	AvgMS       int64         `json:"average_processing_ms"`
	GeneratedAt time.Time     `json:"generated_at"`
}

func (h *QueueHandler) snapshot() (*queueSnapshot, error) {
	stats, err := h.monitor.Stats()
	if err != nil {
		return nil, err
	}
	rate, err := h.monitor.ProcessingRate()
	if err != nil {
		return nil, err
	}
	health, err := h.monitor.Health()
	if err != nil {
		return nil, err
	}
	avg, err := h.monitor.AverageProcessingTime(time.Hour)
	if err != nil {
		return nil, err
	}
	return &queueSnapshot{
		Stats:       stats,
		Rate:        rate,
		Health:      health,
		AvgMS:       avg.Milliseconds(),
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (h *QueueHandler) Stats(c *gin.Context) {
	snap, err := h.snapshot()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// StatsWS pushes a snapshot immediately and then every five seconds.
func (h *QueueHandler) StatsWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	closed := readUntilClose(conn)
	ticker := time.NewTicker(statsPushInterval)
	defer ticker.Stop()

	for {
		snap, err := h.snapshot()
		if err != nil {
			h.logger.Error().Err(err).Msg("queue stats")
			_ = conn.WriteJSON(gin.H{"error": "failed to load queue stats"})
		} else if err := conn.WriteJSON(snap); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-closed:
			return
		}
	}
}

func (h *QueueHandler) Recent(c *gin.Context) {
	jobs, err := h.monitor.RecentJobs(queryInt(c, "limit", 20))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *QueueHandler) Job(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	job, err := h.queue.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *QueueHandler) Stuck(c *gin.Context) {
	jobs, err := h.monitor.StuckJobs(h.stuckThreshold)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *QueueHandler) Failed(c *gin.Context) {
	page, perPage := queryInt(c, "page", 1), queryInt(c, "per_page", 20)
	jobs, total, err := h.monitor.FailedJobs(page, perPage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": total, "page": page, "per_page": perPage})
}

func (h *QueueHandler) FailedJob(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	job, err := h.monitor.FailedJob(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *QueueHandler) Retry(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	jobID, err := h.monitor.RetryFailed(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "queue_retry", "failed_job", id, map[string]interface{}{"job_id": jobID})
	c.JSON(http.StatusOK, gin.H{"message": "job queued for retry", "job_id": jobID})
}

func (h *QueueHandler) RetryAll(c *gin.Context) {
	n, err := h.monitor.RetryAllFailed()
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "queue_retry_all", "failed_job", 0, map[string]interface{}{"count": n})
	c.JSON(http.StatusOK, gin.H{"retried": n})
}

func (h *QueueHandler) DeleteFailed(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.monitor.DeleteFailed(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "queue_delete_failed", "failed_job", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "failed job deleted"})
}

func (h *QueueHandler) ClearFailed(c *gin.Context) {
	n, err := h.monitor.ClearFailed()
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "queue_clear_failed", "failed_job", 0, map[string]interface{}{"count": n})
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *QueueHandler) Size(c *gin.Context) {
	name := c.Param("name")
	n, err := h.monitor.Size(name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "size": n})
}

func (h *QueueHandler) Purge(c *gin.Context) {
	name := c.Param("name")
	n, err := h.monitor.Purge(name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "queue_purge", "queue", 0, map[string]interface{}{"queue": name, "count": n})
	c.JSON(http.StatusOK, gin.H{"queue": name, "deleted": n})
}
