package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// MetricsHandler serves live and historical host and container metrics.
type MetricsHandler struct {
	handlerBase
	collector     *services.MetricsCollector
	collectSystem func(context.Context) (*metrics.SystemMetrics, error)
	collectDocker func(context.Context) (*metrics.DockerMetrics, error)
}

func NewMetricsHandler(collector *services.MetricsCollector, audit *services.AuditService, logger zerolog.Logger) *MetricsHandler {
	return &MetricsHandler{
		handlerBase:   handlerBase{audit: audit, logger: logger},
		collector:     collector,
		collectSystem: metrics.CollectSystem,
		collectDocker: metrics.CollectDocker,
	}
}

// MetricsSummary is a quick overview of the host and its containers.
type MetricsSummary struct {
	System struct {
		CPUPercent    float64 `json:"cpu_percent"`
		MemoryPercent float64 `json:"memory_percent"`
		DiskCount     int     `json:"disk_count"`
		NetworkCount  int     `json:"network_count"`
		Uptime        int64   `json:"uptime"`
	} `json:"system"`
	Docker struct {
		Available bool `json:"available"`
		Running   int  `json:"running"`
		Stopped   int  `json:"stopped"`
		Total     int  `json:"total"`
	} `json:"docker"`
	SampledAt *time.Time `json:"sampled_at,omitempty"`
}

// System returns a fresh sample of host metrics.
func (h *MetricsHandler) System(c *gin.Context) {
	m, err := h.collectSystem(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Docker returns a fresh sample of every container.
func (h *MetricsHandler) Docker(c *gin.Context) {
	m, err := h.collectDocker(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Summary prefers the collector's latest sample and samples live otherwise.
func (h *MetricsHandler) Summary(c *gin.Context) {
	var (
		sys *metrics.SystemMetrics
		dk  *metrics.DockerMetrics
		sum MetricsSummary
	)
	if snap := h.collector.Latest(); snap != nil {
		sys, dk = snap.System, snap.Docker
		ts := snap.Timestamp
		sum.SampledAt = &ts
	}
	if sys == nil {
		sys, _ = h.collectSystem(c.Request.Context())
	}
	if dk == nil {
		dk, _ = h.collectDocker(c.Request.Context())
	}

	if sys != nil {
		sum.System.CPUPercent = sys.CPU.UsagePercent
		sum.System.MemoryPercent = sys.Memory.UsedPercent
		sum.System.DiskCount = len(sys.Disks)
		sum.System.NetworkCount = len(sys.Network)
		sum.System.Uptime = sys.Uptime
	}
	if dk != nil {
		sum.Docker.Available = dk.Available
		sum.Docker.Running = dk.Summary.Running
		sum.Docker.Stopped = dk.Summary.Stopped
		sum.Docker.Total = dk.Summary.Total
	}
	c.JSON(http.StatusOK, sum)
}

// timeRange reads ?from= and ?to= as RFC 3339, defaulting to the last day.
func timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if s := c.Query("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from' timestamp format, use RFC3339"})
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if s := c.Query("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'to' timestamp format, use RFC3339"})
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	return from, to, true
}

// History returns stored host samples. ?resolution= is raw or hourly.
func (h *MetricsHandler) History(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	resolution := c.DefaultQuery("resolution", "raw")
	if resolution != "raw" && resolution != "hourly" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution must be raw or hourly"})
		return
	}
	data, err := h.collector.History(from, to, resolution)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "resolution": resolution, "data": data})
}

func (h *MetricsHandler) ContainerHistory(c *gin.Context) {
	id, ok := containerID(c)
	if !ok {
		return
	}
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	data, err := h.collector.ContainerHistory(id, from, to)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"container_id": id, "from": from, "to": to, "data": data})
}

type pruneMetricsRequest struct {
	Before time.Time `json:"before" binding:"required"`
}

// Prune removes samples taken before the given time.
func (h *MetricsHandler) Prune(c *gin.Context) {
	var req pruneMetricsRequest
	if !bindJSON(c, &req) {
		return
	}
	n, err := h.collector.Prune(req.Before)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "metrics_prune", "metrics", 0, map[string]interface{}{"before": req.Before, "deleted": n})
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted_records": n, "pruned_before": req.Before})
}

type metricsEvent struct {
	System    *metrics.SystemMetrics `json:"system,omitempty"`
	Docker    *metrics.DockerMetrics `json:"docker,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Stream pushes live samples over SSE every ?interval= seconds (1 to 60).
func (h *MetricsHandler) Stream(c *gin.Context) {
	interval := queryInt(c, "interval", 5)
	interval = min(max(interval, 1), 60)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	h.sendEvent(ctx, c.Writer)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				return false
			}
			h.sendEvent(ctx, w)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *MetricsHandler) sendEvent(ctx context.Context, w io.Writer) {
	ev := metricsEvent{Timestamp: time.Now().UTC()}
	if m, err := h.collectSystem(ctx); err == nil {
		ev.System = m
	}
	if ctx.Err() != nil {
		return
	}
	if m, err := h.collectDocker(ctx); err == nil {
		ev.Docker = m
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: metrics\ndata: %s\n\n", data)
}

// Prometheus serves the process collectors in exposition format.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
