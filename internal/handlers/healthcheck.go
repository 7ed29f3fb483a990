package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// HealthCheckHandler manages uptime checks and notification channels.
type HealthCheckHandler struct {
	handlerBase
	checks   *services.HealthCheckService
	channels *services.NotificationService
}

func NewHealthCheckHandler(checks *services.HealthCheckService, channels *services.NotificationService, audit *services.AuditService, logger zerolog.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		handlerBase: handlerBase{audit: audit, logger: logger},
		checks:      checks,
		channels:    channels,
	}
}

func (h *HealthCheckHandler) List(c *gin.Context) {
	list, err := h.checks.List(int64(queryInt(c, "project_id", 0)))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *HealthCheckHandler) Summary(c *gin.Context) {
	sum, err := h.checks.Summary()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *HealthCheckHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	hc, err := h.checks.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, hc)
}

func (h *HealthCheckHandler) Create(c *gin.Context) {
	var req models.CreateHealthCheckRequest
	if !bindJSON(c, &req) {
		return
	}
	hc, err := h.checks.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "health_check_create", "health_check", hc.ID, map[string]interface{}{"name": hc.Name, "type": hc.CheckType})
	c.JSON(http.StatusCreated, hc)
}

func (h *HealthCheckHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.UpdateHealthCheckRequest
	if !bindJSON(c, &req) {
		return
	}
	hc, err := h.checks.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "health_check_update", "health_check", id, nil)
	c.JSON(http.StatusOK, hc)
}

func (h *HealthCheckHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.checks.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "health_check_delete", "health_check", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "health check deleted"})
}

// Run checks the target now and records the result.
func (h *HealthCheckHandler) Run(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.checks.RunCheck(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *HealthCheckHandler) Results(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	results, err := h.checks.Results(id, queryInt(c, "limit", 50))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (h *HealthCheckHandler) ListChannels(c *gin.Context) {
	list, err := h.channels.List()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *HealthCheckHandler) CreateChannel(c *gin.Context) {
	var req models.CreateChannelRequest
	if !bindJSON(c, &req) {
		return
	}
	ch, err := h.channels.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "notification_channel_create", "notification_channel", ch.ID, map[string]interface{}{"type": ch.Type})
	c.JSON(http.StatusCreated, ch)
}

func (h *HealthCheckHandler) UpdateChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.UpdateChannelRequest
	if !bindJSON(c, &req) {
		return
	}
	ch, err := h.channels.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "notification_channel_update", "notification_channel", id, nil)
	c.JSON(http.StatusOK, ch)
}

func (h *HealthCheckHandler) DeleteChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.channels.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "notification_channel_delete", "notification_channel", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "channel deleted"})
}

// TestChannel posts a test message. Provider failures come back as 502.
func (h *HealthCheckHandler) TestChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.channels.Test(c.Request.Context(), id); err != nil {
		if statusFor(err) != http.StatusInternalServerError {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "success": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "test notification sent", "success": true})
}
