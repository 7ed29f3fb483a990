package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/services"
)

// AuditHandler serves the audit trail to admins.
type AuditHandler struct {
	handlerBase
}

func NewAuditHandler(audit *services.AuditService, logger zerolog.Logger) *AuditHandler {
	return &AuditHandler{handlerBase: handlerBase{audit: audit, logger: logger}}
}

// List filters by ?action, resource_type, resource_id, username and since (RFC3339).
func (h *AuditHandler) List(c *gin.Context) {
	f := services.AuditFilter{
		Action:       c.Query("action"),
		ResourceType: c.Query("resource_type"),
		ResourceID:   c.Query("resource_id"),
		Username:     c.Query("username"),
		Limit:        queryInt(c, "limit", 50),
		Offset:       queryInt(c, "offset", 0),
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		f.Since = &since
	}

	logs, err := h.audit.GetLogs(f)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "limit": f.Limit, "offset": f.Offset})
}
