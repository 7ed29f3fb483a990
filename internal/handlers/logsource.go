package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// LogHandler manages log sources and queries their collected entries.
type LogHandler struct {
	handlerBase
	logs *services.LogSourceService
}

func NewLogHandler(logs *services.LogSourceService, audit *services.AuditService, logger zerolog.Logger) *LogHandler {
	return &LogHandler{handlerBase: handlerBase{audit: audit, logger: logger}, logs: logs}
}

// logFilter reads source_id, level, q, since, until, limit and offset.
// Times are RFC 3339; unparsable values are ignored.
func logFilter(c *gin.Context) services.LogFilter {
	f := services.LogFilter{
		SourceID: int64(queryInt(c, "source_id", 0)),
		Level:    c.Query("level"),
		Pattern:  c.Query("q"),
		Limit:    queryInt(c, "limit", 100),
		Offset:   queryInt(c, "offset", 0),
	}
	if t, err := time.Parse(time.RFC3339, c.Query("since")); err == nil {
		f.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, c.Query("until")); err == nil {
		f.Until = &t
	}
	return f
}

func (h *LogHandler) Templates(c *gin.Context) {
	c.JSON(http.StatusOK, services.LogTemplates)
}

func (h *LogHandler) List(c *gin.Context) {
	list, err := h.logs.List()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *LogHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ls, err := h.logs.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	stats, err := h.logs.Stats(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": ls, "stats": stats})
}

func (h *LogHandler) Create(c *gin.Context) {
	var req models.CreateLogSourceRequest
	if !bindJSON(c, &req) {
		return
	}
	ls, err := h.logs.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "log_source_create", "log_source", ls.ID, map[string]interface{}{"type": ls.Type, "path": ls.Path})
	c.JSON(http.StatusCreated, ls)
}

func (h *LogHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.CreateLogSourceRequest
	if !bindJSON(c, &req) {
		return
	}
	ls, err := h.logs.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "log_source_update", "log_source", id, nil)
	c.JSON(http.StatusOK, ls)
}

func (h *LogHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.logs.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "log_source_delete", "log_source", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "log source deleted"})
}

func (h *LogHandler) Toggle(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ls, err := h.logs.Toggle(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "log_source_toggle", "log_source", id, map[string]interface{}{"enabled": ls.Enabled})
	c.JSON(http.StatusOK, ls)
}

func (h *LogHandler) Test(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	readable, msg, err := h.logs.Test(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": readable, "message": msg})
}

func (h *LogHandler) Sync(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.logs.Sync(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *LogHandler) Tail(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	entries, err := h.logs.Tail(id, queryInt(c, "lines", 100))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *LogHandler) Clear(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	n, err := h.logs.Clear(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "log_source_clear", "log_source", id, map[string]interface{}{"deleted": n})
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *LogHandler) Search(c *gin.Context) {
	entries, err := h.logs.Search(logFilter(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// Export streams the matching entries as a CSV attachment.
func (h *LogHandler) Export(c *gin.Context) {
	f := logFilter(c)
	c.Header("Content-Disposition", `attachment; filename="logs-`+time.Now().UTC().Format("20060102-150405")+`.csv"`)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	n, err := h.logs.Export(c.Writer, f)
	if err != nil {
		h.logger.Error().Err(err).Msg("log export failed")
		return
	}
	h.logger.Debug().Int("entries", n).Msg("log export written")
}
