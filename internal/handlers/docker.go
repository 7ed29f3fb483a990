package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/docker/errdefs"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/services"
)

// DockerHandler manages the local Docker engine.
type DockerHandler struct {
	handlerBase
	docker *services.DockerService
}

func NewDockerHandler(docker *services.DockerService, audit *services.AuditService, logger zerolog.Logger) *DockerHandler {
	return &DockerHandler{handlerBase: handlerBase{audit: audit, logger: logger}, docker: docker}
}

// respondDocker maps engine errors before falling back to respondError.
func (h *DockerHandler) respondDocker(c *gin.Context, err error) {
	switch {
	case errdefs.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errdefs.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errdefs.IsNotModified(err):
		c.JSON(http.StatusConflict, gin.H{"error": "no change: " + err.Error()})
	case errdefs.IsInvalidParameter(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.respondError(c, err)
	}
}

func containerID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "container ID required"})
		return "", false
	}
	return id, true
}

func queryTimeout(c *gin.Context) *int {
	t, err := strconv.Atoi(c.Query("timeout"))
	if err != nil {
		return nil
	}
	return &t
}

// Status reports whether the engine answers a ping within two seconds.
func (h *DockerHandler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{"available": h.docker.IsDockerAvailable(ctx)})
}

func (h *DockerHandler) Info(c *gin.Context) {
	info, err := h.docker.Info(c.Request.Context())
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// List returns containers; ?all=true includes stopped ones.
func (h *DockerHandler) List(c *gin.Context) {
	list, err := h.docker.List(c.Request.Context(), c.Query("all") == "true")
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *DockerHandler) Get(c *gin.Context) {
	id, ok := containerID(c)
	if !ok {
		return
	}
	detail, err := h.docker.Get(c.Request.Context(), id)
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *DockerHandler) Start(c *gin.Context) {
	id, ok := containerID(c)
	if !ok {
		return
	}
	if err := h.docker.Start(c.Request.Context(), id); err != nil {
		h.respondDocker(c, err)
		return
	}
	h.record(c, "container_start", "container", 0, map[string]interface{}{"container": id})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "container started"})
}

func (h *DockerHandler) Stop(c *gin.Context) {
	id, ok := containerID(c)
	if !ok {
		return
	}
	if err := h.docker.Stop(c.Request.Context(), id, queryTimeout(c)); err != nil {
		h.respondDocker(c, err)
		return
	}
	h.record(c, "container_stop", "container", 0, map[string]interface{}{"container": id})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "container stopped"})
}

func (h *DockerHandler) Restart(c *gin.Context) {
	id, ok := containerID(c)
	if !ok {
		return
	}
	if err := h.docker.Restart(c.Request.Context(), id, queryTimeout(c)); err != nil {
		h.respondDocker(c, err)
		return
	}
	h.record(c, "container_restart", "container", 0, map[string]interface{}{"container": id})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "container restarted"})
}

func (h *DockerHandler) Remove(c *gin.Context) {
	id, ok := containerID(c)
	if !ok {
		return
	}
	force := c.Query("force") == "true"
	if err := h.docker.Remove(c.Request.Context(), id, force); err != nil {
		h.respondDocker(c, err)
		return
	}
	h.record(c, "container_remove", "container", 0, map[string]interface{}{"container": id, "force": force})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "container removed"})
}

// Logs returns the last ?tail= lines of a container.
func (h *DockerHandler) Logs(c *gin.Context) {
	id, ok := containerID(c)
	if !ok {
		return
	}
	lines, err := h.docker.Logs(c.Request.Context(), id, services.LogOptions{
		Tail:       c.DefaultQuery("tail", "100"),
		Timestamps: c.Query("timestamps") == "true",
		Since:      c.Query("since"),
		Until:      c.Query("until"),
	})
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

func (h *DockerHandler) Images(c *gin.Context) {
	list, err := h.docker.Images(c.Request.Context())
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *DockerHandler) RemoveImage(c *gin.Context) {
	id := c.Param("id")
	if err := h.docker.RemoveImage(c.Request.Context(), id, c.Query("force") == "true"); err != nil {
		h.respondDocker(c, err)
		return
	}
	h.record(c, "image_remove", "image", 0, map[string]interface{}{"image": id})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "image removed"})
}

// PruneImages removes dangling images, or every unused one with ?all=true.
func (h *DockerHandler) PruneImages(c *gin.Context) {
	rep, err := h.docker.PruneImages(c.Request.Context(), c.Query("all") == "true")
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	h.record(c, "image_prune", "image", 0, map[string]interface{}{"deleted": rep.Images, "reclaimed": rep.SpaceReclaimed})
	c.JSON(http.StatusOK, rep)
}

func (h *DockerHandler) Volumes(c *gin.Context) {
	list, err := h.docker.Volumes(c.Request.Context())
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *DockerHandler) RemoveVolume(c *gin.Context) {
	name := c.Param("name")
	if err := h.docker.RemoveVolume(c.Request.Context(), name, c.Query("force") == "true"); err != nil {
		h.respondDocker(c, err)
		return
	}
	h.record(c, "volume_remove", "volume", 0, map[string]interface{}{"volume": name})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "volume removed"})
}

func (h *DockerHandler) Networks(c *gin.Context) {
	list, err := h.docker.Networks(c.Request.Context())
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *DockerHandler) RemoveNetwork(c *gin.Context) {
	id := c.Param("id")
	if err := h.docker.RemoveNetwork(c.Request.Context(), id); err != nil {
		h.respondDocker(c, err)
		return
	}
	h.record(c, "network_remove", "network", 0, map[string]interface{}{"network": id})
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "network removed"})
}

func (h *DockerHandler) SystemPrune(c *gin.Context) {
	volumes := c.Query("volumes") == "true"
	rep, err := h.docker.SystemPrune(c.Request.Context(), volumes)
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	h.record(c, "docker_system_prune", "docker", 0, map[string]interface{}{"volumes": volumes, "reclaimed": rep.SpaceReclaimed})
	c.JSON(http.StatusOK, rep)
}

func (h *DockerHandler) DiskUsage(c *gin.Context) {
	du, err := h.docker.DiskUsage(c.Request.Context())
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	c.JSON(http.StatusOK, du)
}

func (h *DockerHandler) Stats(c *gin.Context) {
	st, err := h.docker.Stats(c.Request.Context())
	if err != nil {
		h.respondDocker(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
