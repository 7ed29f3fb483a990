package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/kube"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/services"
)

// ClusterHandler manages Kubernetes clusters and project deploys onto them.
type ClusterHandler struct {
	handlerBase
	clusters *services.ClusterService
	projects *services.ProjectService
}

func NewClusterHandler(clusters *services.ClusterService, projects *services.ProjectService, audit *services.AuditService, logger zerolog.Logger) *ClusterHandler {
	return &ClusterHandler{
		handlerBase: handlerBase{audit: audit, logger: logger},
		clusters:    clusters,
		projects:    projects,
	}
}

func (h *ClusterHandler) List(c *gin.Context) {
	list, err := h.clusters.List()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *ClusterHandler) Get(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	cl, err := h.clusters.Get(id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cl)
}

func (h *ClusterHandler) Create(c *gin.Context) {
	var req models.CreateClusterRequest
	if !bindJSON(c, &req) {
		return
	}
	cl, err := h.clusters.Create(req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "cluster_create", "cluster", cl.ID, map[string]interface{}{"name": cl.Name, "endpoint": cl.Endpoint})
	c.JSON(http.StatusCreated, cl)
}

func (h *ClusterHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.UpdateClusterRequest
	if !bindJSON(c, &req) {
		return
	}
	cl, err := h.clusters.Update(id, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "cluster_update", "cluster", id, nil)
	c.JSON(http.StatusOK, cl)
}

func (h *ClusterHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.clusters.Delete(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "cluster_delete", "cluster", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "cluster deleted"})
}

func (h *ClusterHandler) SetDefault(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.clusters.SetDefault(id); err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "cluster_set_default", "cluster", id, nil)
	c.JSON(http.StatusOK, gin.H{"message": "default cluster updated"})
}

func (h *ClusterHandler) TestConnection(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	res, err := h.clusters.TestConnection(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type clusterDeployRequest struct {
	ClusterID *int64 `json:"cluster_id"`
	kube.Options
}

func (h *ClusterHandler) bindDeploy(c *gin.Context) (*models.Project, *clusterDeployRequest, bool) {
	id, ok := paramID(c, "id")
	if !ok {
		return nil, nil, false
	}
	project, err := h.projects.Get(id)
	if err != nil {
		h.respondError(c, err)
		return nil, nil, false
	}
	var req clusterDeployRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return nil, nil, false
	}
	return project, &req, true
}

// Manifests renders the bundle for a project without applying it.
func (h *ClusterHandler) Manifests(c *gin.Context) {
	project, req, ok := h.bindDeploy(c)
	if !ok {
		return
	}
	var (
		cl  *models.KubernetesCluster
		err error
	)
	if req.ClusterID != nil {
		cl, err = h.clusters.Get(*req.ClusterID)
	} else {
		cl, err = h.clusters.Default()
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	bundle, err := h.clusters.GenerateManifests(project, cl, req.Options)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if c.Query("download") == "1" {
		c.Header("Content-Disposition", `attachment; filename="`+project.Slug+`-k8s.yaml"`)
	}
	c.Data(http.StatusOK, "application/yaml", []byte(bundle))
}

func (h *ClusterHandler) Deploy(c *gin.Context) {
	project, req, ok := h.bindDeploy(c)
	if !ok {
		return
	}
	res, err := h.clusters.DeployToCluster(c.Request.Context(), project, req.ClusterID, req.Options)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.record(c, "cluster_deploy", "project", project.ID, map[string]interface{}{"success": res.Success, "exit_code": res.ExitCode})
	c.JSON(http.StatusOK, res)
}
