package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pandeptwidyaop/devflow/internal/checker"
	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
)

// Resource thresholds in percent.
const (
	warnThreshold     = 75.0
	criticalThreshold = 90.0
)

// ComponentHealth is the outcome of one aspect of a project or server check.
type ComponentHealth struct {
	Details map[string]any `json:"details,omitempty"`
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
}

// HealthReport is the combined health of a project or server.
type HealthReport struct {
	CheckedAt   time.Time                  `json:"last_checked"`
	Checks      map[string]ComponentHealth `json:"checks"`
	Name        string                     `json:"name"`
	Status      string                     `json:"status"`
	Issues      []string                   `json:"issues"`
	ID          int64                      `json:"id"`
	HealthScore int                        `json:"health_score"`
}

// ContainerStater looks up a container state by name.
type ContainerStater interface {
	ContainerState(ctx context.Context, match string) (string, error)
}

// ProjectHealthService combines HTTP, container, disk and deployment state
// into a 0-100 score.
type ProjectHealthService struct {
	projects    *ProjectService
	servers     *ServerService
	deployments *DeploymentService
	docker      ContainerStater
	runner      *checker.Checker
	now         func() time.Time
}

func NewProjectHealthService(projects *ProjectService, servers *ServerService, deployments *DeploymentService,
	docker ContainerStater, runner *checker.Checker) *ProjectHealthService {
	if runner == nil {
		runner = &checker.Checker{}
	}
	return &ProjectHealthService{
		projects:    projects,
		servers:     servers,
		deployments: deployments,
		docker:      docker,
		runner:      runner,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CheckAll reports on every project concurrently.
func (s *ProjectHealthService) CheckAll(ctx context.Context) ([]*HealthReport, error) {
	projects, err := s.projects.List()
	if err != nil {
		return nil, err
	}
	reports := make([]*HealthReport, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range projects {
		g.Go(func() error {
			reports[i] = s.check(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return reports, nil
}

func (s *ProjectHealthService) CheckProject(ctx context.Context, id int64) (*HealthReport, error) {
	p, err := s.projects.Get(id)
	if err != nil {
		return nil, err
	}
	return s.check(ctx, p), nil
}

func (s *ProjectHealthService) check(ctx context.Context, p *models.Project) *HealthReport {
	srv, srvErr := s.servers.Lookup(p.ServerID)
	checks := map[string]ComponentHealth{
		"http":       s.httpHealth(ctx, p),
		"docker":     s.dockerHealth(ctx, p, srv),
		"deployment": s.deploymentHealth(p),
	}
	if srvErr != nil {
		checks["disk"] = ComponentHealth{Status: "error", Error: srvErr.Error()}
	} else {
		checks["disk"] = s.diskHealth(ctx, p, srv)
	}

	issues := projectIssues(checks)
	score := projectScore(checks)
	return &HealthReport{
		ID:          p.ID,
		Name:        p.Name,
		Status:      overallStatus(score),
		HealthScore: score,
		Checks:      checks,
		Issues:      issues,
		CheckedAt:   s.now(),
	}
}

func (s *ProjectHealthService) httpHealth(ctx context.Context, p *models.Project) ComponentHealth {
	url := p.HealthCheckURL
	if url == "" && p.Domain != "" {
		url = "https://" + p.Domain
	}
	if url == "" {
		return ComponentHealth{Status: "unknown", Error: "No health check URL configured"}
	}
	res := s.runner.HTTP(ctx, url, 0, 10*time.Second)
	details := map[string]any{"url": url, "response_time_ms": res.ResponseTime, "http_code": res.StatusCode}
	switch {
	case res.Status == models.ResultSuccess:
		return ComponentHealth{Status: "healthy", Details: details}
	case res.StatusCode > 0:
		return ComponentHealth{Status: "unhealthy", Details: details, Error: fmt.Sprintf("HTTP %d", res.StatusCode)}
	}
	return ComponentHealth{Status: "unreachable", Details: details, Error: res.Error}
}

func (s *ProjectHealthService) dockerHealth(ctx context.Context, p *models.Project, srv *models.Server) ComponentHealth {
	if srv != nil && !remote.IsLocal(srv.Address()) {
		res, err := s.servers.Run(ctx, srv, remote.Command{
			Script:  fmt.Sprintf("docker ps -a --filter name=%s --format '{{.State}}' | head -n 1", remote.Quote(p.Slug)),
			Timeout: 15 * time.Second,
		})
		if err != nil {
			return ComponentHealth{Status: "error", Error: err.Error()}
		}
		return containerStatus(strings.TrimSpace(res.Stdout))
	}
	if s.docker == nil {
		return ComponentHealth{Status: "unknown", Error: "Docker is not available"}
	}
	state, err := s.docker.ContainerState(ctx, p.Slug)
	if err != nil {
		return ComponentHealth{Status: "error", Error: err.Error()}
	}
	return containerStatus(state)
}

func containerStatus(state string) ComponentHealth {
	switch state {
	case "":
		return ComponentHealth{Status: "not_found", Error: "No container found for project"}
	case "running":
		return ComponentHealth{Status: "running", Details: map[string]any{"state": state}}
	case "exited", "dead", "created":
		return ComponentHealth{Status: "stopped", Details: map[string]any{"state": state}}
	}
	return ComponentHealth{Status: "error", Details: map[string]any{"state": state}, Error: "Container is " + state}
}

func (s *ProjectHealthService) diskHealth(ctx context.Context, p *models.Project, srv *models.Server) ComponentHealth {
	var used float64
	if srv == nil || remote.IsLocal(srv.Address()) {
		d, err := metrics.DiskUsage(ctx, p.WorkingDir)
		if err != nil {
			return ComponentHealth{Status: "unknown", Error: err.Error()}
		}
		used = d.UsedPercent
	} else {
		res, err := s.servers.Run(ctx, srv, remote.Command{
			Script:  "df -P " + remote.Quote(p.WorkingDir) + " | awk 'NR==2 {print $5}'",
			Timeout: 15 * time.Second,
		})
		if err != nil {
			return ComponentHealth{Status: "unknown", Error: err.Error()}
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(res.Stdout), "%"), 64)
		if err != nil {
			return ComponentHealth{Status: "unknown", Error: "No metrics available"}
		}
		used = v
	}
	return ComponentHealth{Status: levelFor(used), Details: map[string]any{"usage_percent": int(used)}}
}

func levelFor(percent float64) string {
	switch {
	case percent > criticalThreshold:
		return "critical"
	case percent > warnThreshold:
		return "warning"
	}
	return "healthy"
}

func (s *ProjectHealthService) deploymentHealth(p *models.Project) ComponentHealth {
	d, err := s.deployments.Latest(p.ID)
	if err != nil || d == nil {
		return ComponentHealth{Status: "none", Error: "No deployments yet"}
	}
	details := map[string]any{"deployment_id": d.ID, "last_status": d.Status, "created_at": d.CreatedAt}
	switch d.Status {
	case models.DeploymentSuccess:
		return ComponentHealth{Status: "healthy", Details: details}
	case models.DeploymentFailed:
		return ComponentHealth{Status: "failed", Details: details, Error: "Last deployment failed"}
	case models.DeploymentRunning, models.DeploymentPending:
		return ComponentHealth{Status: "in_progress", Details: details}
	}
	return ComponentHealth{Status: "unknown", Details: details}
}

func projectIssues(checks map[string]ComponentHealth) []string {
	issues := []string{}
	switch checks["http"].Status {
	case "unreachable":
		issues = append(issues, "Health check endpoint not responding")
	case "unhealthy":
		issues = append(issues, "HTTP health check failed")
	}
	switch checks["docker"].Status {
	case "stopped":
		issues = append(issues, "Docker container is stopped")
	case "error":
		issues = append(issues, "Docker container error")
	}
	switch checks["disk"].Status {
	case "critical":
		issues = append(issues, "Critical disk usage")
	case "warning":
		issues = append(issues, "High disk usage")
	}
	switch checks["deployment"].Status {
	case "failed":
		issues = append(issues, "Last deployment failed")
	case "none":
		issues = append(issues, "No deployments yet")
	}
	return issues
}

// projectScore starts at 100 and deducts per unhealthy component.
func projectScore(checks map[string]ComponentHealth) int {
	penalties := map[string]map[string]int{
		"http":       {"unhealthy": 30, "unreachable": 40},
		"docker":     {"stopped": 25, "error": 15},
		"disk":       {"critical": 20, "warning": 10},
		"deployment": {"failed": 20, "none": 5},
	}
	score := 100
	for name, c := range checks {
		score -= penalties[name][c.Status]
	}
	return max(score, 0)
}

func overallStatus(score int) string {
	switch {
	case score >= 80:
		return "healthy"
	case score >= 50:
		return "warning"
	}
	return "critical"
}

// CheckServer reports connectivity and resource usage of a server.
func (s *ProjectHealthService) CheckServer(ctx context.Context, id int64) (*HealthReport, error) {
	srv, snap, err := s.servers.RefreshStatus(ctx, id)
	checks := map[string]ComponentHealth{}
	if err != nil {
		current, getErr := s.servers.Get(id)
		if getErr != nil {
			return nil, getErr
		}
		srv = current
		checks["connectivity"] = ComponentHealth{Status: "offline", Error: "Server is offline"}
		checks["resources"] = ComponentHealth{Status: "unknown", Error: "No metrics available"}
	} else {
		checks["connectivity"] = ComponentHealth{Status: "online"}
		checks["resources"] = resourceHealth(snap)
	}
	if srv.DockerInstalled {
		checks["docker"] = ComponentHealth{Status: "installed"}
	} else {
		checks["docker"] = ComponentHealth{Status: "not_installed"}
	}

	issues := []string{}
	score := 100
	if checks["connectivity"].Status == "offline" {
		issues = append(issues, "Server is offline")
		score -= 50
	}
	res := checks["resources"]
	switch res.Status {
	case "critical":
		for _, k := range []string{"cpu", "memory", "disk"} {
			if v, _ := res.Details[k+"_usage"].(float64); v > criticalThreshold {
				issues = append(issues, "Critical "+k+" usage")
			}
		}
		score -= 30
	case "warning":
		issues = append(issues, "High resource usage")
		score -= 15
	}
	if checks["docker"].Status == "not_installed" {
		issues = append(issues, "Docker is not installed")
		score -= 5
	}
	score = max(score, 0)

	return &HealthReport{
		ID:          srv.ID,
		Name:        srv.Name,
		Status:      overallStatus(score),
		HealthScore: score,
		Checks:      checks,
		Issues:      issues,
		CheckedAt:   s.now(),
	}, nil
}

func resourceHealth(m *metrics.SystemMetrics) ComponentHealth {
	var diskUsed float64
	if d, ok := m.RootDisk(); ok {
		diskUsed = d.UsedPercent
	}
	cpu, mem := m.CPU.UsagePercent, m.Memory.UsedPercent
	status := "healthy"
	switch {
	case cpu > criticalThreshold || mem > criticalThreshold || diskUsed > criticalThreshold:
		status = "critical"
	case cpu > warnThreshold || mem > warnThreshold || diskUsed > warnThreshold:
		status = "warning"
	}
	return ComponentHealth{
		Status:  status,
		Details: map[string]any{"cpu_usage": cpu, "memory_usage": mem, "disk_usage": diskUsed},
	}
}
