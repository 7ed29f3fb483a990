// Package router wires handlers and middleware into the gin engine.
package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/handlers"
	"github.com/pandeptwidyaop/devflow/internal/middleware"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/upgrade"
	"github.com/pandeptwidyaop/devflow/internal/webhook"
)

// Services is everything the HTTP layer talks to.
type Services struct {
	Auth          *services.AuthService
	Audit         *services.AuditService
	Servers       *services.ServerService
	SSH           *services.SSHSecurityService
	Firewall      *services.FirewallService
	Fail2ban      *services.Fail2banService
	SecurityScore *services.SecurityScoreService
	Projects      *services.ProjectService
	Deployments   *services.DeploymentService
	ProjectHealth *services.ProjectHealthService
	Intake        *services.WebhookIntakeService
	Pipelines     *services.PipelineService
	Backups       *services.BackupService
	DBBackups     *services.DatabaseBackupService
	Schedules     *services.BackupScheduleService
	HealthChecks  *services.HealthCheckService
	Notifications *services.NotificationService
	Clusters      *services.ClusterService
	Tenants       *services.TenantService
	Teams         *services.TeamService
	Logs          *services.LogSourceService
	Scripts       *services.ScriptService
	Docker        *services.DockerService
	Metrics       *services.MetricsCollector
	Queue         *queue.Queue
	Monitor       *queue.Monitor
	Hooks         *webhook.Client
	Releases      *upgrade.Checker
}

func New(cfg *config.Config, svc *Services, logger zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Error().Err(err).Strs("trusted_proxies", cfg.Server.TrustedProxies).Msg("invalid trusted proxies, trusting none")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders(cfg.Server.PathPrefix))
	r.Use(middleware.PathPrefix(cfg.Server.PathPrefix))
	if cfg.Server.SecureCookie {
		r.Use(middleware.StrictTransportSecurity(31536000))
	}

	secure := cfg.Server.SecureCookie
	versionHandler := handlers.NewVersionHandler(svc.Releases)
	authHandler := handlers.NewAuthHandler(svc.Auth, svc.Audit, secure, logger)
	twoFAHandler := handlers.NewTwoFAHandler(svc.Auth, svc.Audit, logger)
	userHandler := handlers.NewUserHandler(svc.Auth, svc.Audit, cfg.Admin.Username, logger)
	auditHandler := handlers.NewAuditHandler(svc.Audit, logger)
	serverHandler := handlers.NewServerHandler(svc.Servers, svc.ProjectHealth, svc.SSH, svc.Audit, logger)
	projectHandler := handlers.NewProjectHandler(svc.Projects, svc.Deployments, svc.ProjectHealth, svc.Hooks, cfg.Server.PublicURL, svc.Audit, logger)
	streamHandler := handlers.NewStreamHandler(svc.Deployments, svc.Pipelines, logger)
	webhookHandler := handlers.NewWebhookHandler(svc.Intake, logger)
	pipelineHandler := handlers.NewPipelineHandler(svc.Pipelines, svc.Audit, logger)
	backupHandler := handlers.NewBackupHandler(svc.Backups, svc.Schedules, svc.Audit, logger)
	dbBackupHandler := handlers.NewDatabaseBackupHandler(svc.DBBackups, svc.Audit, logger)
	securityHandler := handlers.NewSecurityHandler(svc.Firewall, svc.Fail2ban, svc.SecurityScore, svc.Audit, logger)
	healthHandler := handlers.NewHealthCheckHandler(svc.HealthChecks, svc.Notifications, svc.Audit, logger)
	queueHandler := handlers.NewQueueHandler(svc.Queue, svc.Monitor, cfg.Queue.GetStuckThreshold(), svc.Audit, logger)
	clusterHandler := handlers.NewClusterHandler(svc.Clusters, svc.Projects, svc.Audit, logger)
	tenantHandler := handlers.NewTenantHandler(svc.Tenants, svc.Audit, logger)
	teamHandler := handlers.NewTeamHandler(svc.Teams, svc.Audit, logger)
	logHandler := handlers.NewLogHandler(svc.Logs, svc.Audit, logger)
	scriptHandler := handlers.NewScriptHandler(svc.Scripts, svc.Audit, logger)
	dockerHandler := handlers.NewDockerHandler(svc.Docker, svc.Audit, logger)
	metricsHandler := handlers.NewMetricsHandler(svc.Metrics, svc.Audit, logger)

	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	webhookLimiter := middleware.NewRateLimiter(60, time.Minute).KeyedBy(middleware.ClientRoute)
	csrfStore := middleware.NewCSRFStore()

	prefix := r.Group(cfg.Server.PathPrefix)

	// Repository providers authenticate with the per-project secret in the path.
	hooks := prefix.Group("/webhooks", middleware.WebhookBodyLimit(), webhookLimiter.Middleware())
	{
		hooks.POST("/github/:secret", webhookHandler.GitHub)
		hooks.POST("/gitlab/:secret", webhookHandler.GitLab)
		hooks.POST("/bitbucket/:secret", webhookHandler.Bitbucket)
	}

	if cfg.Metrics.ListenAddr == "" {
		prefix.GET("/metrics", metricsHandler.Prometheus)
	}
	prefix.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := prefix.Group("/api")
	{
		api.GET("/version", versionHandler.Get)
		api.GET("/version/check", versionHandler.CheckUpdate)

		api.POST("/auth/login", loginLimiter.Middleware(), middleware.SmallBodyLimit(), authHandler.Login)
		api.POST("/webhooks/deploy/:token", middleware.WebhookBodyLimit(), webhookLimiter.Middleware(), webhookHandler.Deploy)

		protected := api.Group("")
		protected.Use(middleware.DefaultBodyLimit())
		protected.Use(middleware.AuthRequired(svc.Auth, secure))
		protected.Use(middleware.CSRFProtection(csrfStore, secure))

		// Every signed-in user.
		{
			protected.POST("/auth/logout", authHandler.Logout)
			protected.GET("/auth/me", authHandler.Me)
			protected.POST("/auth/change-password", authHandler.ChangePassword)

			protected.GET("/auth/2fa/status", twoFAHandler.GetStatus)
			protected.POST("/auth/2fa/generate", twoFAHandler.GenerateSecret)
			protected.POST("/auth/2fa/enable", twoFAHandler.EnableTOTP)
			protected.POST("/auth/2fa/disable", twoFAHandler.DisableTOTP)

			// Team access is decided by team membership.
			protected.GET("/teams", teamHandler.List)
			protected.POST("/teams", teamHandler.Create)
			protected.GET("/teams/:id", teamHandler.Get)
			protected.DELETE("/teams/:id", teamHandler.Delete)
			protected.GET("/teams/:id/invitations", teamHandler.Invitations)
			protected.POST("/teams/:id/invitations", teamHandler.Invite)
			protected.POST("/teams/:id/invitations/:invitation/resend", teamHandler.ResendInvitation)
			protected.DELETE("/teams/:id/invitations/:invitation", teamHandler.CancelInvitation)
			protected.PUT("/teams/:id/members/:user", teamHandler.UpdateMemberRole)
			protected.DELETE("/teams/:id/members/:user", teamHandler.RemoveMember)
			protected.POST("/teams/:id/transfer", teamHandler.TransferOwnership)
			protected.POST("/invitations/:token/accept", teamHandler.AcceptInvitation)
		}

		viewer := protected.Group("", middleware.RequireRole(models.RoleViewer))
		{
			viewer.GET("/servers", serverHandler.List)
			viewer.GET("/servers/:id", serverHandler.Get)
			viewer.GET("/servers/:id/health", serverHandler.Health)
			viewer.GET("/servers/:id/ssh", serverHandler.SSHStatus)
			viewer.GET("/servers/:id/ssh/events", serverHandler.SSHEvents)
			viewer.GET("/servers/:id/security", securityHandler.Overview)
			viewer.GET("/servers/:id/security/scans", securityHandler.Scans)
			viewer.GET("/servers/:id/security/scans/latest", securityHandler.LatestScan)
			viewer.GET("/servers/:id/firewall", securityHandler.FirewallStatus)
			viewer.GET("/servers/:id/firewall/rules", securityHandler.FirewallRules)
			viewer.GET("/servers/:id/firewall/history", securityHandler.FirewallHistory)
			viewer.GET("/servers/:id/fail2ban", securityHandler.Fail2banStatus)
			viewer.GET("/servers/:id/fail2ban/banned", securityHandler.BannedIPs)

			viewer.GET("/projects", projectHandler.List)
			viewer.GET("/projects/health", projectHandler.HealthAll)
			viewer.GET("/projects/:id", projectHandler.Get)
			viewer.GET("/projects/:id/health", projectHandler.Health)
			viewer.GET("/projects/:id/deliveries", projectHandler.Deliveries)
			viewer.GET("/projects/:id/deployments", projectHandler.ListDeployments)
			viewer.GET("/projects/:id/tenants", tenantHandler.List)
			viewer.GET("/projects/:id/tenants/stats", tenantHandler.Stats)
			viewer.GET("/projects/:id/tenants/:tenant", tenantHandler.Get)

			viewer.GET("/deployments/:id", projectHandler.GetDeployment)
			viewer.GET("/deployments/:id/stream", streamHandler.Deployment)
			viewer.GET("/deployments/:id/ws", streamHandler.DeploymentWS)

			viewer.GET("/pipelines", pipelineHandler.List)
			viewer.GET("/pipelines/:id", pipelineHandler.Get)
			viewer.GET("/pipelines/:id/config", pipelineHandler.Config)
			viewer.GET("/pipelines/:id/runs", pipelineHandler.Runs)
			viewer.GET("/pipeline-runs/:id", pipelineHandler.GetRun)
			viewer.GET("/pipeline-runs/:id/stream", streamHandler.PipelineRun)

			viewer.GET("/backups", backupHandler.List)
			viewer.GET("/backups/stats", backupHandler.Stats)
			viewer.GET("/backups/:id", backupHandler.Get)
			viewer.GET("/backups/:id/manifest", backupHandler.Manifest)
			viewer.GET("/backups/:id/chain", backupHandler.Chain)
			viewer.GET("/backup-schedules", backupHandler.ListSchedules)
			viewer.GET("/backup-schedules/:id", backupHandler.GetSchedule)
			viewer.GET("/database-backups", dbBackupHandler.List)
			viewer.GET("/database-backups/:id", dbBackupHandler.Get)

			viewer.GET("/health-checks", healthHandler.List)
			viewer.GET("/health-checks/summary", healthHandler.Summary)
			viewer.GET("/health-checks/:id", healthHandler.Get)
			viewer.GET("/health-checks/:id/results", healthHandler.Results)
			viewer.GET("/notification-channels", healthHandler.ListChannels)

			viewer.GET("/queue/stats", queueHandler.Stats)
			viewer.GET("/queue/ws", queueHandler.StatsWS)
			viewer.GET("/queue/jobs", queueHandler.Recent)
			viewer.GET("/queue/jobs/stuck", queueHandler.Stuck)
			viewer.GET("/queue/jobs/:id", queueHandler.Job)
			viewer.GET("/queue/failed", queueHandler.Failed)
			viewer.GET("/queue/failed/:id", queueHandler.FailedJob)
			viewer.GET("/queue/queues/:name/size", queueHandler.Size)

			viewer.GET("/clusters", clusterHandler.List)
			viewer.GET("/clusters/:id", clusterHandler.Get)

			viewer.GET("/logs/templates", logHandler.Templates)
			viewer.GET("/logs/sources", logHandler.List)
			viewer.GET("/logs/sources/:id", logHandler.Get)
			viewer.GET("/logs/sources/:id/tail", logHandler.Tail)
			viewer.GET("/logs/search", logHandler.Search)
			viewer.GET("/logs/export", logHandler.Export)

			viewer.GET("/scripts", scriptHandler.List)
			viewer.GET("/scripts/templates", scriptHandler.Templates)
			viewer.GET("/scripts/:id", scriptHandler.Get)
			viewer.GET("/scripts/:id/download", scriptHandler.Download)

			viewer.GET("/docker/status", dockerHandler.Status)
			viewer.GET("/docker/info", dockerHandler.Info)
			viewer.GET("/docker/containers", dockerHandler.List)
			viewer.GET("/docker/containers/:id", dockerHandler.Get)
			viewer.GET("/docker/containers/:id/logs", dockerHandler.Logs)
			viewer.GET("/docker/images", dockerHandler.Images)
			viewer.GET("/docker/volumes", dockerHandler.Volumes)
			viewer.GET("/docker/networks", dockerHandler.Networks)
			viewer.GET("/docker/disk-usage", dockerHandler.DiskUsage)
			viewer.GET("/docker/stats", dockerHandler.Stats)

			viewer.GET("/metrics/system", metricsHandler.System)
			viewer.GET("/metrics/docker", metricsHandler.Docker)
			viewer.GET("/metrics/summary", metricsHandler.Summary)
			viewer.GET("/metrics/history", metricsHandler.History)
			viewer.GET("/metrics/containers/:id/history", metricsHandler.ContainerHistory)
			viewer.GET("/metrics/stream", metricsHandler.Stream)
		}

		operator := protected.Group("", middleware.RequireRole(models.RoleOperator))
		{
			operator.POST("/servers", serverHandler.Create)
			operator.PUT("/servers/:id", serverHandler.Update)
			operator.DELETE("/servers/:id", serverHandler.Delete)
			operator.POST("/servers/:id/test", serverHandler.TestConnection)
			operator.POST("/servers/:id/refresh", serverHandler.RefreshStatus)
			operator.POST("/servers/:id/ssh/sync", serverHandler.SSHSync)
			operator.PUT("/servers/:id/ssh", serverHandler.SSHUpdate)
			operator.POST("/servers/:id/ssh/port", serverHandler.SSHChangePort)
			operator.POST("/servers/:id/ssh/root-login", serverHandler.SSHToggleRootLogin)
			operator.POST("/servers/:id/ssh/password-auth", serverHandler.SSHTogglePasswordAuth)
			operator.POST("/servers/:id/ssh/harden", serverHandler.SSHHarden)
			operator.POST("/servers/:id/ssh/restart", serverHandler.SSHRestart)
			operator.POST("/servers/:id/ssh/validate", serverHandler.SSHValidate)
			operator.POST("/servers/:id/security/scan", securityHandler.Scan)
			operator.POST("/servers/:id/firewall/enable", securityHandler.EnableFirewall)
			operator.POST("/servers/:id/firewall/disable", securityHandler.DisableFirewall)
			operator.POST("/servers/:id/firewall/rules", securityHandler.AddFirewallRule)
			operator.DELETE("/servers/:id/firewall/rules/:number", securityHandler.DeleteFirewallRule)
			operator.POST("/servers/:id/fail2ban/start", securityHandler.StartFail2ban)
			operator.POST("/servers/:id/fail2ban/stop", securityHandler.StopFail2ban)
			operator.POST("/servers/:id/fail2ban/ban", securityHandler.BanIP)
			operator.POST("/servers/:id/fail2ban/unban", securityHandler.UnbanIP)

			operator.POST("/projects", projectHandler.Create)
			operator.PUT("/projects/:id", projectHandler.Update)
			operator.DELETE("/projects/:id", projectHandler.Delete)
			operator.POST("/projects/:id/regenerate-secret", projectHandler.RegenerateSecret)
			operator.POST("/projects/:id/deploy", projectHandler.Deploy)
			operator.POST("/projects/:id/webhook", projectHandler.SetupWebhook)
			operator.DELETE("/projects/:id/webhook", projectHandler.DeleteWebhook)
			operator.POST("/projects/:id/webhook/test", projectHandler.TestWebhook)
			operator.POST("/projects/:id/k8s/manifests", clusterHandler.Manifests)
			operator.POST("/projects/:id/k8s/deploy", clusterHandler.Deploy)
			operator.POST("/projects/:id/tenants", tenantHandler.Create)
			operator.POST("/projects/:id/tenants/deploy", tenantHandler.Deploy)
			operator.PUT("/projects/:id/tenants/:tenant", tenantHandler.Update)
			operator.DELETE("/projects/:id/tenants/:tenant", tenantHandler.Delete)
			operator.POST("/projects/:id/tenants/:tenant/toggle", tenantHandler.Toggle)
			operator.POST("/projects/:id/tenants/:tenant/reset", tenantHandler.Reset)
			operator.POST("/projects/:id/tenants/:tenant/backup", tenantHandler.Backup)
			operator.POST("/deployments/:id/cancel", projectHandler.CancelDeployment)

			operator.POST("/pipelines", pipelineHandler.Create)
			operator.PUT("/pipelines/:id", pipelineHandler.Update)
			operator.DELETE("/pipelines/:id", pipelineHandler.Delete)
			operator.POST("/pipelines/:id/toggle", pipelineHandler.Toggle)
			operator.POST("/pipelines/:id/run", pipelineHandler.Run)
			operator.POST("/pipeline-runs/:id/cancel", pipelineHandler.CancelRun)
			operator.POST("/pipeline-runs/:id/retry", pipelineHandler.RetryRun)
			operator.POST("/pipeline-runs/:id/status", pipelineHandler.ReportStatus)

			operator.POST("/backups", backupHandler.Create)
			operator.POST("/backups/:id/restore", backupHandler.Restore)
			operator.DELETE("/backups/:id", backupHandler.Delete)
			operator.POST("/backups/:id/upload", backupHandler.UploadToS3)
			operator.GET("/backups/:id/download", backupHandler.Download)
			operator.POST("/backup-schedules", backupHandler.CreateSchedule)
			operator.PUT("/backup-schedules/:id", backupHandler.UpdateSchedule)
			operator.DELETE("/backup-schedules/:id", backupHandler.DeleteSchedule)
			operator.POST("/backup-schedules/:id/toggle", backupHandler.ToggleSchedule)
			operator.POST("/backup-schedules/:id/run", backupHandler.RunSchedule)
			operator.POST("/database-backups", dbBackupHandler.Create)
			operator.POST("/database-backups/retention", dbBackupHandler.ApplyRetention)
			operator.POST("/database-backups/:id/verify", dbBackupHandler.Verify)
			operator.POST("/database-backups/:id/restore", dbBackupHandler.Restore)
			operator.DELETE("/database-backups/:id", dbBackupHandler.Delete)

			operator.POST("/health-checks", healthHandler.Create)
			operator.PUT("/health-checks/:id", healthHandler.Update)
			operator.DELETE("/health-checks/:id", healthHandler.Delete)
			operator.POST("/health-checks/:id/run", healthHandler.Run)
			operator.POST("/notification-channels", healthHandler.CreateChannel)
			operator.PUT("/notification-channels/:id", healthHandler.UpdateChannel)
			operator.DELETE("/notification-channels/:id", healthHandler.DeleteChannel)
			operator.POST("/notification-channels/:id/test", healthHandler.TestChannel)

			operator.POST("/queue/failed/retry", queueHandler.RetryAll)
			operator.POST("/queue/failed/:id/retry", queueHandler.Retry)
			operator.DELETE("/queue/failed/:id", queueHandler.DeleteFailed)
			operator.DELETE("/queue/failed", queueHandler.ClearFailed)
			operator.DELETE("/queue/queues/:name", queueHandler.Purge)

			operator.POST("/clusters", clusterHandler.Create)
			operator.PUT("/clusters/:id", clusterHandler.Update)
			operator.DELETE("/clusters/:id", clusterHandler.Delete)
			operator.POST("/clusters/:id/default", clusterHandler.SetDefault)
			operator.POST("/clusters/:id/test", clusterHandler.TestConnection)

			operator.POST("/logs/sources", logHandler.Create)
			operator.PUT("/logs/sources/:id", logHandler.Update)
			operator.DELETE("/logs/sources/:id", logHandler.Delete)
			operator.POST("/logs/sources/:id/toggle", logHandler.Toggle)
			operator.POST("/logs/sources/:id/test", logHandler.Test)
			operator.POST("/logs/sources/:id/sync", logHandler.Sync)
			operator.DELETE("/logs/sources/:id/entries", logHandler.Clear)

			operator.POST("/scripts", scriptHandler.Create)
			operator.POST("/scripts/validate", scriptHandler.Validate)
			operator.POST("/scripts/templates/:key", scriptHandler.UseTemplate)
			operator.PUT("/scripts/:id", scriptHandler.Update)
			operator.DELETE("/scripts/:id", scriptHandler.Delete)
			operator.POST("/scripts/:id/toggle", scriptHandler.Toggle)
			operator.POST("/scripts/:id/execute", scriptHandler.Execute)
			operator.POST("/scripts/:id/test", scriptHandler.Test)

			operator.POST("/docker/containers/:id/start", dockerHandler.Start)
			operator.POST("/docker/containers/:id/stop", dockerHandler.Stop)
			operator.POST("/docker/containers/:id/restart", dockerHandler.Restart)
			operator.DELETE("/docker/containers/:id", dockerHandler.Remove)
			operator.DELETE("/docker/images/:id", dockerHandler.RemoveImage)
			operator.POST("/docker/images/prune", dockerHandler.PruneImages)
			operator.DELETE("/docker/volumes/:name", dockerHandler.RemoveVolume)
			operator.DELETE("/docker/networks/:id", dockerHandler.RemoveNetwork)
			operator.POST("/docker/system/prune", dockerHandler.SystemPrune)

			operator.POST("/metrics/prune", metricsHandler.Prune)
		}

		admin := protected.Group("", middleware.RequireRole(models.RoleAdmin))
		{
			admin.GET("/users", userHandler.List)
			admin.POST("/users", userHandler.Create)
			admin.GET("/users/:id", userHandler.Get)
			admin.PUT("/users/:id", userHandler.Update)
			admin.PUT("/users/:id/password", userHandler.UpdatePassword)
			admin.DELETE("/users/:id", userHandler.Delete)

			admin.GET("/audit-logs", auditHandler.List)
		}
	}

	if cfg.Server.PathPrefix != "" && cfg.Server.PathPrefix != "/" {
		r.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusFound, cfg.Server.PathPrefix+"/api/version")
		})
	}

	return r
}
