package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/notify"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/router"
	"github.com/pandeptwidyaop/devflow/internal/services"
	"github.com/pandeptwidyaop/devflow/internal/storage"
	"github.com/pandeptwidyaop/devflow/internal/upgrade"
	"github.com/pandeptwidyaop/devflow/internal/validation"
	"github.com/pandeptwidyaop/devflow/internal/webhook"
)

var errNoEncryptionKey = errors.New("security.encryption_key is required; generate one with: openssl rand -hex 32")

// app is the wired service graph shared by serve and the one-shot commands.
type app struct {
	cfg    *config.Config
	db     *database.DB
	logger zerolog.Logger
	svc    *router.Services
	pool   *queue.Pool
}

func newApp(cfg *config.Config, db *database.DB, log zerolog.Logger) (*app, error) {
	if cfg.Security.EncryptionKey == "" {
		return nil, errNoEncryptionKey
	}
	key, err := cfg.Security.Key()
	if err != nil {
		return nil, err
	}
	crypto, err := services.NewCryptoService(key)
	if err != nil {
		return nil, fmt.Errorf("init crypto: %w", err)
	}
	validation.RegisterBindings()

	store, err := storage.NewManager(cfg.Backup, log)
	if err != nil {
		return nil, err
	}

	q := queue.New(db)
	pool := queue.NewPool(q, cfg.Queue, log)
	timeout := cfg.Notifications.GetTimeout()

	notifications := services.NewNotificationService(db, crypto, notify.New(timeout), timeout, log)
	servers := services.NewServerService(db, crypto, remote.NewRunner(), log)
	projects := services.NewProjectService(db)
	deployments := services.NewDeploymentService(db, cfg, projects, servers, q, notifications, log)
	docker := services.NewDockerService(log)
	pipelines := services.NewPipelineService(db, cfg, projects, servers, q, log)
	backups := services.NewBackupService(db, store, servers, projects, q, notifications, log)
	dbBackups := services.NewDatabaseBackupService(db, store, servers, q, log)
	ssh := services.NewSSHSecurityService(db, servers, log)
	firewall := services.NewFirewallService(db, servers, log)
	fail2ban := services.NewFail2banService(db, servers, log)

	svc := &router.Services{
		Auth:          services.NewAuthService(db, cfg, crypto, log),
		Audit:         services.NewAuditService(db, log),
		Servers:       servers,
		SSH:           ssh,
		Firewall:      firewall,
		Fail2ban:      fail2ban,
		SecurityScore: services.NewSecurityScoreService(db, servers, firewall, fail2ban, ssh, log),
		Projects:      projects,
		Deployments:   deployments,
		ProjectHealth: services.NewProjectHealthService(projects, servers, deployments, docker, nil),
		Intake:        services.NewWebhookIntakeService(projects, deployments, pipelines, log),
		Pipelines:     pipelines,
		Backups:       backups,
		DBBackups:     dbBackups,
		Schedules:     services.NewBackupScheduleService(db, backups, cfg.Backup.LockPath, log),
		HealthChecks:  services.NewHealthCheckService(db, cfg.Health, nil, notifications, log),
		Notifications: notifications,
		Clusters:      services.NewClusterService(db, crypto, servers, log),
		Tenants:       services.NewTenantService(db, projects, servers, backups, q, log),
		Teams:         services.NewTeamService(db, log),
		Logs:          services.NewLogSourceService(db, servers, projects, log),
		Scripts:       services.NewScriptService(db, projects, servers, q, log),
		Docker:        docker,
		Metrics:       services.NewMetricsCollector(db, &cfg.Metrics, log),
		Queue:         q,
		Monitor:       queue.NewMonitor(q, pool),
		Hooks:         webhook.NewClient(cfg.Webhooks),
		Releases:      upgrade.NewChecker(),
	}

	pool.Handle(queue.ClassDeploy, svc.Deployments.HandleJob)
	pool.Handle(queue.ClassPipeline, svc.Pipelines.HandleJob)
	pool.Handle(queue.ClassBackup, svc.Backups.HandleJob)
	pool.Handle(queue.ClassDBBackup, svc.DBBackups.HandleJob)
	pool.Handle(queue.ClassHealthCheck, svc.HealthChecks.HandleJob)
	pool.Handle(queue.ClassScript, svc.Scripts.HandleJob)
	pool.Handle(queue.ClassTenantDeploy, svc.Tenants.HandleJob)

	svc.Monitor.OnRetry(queue.ClassDeploy, deployments.ResetForRetry)
	svc.Monitor.OnRetry(queue.ClassPipeline, pipelines.ResetForRetry)
	svc.Monitor.OnRetry(queue.ClassBackup, backups.ResetForRetry)
	svc.Monitor.OnRetry(queue.ClassDBBackup, dbBackups.ResetForRetry)

	return &app{cfg: cfg, db: db, logger: log, svc: svc, pool: pool}, nil
}
