package database

import (
	"database/sql"
	"fmt"
)

type migration struct {
	name       string
	statements []string
}

var migrations = []migration{
	{"0001_auth", []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			email TEXT,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'operator',
			totp_secret TEXT,
			totp_enabled BOOLEAN DEFAULT FALSE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			ip_address TEXT,
			user_agent_hash TEXT,
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS login_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL,
			ip_address TEXT,
			success BOOLEAN NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			username TEXT,
			action TEXT NOT NULL,
			resource_type TEXT,
			resource_id TEXT,
			ip_address TEXT,
			user_agent TEXT,
			details TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_login_attempts_username ON login_attempts(username, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at ON audit_logs(created_at)`,
	}},
	{"0002_servers_projects", []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			hostname TEXT NOT NULL,
			ip_address TEXT,
			port INTEGER NOT NULL DEFAULT 22,
			username TEXT NOT NULL DEFAULT 'root',
			ssh_key TEXT,
			ssh_password TEXT,
			host_key TEXT,
			status TEXT NOT NULL DEFAULT 'unknown',
			docker_installed BOOLEAN DEFAULT FALSE,
			os_info TEXT,
			cpu_cores INTEGER DEFAULT 0,
			memory_mb INTEGER DEFAULT 0,
			disk_gb INTEGER DEFAULT 0,
			last_ping_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			slug TEXT UNIQUE NOT NULL,
			server_id INTEGER,
			repository_url TEXT,
			branch TEXT NOT NULL DEFAULT 'main',
			deploy_command TEXT,
			working_dir TEXT NOT NULL,
			domain TEXT,
			health_check_url TEXT,
			webhook_secret TEXT UNIQUE NOT NULL,
			webhook_enabled BOOLEAN DEFAULT FALSE,
			webhook_provider TEXT,
			webhook_id TEXT,
			auto_deploy BOOLEAN DEFAULT FALSE,
			env_variables TEXT,
			exclude_patterns TEXT,
			tenant_init_command TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE SET NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deployments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			trigger_type TEXT NOT NULL DEFAULT 'manual',
			commit_hash TEXT,
			commit_message TEXT,
			branch TEXT,
			triggered_by TEXT,
			output TEXT,
			exit_code INTEGER,
			started_at DATETIME,
			finished_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER,
			provider TEXT NOT NULL,
			event_type TEXT,
			delivery_id TEXT,
			status TEXT NOT NULL,
			response_message TEXT,
			payload TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_project_id ON deployments(project_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_project_id ON webhook_deliveries(project_id)`,
	}},
	{"0003_pipelines", []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT 'custom',
			trigger_events TEXT,
			branch_filters TEXT,
			configuration TEXT,
			enabled BOOLEAN DEFAULT TRUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			trigger_type TEXT NOT NULL DEFAULT 'manual',
			commit_hash TEXT,
			branch TEXT,
			error_message TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (pipeline_id) REFERENCES pipelines(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			stage TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (run_id) REFERENCES pipeline_runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_pipeline_id ON pipeline_runs(pipeline_id)`,
	}},
	{"0004_backups", []string{
		`CREATE TABLE IF NOT EXISTS backups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER,
			project_id INTEGER,
			schedule_id INTEGER,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'full',
			status TEXT NOT NULL DEFAULT 'pending',
			storage_driver TEXT NOT NULL DEFAULT 'local',
			storage_path TEXT,
			size_bytes INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			checksum TEXT,
			manifest TEXT,
			parent_backup_id INTEGER,
			source_path TEXT NOT NULL,
			error_message TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE SET NULL,
			FOREIGN KEY (parent_backup_id) REFERENCES backups(id)
		)`,
		`CREATE TABLE IF NOT EXISTS backup_schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER,
			project_id INTEGER,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'full',
			frequency TEXT NOT NULL DEFAULT 'daily',
			run_time TEXT NOT NULL DEFAULT '02:00',
			source_path TEXT NOT NULL,
			retention_days INTEGER DEFAULT 30,
			retention_daily INTEGER DEFAULT 7,
			retention_weekly INTEGER DEFAULT 4,
			retention_monthly INTEGER DEFAULT 3,
			storage_driver TEXT NOT NULL DEFAULT 'local',
			next_run DATETIME,
			last_run DATETIME,
			is_active BOOLEAN DEFAULT TRUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_source ON backups(source_path, status)`,
		`CREATE INDEX IF NOT EXISTS idx_backup_schedules_next_run ON backup_schedules(is_active, next_run)`,
	}},
	{"0005_health", []string{
		`CREATE TABLE IF NOT EXISTS health_checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER,
			server_id INTEGER,
			name TEXT NOT NULL,
			check_type TEXT NOT NULL,
			target_url TEXT NOT NULL,
			expected_status INTEGER DEFAULT 200,
			timeout_seconds INTEGER DEFAULT 30,
			interval_minutes INTEGER DEFAULT 5,
			is_active BOOLEAN DEFAULT TRUE,
			status TEXT NOT NULL DEFAULT 'unknown',
			consecutive_failures INTEGER DEFAULT 0,
			last_check_at DATETIME,
			last_success_at DATETIME,
			last_failure_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS health_check_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			health_check_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			response_time_ms INTEGER,
			status_code INTEGER,
			error_message TEXT,
			checked_at DATETIME NOT NULL,
			FOREIGN KEY (health_check_id) REFERENCES health_checks(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS notification_channels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			webhook_url TEXT NOT NULL,
			enabled BOOLEAN DEFAULT TRUE,
			notify_on_failure BOOLEAN DEFAULT TRUE,
			notify_on_recovery BOOLEAN DEFAULT TRUE,
			events TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS health_check_channels (
			health_check_id INTEGER NOT NULL,
			channel_id INTEGER NOT NULL,
			PRIMARY KEY (health_check_id, channel_id),
			FOREIGN KEY (health_check_id) REFERENCES health_checks(id) ON DELETE CASCADE,
			FOREIGN KEY (channel_id) REFERENCES notification_channels(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_check_results_check ON health_check_results(health_check_id, checked_at)`,
	}},
	{"0006_queue", []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL DEFAULT 'default',
			job_class TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			reserved_at DATETIME,
			available_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS failed_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT UNIQUE NOT NULL,
			queue TEXT NOT NULL,
			job_class TEXT NOT NULL,
			payload TEXT NOT NULL,
			exception TEXT,
			failed_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS completed_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			job_class TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			completed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(queue, reserved_at, available_at)`,
		`CREATE INDEX IF NOT EXISTS idx_failed_jobs_failed_at ON failed_jobs(failed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_completed_jobs_completed_at ON completed_jobs(completed_at)`,
	}},
	{"0007_clusters_tenants", []string{
		`CREATE TABLE IF NOT EXISTS kubernetes_clusters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			namespace TEXT NOT NULL DEFAULT 'default',
			kubeconfig TEXT,
			is_default BOOLEAN DEFAULT FALSE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tenants (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			subdomain TEXT NOT NULL,
			plan TEXT NOT NULL DEFAULT 'free',
			status TEXT NOT NULL DEFAULT 'active',
			storage_usage INTEGER DEFAULT 0,
			user_count INTEGER DEFAULT 0,
			database_name TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (project_id, subdomain),
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		)`,
	}},
	{"0008_teams", []string{
		`CREATE TABLE IF NOT EXISTS teams (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			owner_id INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (owner_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			team_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (team_id, user_id),
			FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS team_invitations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			team_id INTEGER NOT NULL,
			email TEXT NOT NULL,
			role TEXT NOT NULL,
			token TEXT UNIQUE NOT NULL,
			invited_by INTEGER NOT NULL,
			expires_at DATETIME NOT NULL,
			accepted_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE
		)`,
	}},
	{"0009_scripts_logs", []string{
		`CREATE TABLE IF NOT EXISTS scripts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT,
			type TEXT NOT NULL DEFAULT 'custom',
			language TEXT NOT NULL DEFAULT 'bash',
			content TEXT NOT NULL,
			variables TEXT,
			hooks TEXT,
			timeout INTEGER DEFAULT 600,
			retry_on_failure BOOLEAN DEFAULT FALSE,
			max_retries INTEGER DEFAULT 3,
			enabled BOOLEAN DEFAULT TRUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS script_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			script_id INTEGER NOT NULL,
			project_id INTEGER,
			status TEXT NOT NULL,
			output TEXT,
			exit_code INTEGER,
			retries INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (script_id) REFERENCES scripts(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS log_sources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER,
			server_id INTEGER,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'file',
			path TEXT NOT NULL,
			enabled BOOLEAN DEFAULT TRUE,
			read_offset INTEGER DEFAULT 0,
			last_synced_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS log_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			logged_at DATETIME NOT NULL,
			FOREIGN KEY (source_id) REFERENCES log_sources(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_entries_source ON log_entries(source_id, logged_at)`,
	}},
	{"0010_ssh_security", []string{
		`CREATE TABLE IF NOT EXISTS ssh_configurations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER UNIQUE NOT NULL,
			port INTEGER NOT NULL DEFAULT 22,
			root_login_enabled BOOLEAN DEFAULT TRUE,
			password_auth_enabled BOOLEAN DEFAULT TRUE,
			pubkey_auth_enabled BOOLEAN DEFAULT TRUE,
			max_auth_tries INTEGER DEFAULT 6,
			x11_forwarding BOOLEAN DEFAULT FALSE,
			login_grace_time INTEGER DEFAULT 120,
			last_synced_at DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER,
			event_type TEXT NOT NULL,
			details TEXT,
			user_id INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}},
	{"0011_metrics", []string{
		`CREATE TABLE IF NOT EXISTS system_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			cpu_percent REAL,
			memory_percent REAL,
			memory_used INTEGER,
			memory_total INTEGER,
			disk_percent REAL,
			load_avg TEXT,
			uptime INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS docker_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			container_id TEXT NOT NULL,
			container_name TEXT,
			image TEXT,
			state TEXT,
			cpu_percent REAL,
			memory_percent REAL,
			memory_used INTEGER,
			memory_limit INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_metrics_timestamp ON system_metrics(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_docker_metrics_timestamp ON docker_metrics(timestamp, container_id)`,
	}},
	{"0012_database_backups", []string{
		`CREATE TABLE IF NOT EXISTS database_backups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER,
			project_id INTEGER,
			database_type TEXT NOT NULL,
			database_name TEXT NOT NULL,
			file_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			storage_driver TEXT NOT NULL DEFAULT 'local',
			storage_path TEXT,
			size_bytes INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			checksum TEXT,
			metadata TEXT,
			error_message TEXT,
			started_at DATETIME,
			completed_at DATETIME,
			verified_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE SET NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_database_backups_name ON database_backups(database_name, status)`,
	}},
	{"0013_server_security", []string{
		`CREATE TABLE IF NOT EXISTS firewall_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER NOT NULL,
			user_id INTEGER,
			action TEXT NOT NULL,
			protocol TEXT NOT NULL,
			port TEXT NOT NULL,
			from_ip TEXT,
			description TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS security_scans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id INTEGER NOT NULL,
			user_id INTEGER,
			status TEXT NOT NULL,
			score INTEGER DEFAULT 0,
			risk_level TEXT,
			findings TEXT,
			breakdown TEXT,
			recommendations TEXT,
			error_message TEXT,
			completed_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_scans_server ON security_scans(server_id, created_at)`,
	}},
}

func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		migration TEXT UNIQUE NOT NULL,
		batch INTEGER NOT NULL,
		ran_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

func hasMigrationRun(db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM migrations WHERE migration = ?", name).Scan(&count)
	return count > 0, err
}

func recordMigration(db *sql.DB, name string, batch int) error {
	_, err := db.Exec("INSERT INTO migrations (migration, batch) VALUES (?, ?)", name, batch)
	return err
}

func nextBatch(db *sql.DB) (int, error) {
	var batch sql.NullInt64
	if err := db.QueryRow("SELECT MAX(batch) FROM migrations").Scan(&batch); err != nil {
		return 0, err
	}
	return int(batch.Int64) + 1, nil
}

func runMigrations(db *sql.DB) error {
	if err := createMigrationsTable(db); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	batch, err := nextBatch(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		done, err := hasMigrationRun(db, m.name)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
		}
		if _, err := tx.Exec("INSERT INTO migrations (migration, batch) VALUES (?, ?)", m.name, batch); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// PendingMigrations lists migrations that have not been applied yet.
func (db *DB) PendingMigrations() ([]string, error) {
	if err := createMigrationsTable(db.DB); err != nil {
		return nil, err
	}
	var pending []string
	for _, m := range migrations {
		done, err := hasMigrationRun(db.DB, m.name)
		if err != nil {
			return nil, err
		}
		if !done {
			pending = append(pending, m.name)
		}
	}
	return pending, nil
}
