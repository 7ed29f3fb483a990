package database

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	return db
}

func TestCreateMigrationsTable(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	if err := createMigrationsTable(db); err != nil {
		t.Fatalf("failed to create migrations table: %v", err)
	}

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='migrations'`).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query migrations table: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migrations table, got %d", count)
	}
}

func TestRecordMigration(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	if err := createMigrationsTable(db); err != nil {
		t.Fatalf("failed to create migrations table: %v", err)
	}
	if err := recordMigration(db, "test_migration", 1); err != nil {
		t.Fatalf("failed to record migration: %v", err)
	}

	hasRun, err := hasMigrationRun(db, "test_migration")
	if err != nil {
		t.Fatalf("failed to check migration: %v", err)
	}
	if !hasRun {
		t.Error("expected hasRun to be true for recorded migration")
	}

	hasRun, err = hasMigrationRun(db, "nonexistent")
	if err != nil {
		t.Fatalf("failed to check migration: %v", err)
	}
	if hasRun {
		t.Error("expected hasRun to be false for nonexistent migration")
	}
}

func TestRunMigrations(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	if err := runMigrations(db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	tables := []string{
		"users", "sessions", "audit_logs", "servers", "projects", "deployments",
		"webhook_deliveries", "pipelines", "pipeline_runs", "pipeline_run_logs",
		"backups", "backup_schedules", "health_checks", "health_check_results",
		"notification_channels", "jobs", "failed_jobs", "completed_jobs",
		"kubernetes_clusters", "tenants", "teams", "team_members", "team_invitations",
		"scripts", "script_executions", "log_sources", "log_entries",
		"ssh_configurations", "security_events", "system_metrics", "docker_metrics",
		"database_backups", "firewall_rules", "security_scans",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	if err := runMigrations(db); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := runMigrations(db); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM migrations").Scan(&count); err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d recorded migrations, got %d", len(migrations), count)
	}

	var batches int
	if err := db.QueryRow("SELECT COUNT(DISTINCT batch) FROM migrations").Scan(&batches); err != nil {
		t.Fatalf("failed to count batches: %v", err)
	}
	if batches != 1 {
		t.Errorf("expected a single batch, got %d", batches)
	}
}

func TestPendingMigrations(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	pending, err := db.PendingMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != len(migrations) {
		t.Errorf("expected %d pending, got %d", len(migrations), len(pending))
	}

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	pending, err = db.PendingMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending migrations, got %v", pending)
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	_, err = db.Exec("INSERT INTO deployments (project_id, status) VALUES (999, 'pending')")
	if err == nil {
		t.Error("expected foreign key violation for unknown project")
	}
}
