package services

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
	"github.com/pandeptwidyaop/devflow/internal/validation"
)

//go:embed script_templates/*
var scriptTemplateFiles embed.FS

var (
	ErrScriptNotFound   = errors.New("script not found")
	ErrScriptDisabled   = errors.New("script is disabled")
	ErrTemplateNotFound = errors.New("script template not found")
)

const (
	defaultScriptTimeout = 600
	defaultMaxRetries    = 3
	maxRetryBackoff      = 30 * time.Second
)

type scriptLanguage struct {
	shebang     string
	ext         string
	interpreter string
	// check validates a file; empty means no checker.
	check string
}

var scriptLanguages = map[string]scriptLanguage{
	"bash":   {"#!/bin/bash", "sh", "bash -s", "bash -n"},
	"sh":     {"#!/bin/sh", "sh", "sh -s", "sh -n"},
	"python": {"#!/usr/bin/env python3", "py", "python3 -", "python3 -m py_compile"},
	"php":    {"#!/usr/bin/env php", "php", "php", "php -l"},
	"node":   {"#!/usr/bin/env node", "js", "node -", "node --check"},
	"ruby":   {"#!/usr/bin/env ruby", "rb", "ruby -", ""},
}

func languageOf(name string) scriptLanguage {
	if l, ok := scriptLanguages[name]; ok {
		return l
	}
	return scriptLanguages["bash"]
}

// ScriptTemplate is a built-in starting point for a script.
type ScriptTemplate struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Language    string `json:"language"`
	Content     string `json:"content"`
	Timeout     int    `json:"timeout"`
}

var scriptTemplates = []ScriptTemplate{
	{Key: "laravel-deployment", Name: "Laravel Deployment", Description: "Pull, install, migrate and rebuild caches", Type: "deployment", Language: "bash", Timeout: 600},
	{Key: "node-deployment", Name: "Node.js Deployment", Description: "Build and restart with PM2", Type: "deployment", Language: "bash", Timeout: 600},
	{Key: "database-backup", Name: "Database Backup", Description: "Compressed mysqldump keeping the last 30 dumps", Type: "backup", Language: "bash", Timeout: 1800},
	{Key: "rollback", Name: "Emergency Rollback", Description: "Reset to the previous commit and verify health", Type: "rollback", Language: "bash", Timeout: 300},
	{Key: "health-check", Name: "Health Check", Description: "HTTP, disk and memory checks", Type: "custom", Language: "bash", Timeout: 60},
	{Key: "cache-warmer", Name: "Cache Warmer", Description: "Request common pages to warm caches", Type: "custom", Language: "python", Timeout: 300},
}

// ScriptRun carries the runtime context substituted into a script.
type ScriptRun struct {
	Variables    map[string]string `json:"variables"`
	Branch       string            `json:"branch"`
	CommitHash   string            `json:"commit_hash"`
	ProjectID    int64             `json:"project_id" binding:"required"`
	DeploymentID int64             `json:"deployment_id"`
}

// ScriptJob is the queue payload of an asynchronous script run.
type ScriptJob struct {
	Run      ScriptRun `json:"run"`
	ScriptID int64     `json:"script_id"`
}

// SyntaxResult is the outcome of a syntax check.
type SyntaxResult struct {
	Output  string `json:"output,omitempty"`
	Valid   bool   `json:"valid"`
	Skipped bool   `json:"skipped,omitempty"`
}

// ScriptService stores custom scripts and runs them against projects.
type ScriptService struct {
	db       *database.DB
	projects *ProjectService
	servers  *ServerService
	queue    *queue.Queue
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewScriptService(db *database.DB, projects *ProjectService, servers *ServerService, q *queue.Queue, logger zerolog.Logger) *ScriptService {
	return &ScriptService{
		db:       db,
		projects: projects,
		servers:  servers,
		queue:    q,
		logger:   logger.With().Str("component", "scripts").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const scriptColumns = `id, name, COALESCE(description, ''), type, language, content, variables, hooks, timeout,
	retry_on_failure, max_retries, enabled, created_at, updated_at`

func scanScript(row scanner) (*models.Script, error) {
	var sc models.Script
	var vars, hooks sql.NullString
	err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.Type, &sc.Language, &sc.Content, &vars, &hooks,
		&sc.Timeout, &sc.RetryOnFailure, &sc.MaxRetries, &sc.Enabled, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(vars, &sc.Variables); err != nil {
		return nil, fmt.Errorf("decode variables of script %d: %w", sc.ID, err)
	}
	if err := fromJSON(hooks, &sc.Hooks); err != nil {
		return nil, fmt.Errorf("decode hooks of script %d: %w", sc.ID, err)
	}
	return &sc, nil
}

func normalizeScript(req *models.ScriptRequest) {
	if req.Timeout == 0 {
		req.Timeout = defaultScriptTimeout
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = defaultMaxRetries
	}
	if req.Type == "" {
		req.Type = "custom"
	}
	if req.Language == "" {
		req.Language = "bash"
	}
}

func (s *ScriptService) Create(req models.ScriptRequest) (*models.Script, error) {
	normalizeScript(&req)
	vars, err := toJSON(req.Variables)
	if err != nil {
		return nil, err
	}
	hooks, err := toJSON(req.Hooks)
	if err != nil {
		return nil, err
	}
	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO scripts (name, description, type, language, content, variables, hooks, timeout,
			retry_on_failure, max_retries, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Name, nullString(req.Description), req.Type, req.Language, req.Content, vars, hooks, req.Timeout,
		req.RetryOnFailure, req.MaxRetries, boolOr(req.Enabled, true), now, now,
	)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.Get(id)
}

func (s *ScriptService) Get(id int64) (*models.Script, error) {
	sc, err := scanScript(s.db.QueryRow("SELECT "+scriptColumns+" FROM scripts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScriptNotFound
	}
	return sc, err
}

func (s *ScriptService) List() ([]*models.Script, error) {
	rows, err := s.db.Query("SELECT " + scriptColumns + " FROM scripts ORDER BY type, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scripts := make([]*models.Script, 0)
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sc)
	}
	return scripts, rows.Err()
}

// Update replaces every field of a script.
func (s *ScriptService) Update(id int64, req models.ScriptRequest) (*models.Script, error) {
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	normalizeScript(&req)
	vars, err := toJSON(req.Variables)
	if err != nil {
		return nil, err
	}
	hooks, err := toJSON(req.Hooks)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`
		UPDATE scripts SET name = ?, description = ?, type = ?, language = ?, content = ?, variables = ?, hooks = ?,
			timeout = ?, retry_on_failure = ?, max_retries = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		req.Name, nullString(req.Description), req.Type, req.Language, req.Content, vars, hooks, req.Timeout,
		req.RetryOnFailure, req.MaxRetries, boolOr(req.Enabled, current.Enabled), s.now(), id,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *ScriptService) Delete(id int64) error {
	res, err := s.db.Exec("DELETE FROM scripts WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScriptNotFound
	}
	return nil
}

func (s *ScriptService) Toggle(id int64) (*models.Script, error) {
	res, err := s.db.Exec("UPDATE scripts SET enabled = NOT enabled, updated_at = ? WHERE id = ?", s.now(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrScriptNotFound
	}
	return s.Get(id)
}

// Templates lists the built-in templates with their content.
func (s *ScriptService) Templates() ([]ScriptTemplate, error) {
	out := make([]ScriptTemplate, len(scriptTemplates))
	for i, t := range scriptTemplates {
		content, err := scriptTemplateFiles.ReadFile("script_templates/" + t.Key + "." + languageOf(t.Language).ext)
		if err != nil {
			return nil, err
		}
		t.Content = string(content)
		out[i] = t
	}
	return out, nil
}

// UseTemplate creates a script from a built-in template, named after the
// project when one is given.
func (s *ScriptService) UseTemplate(key string, projectID *int64) (*models.Script, error) {
	templates, err := s.Templates()
	if err != nil {
		return nil, err
	}
	for _, t := range templates {
		if t.Key != key {
			continue
		}
		name := t.Name
		if projectID != nil {
			p, err := s.projects.Get(*projectID)
			if err != nil {
				return nil, err
			}
			name = p.Name + " - " + t.Name
		}
		return s.Create(models.ScriptRequest{
			Name:        name,
			Description: t.Description,
			Type:        t.Type,
			Language:    t.Language,
			Content:     t.Content,
			Timeout:     t.Timeout,
		})
	}
	return nil, ErrTemplateNotFound
}

// Prepare substitutes the {{VAR}} placeholders of a script and prepends
// the shebang of its language. Custom variables override built-ins and may
// be given with or without braces.
func (s *ScriptService) Prepare(sc *models.Script, p *models.Project, run ScriptRun) string {
	branch := run.Branch
	if branch == "" {
		branch = p.Branch
	}
	domain := p.Domain
	if domain == "" {
		domain = "localhost"
	}
	vars := map[string]string{
		"PROJECT_NAME":  p.Name,
		"PROJECT_SLUG":  p.Slug,
		"PROJECT_PATH":  p.WorkingDir,
		"BRANCH":        branch,
		"COMMIT_HASH":   run.CommitHash,
		"DEPLOYMENT_ID": strconv.FormatInt(run.DeploymentID, 10),
		"TIMESTAMP":     s.now().Format("2006-01-02 15:04:05"),
		"DOMAIN":        domain,
	}
	for _, custom := range []map[string]string{sc.Variables, run.Variables} {
		for k, v := range custom {
			vars[strings.Trim(k, "{} ")] = v
		}
	}

	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	content := strings.NewReplacer(pairs...).Replace(sc.Content)

	shebang := languageOf(sc.Language).shebang
	if !strings.HasPrefix(content, "#!") {
		content = shebang + "\n" + content
	}
	return content
}

func scriptEnv(p *models.Project) map[string]string {
	env := map[string]string{
		"PROJECT_ID":   strconv.FormatInt(p.ID, 10),
		"PROJECT_SLUG": p.Slug,
	}
	for k, v := range p.EnvVariables {
		env[k] = v
	}
	return env
}

// Execute runs a script against a project: pre hooks, the script itself,
// then post hooks on success or error hooks on failure. With
// retry_on_failure the script is re-run up to max_retries times.
func (s *ScriptService) Execute(ctx context.Context, scriptID int64, run ScriptRun) (*models.ScriptResult, error) {
	sc, err := s.Get(scriptID)
	if err != nil {
		return nil, err
	}
	if !sc.Enabled {
		return nil, ErrScriptDisabled
	}
	p, err := s.projects.Get(run.ProjectID)
	if err != nil {
		return nil, err
	}
	srv, err := s.servers.Lookup(p.ServerID)
	if err != nil {
		return nil, err
	}

	start := s.now()
	content := s.Prepare(sc, p, run)
	env := scriptEnv(p)
	log := s.logger.With().Int64("script_id", sc.ID).Str("project", p.Slug).Logger()

	s.runHooks(ctx, srv, p, env, "pre", sc.Hooks.Pre)
	result := s.runOnce(ctx, srv, p, sc, content, env)
	if result.Success {
		s.runHooks(ctx, srv, p, env, "post", sc.Hooks.Post)
	} else {
		s.runHooks(ctx, srv, p, env, "error", sc.Hooks.Error)
		if sc.RetryOnFailure {
			for attempt := 1; attempt <= sc.MaxRetries && !result.Success; attempt++ {
				if err := s.sleep(ctx, min(time.Duration(attempt)*5*time.Second, maxRetryBackoff)); err != nil {
					break
				}
				log.Info().Int("attempt", attempt).Msg("retrying script")
				result = s.runOnce(ctx, srv, p, sc, content, env)
				result.Retries = attempt
			}
		}
	}
	result.ExecutionTime = s.now().Sub(start).Milliseconds()

	status := "success"
	if !result.Success {
		status = "failed"
	}
	_, err = s.db.Exec(`
		INSERT INTO script_executions (script_id, project_id, status, output, exit_code, retries, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, p.ID, status, truncate(result.Output, 64<<10), result.ExitCode, result.Retries, result.ExecutionTime, s.now(),
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to record script execution")
	}
	log.Info().Str("status", status).Int("exit_code", result.ExitCode).Int("retries", result.Retries).Msg("script finished")
	return result, nil
}

func (s *ScriptService) runOnce(ctx context.Context, srv *models.Server, p *models.Project, sc *models.Script,
	content string, env map[string]string) *models.ScriptResult {
	res, err := s.servers.Run(ctx, srv, remote.Command{
		Script:  languageOf(sc.Language).interpreter,
		Stdin:   strings.NewReader(content),
		Dir:     p.WorkingDir,
		Env:     env,
		Timeout: time.Duration(sc.Timeout) * time.Second,
	})
	if err != nil {
		return &models.ScriptResult{ExitCode: -1, Error: err.Error()}
	}
	return &models.ScriptResult{
		Success:  res.Success(),
		Output:   res.Stdout,
		Error:    res.Stderr,
		ExitCode: res.ExitCode,
	}
}

// runHooks runs each hook command in the project directory. Hook failures
// are logged and do not change the script outcome.
func (s *ScriptService) runHooks(ctx context.Context, srv *models.Server, p *models.Project, env map[string]string, kind string, hooks []string) {
	for _, hook := range hooks {
		if strings.TrimSpace(hook) == "" {
			continue
		}
		res, err := s.servers.Run(ctx, srv, remote.Command{Script: hook, Dir: p.WorkingDir, Env: env, Timeout: 5 * time.Minute})
		if err != nil || !res.Success() {
			ev := s.logger.Warn().Str("hook", kind).Str("command", truncate(hook, 200))
			if err != nil {
				ev = ev.Err(err)
			} else {
				ev = ev.Int("exit_code", res.ExitCode)
			}
			ev.Msg("script hook failed")
		}
	}
}

// ExecuteAsync queues a script run.
func (s *ScriptService) ExecuteAsync(scriptID int64, run ScriptRun) (int64, error) {
	if _, err := s.Get(scriptID); err != nil {
		return 0, err
	}
	return s.queue.Dispatch(queue.QueueDefault, queue.ClassScript, ScriptJob{ScriptID: scriptID, Run: run}, 0)
}

func (s *ScriptService) HandleJob(ctx context.Context, job *models.Job) error {
	var p ScriptJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode script job: %w", err)
	}
	res, err := s.Execute(ctx, p.ScriptID, p.Run)
	if errors.Is(err, ErrScriptNotFound) || errors.Is(err, ErrScriptDisabled) || errors.Is(err, ErrProjectNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("script exited with code %d", res.ExitCode)
	}
	return nil
}

// ValidateSyntax checks content with the language's own checker on this host.
// Languages without a checker are reported as skipped.
func (s *ScriptService) ValidateSyntax(ctx context.Context, language, content string) (*SyntaxResult, error) {
	lang := languageOf(language)
	if lang.check == "" {
		return &SyntaxResult{Valid: true, Skipped: true}, nil
	}
	f, err := os.CreateTemp("", "devflow-script-*."+lang.ext)
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	res, err := s.servers.Run(ctx, nil, remote.Command{
		Script:  lang.check + " " + remote.Quote(f.Name()),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &SyntaxResult{
		Valid:  res.Success(),
		Output: strings.TrimSpace(res.Stdout + "\n" + res.Stderr),
	}, nil
}

// Test prepares a script for projectID and checks its syntax.
func (s *ScriptService) Test(ctx context.Context, scriptID, projectID int64) (*SyntaxResult, error) {
	sc, err := s.Get(scriptID)
	if err != nil {
		return nil, err
	}
	p, err := s.projects.Get(projectID)
	if err != nil {
		return nil, err
	}
	return s.ValidateSyntax(ctx, sc.Language, s.Prepare(sc, p, ScriptRun{ProjectID: projectID}))
}

// Download returns the prepared script and a file name with the extension
// of its language.
func (s *ScriptService) Download(scriptID, projectID int64) (string, string, error) {
	sc, err := s.Get(scriptID)
	if err != nil {
		return "", "", err
	}
	p, err := s.projects.Get(projectID)
	if err != nil {
		return "", "", err
	}
	name := validation.Slugify(sc.Name)
	if name == "" {
		name = "script"
	}
	return name + "." + languageOf(sc.Language).ext, s.Prepare(sc, p, ScriptRun{ProjectID: projectID}), nil
}
