package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/pipeline"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
)

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrRunNotFound      = errors.New("pipeline run not found")
	ErrRunFinished      = errors.New("pipeline run already finished")
	ErrPipelineDisabled = errors.New("pipeline is disabled")
)

// PipelineJob is the payload of a pipeline queue job.
type PipelineJob struct {
	RunID int64 `json:"run_id"`
}

type PipelineService struct {
	db        *database.DB
	cfg       *config.Config
	projects  *ProjectService
	servers   *ServerService
	queue     *queue.Queue
	logger    zerolog.Logger
	hub       *streamHub
	runningMu sync.Mutex
	running   map[int64]context.CancelFunc
	now       func() time.Time
}

func NewPipelineService(db *database.DB, cfg *config.Config, projects *ProjectService, servers *ServerService,
	q *queue.Queue, logger zerolog.Logger) *PipelineService {
	return &PipelineService{
		db:       db,
		cfg:      cfg,
		projects: projects,
		servers:  servers,
		queue:    q,
		logger:   logger.With().Str("component", "pipelines").Logger(),
		hub:      newStreamHub(),
		running:  make(map[int64]context.CancelFunc),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

const pipelineColumns = `id, project_id, name, provider, trigger_events, branch_filters, configuration, enabled, created_at, updated_at`

func scanPipeline(row scanner) (*models.Pipeline, error) {
	var p models.Pipeline
	var events, filters, conf sql.NullString
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Provider, &events, &filters, &conf, &p.Enabled,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := fromJSON(events, &p.TriggerEvents); err != nil {
		return nil, err
	}
	if err := fromJSON(filters, &p.BranchFilters); err != nil {
		return nil, err
	}
	if err := fromJSON(conf, &p.Configuration); err != nil {
		return nil, err
	}
	if p.TriggerEvents == nil {
		p.TriggerEvents = []string{}
	}
	if p.BranchFilters == nil {
		p.BranchFilters = []string{}
	}
	return &p, nil
}

func (s *PipelineService) Create(req models.CreatePipelineRequest) (*models.Pipeline, error) {
	if _, err := s.projects.Get(req.ProjectID); err != nil {
		return nil, err
	}
	events, err := toJSON(req.TriggerEvents)
	if err != nil {
		return nil, err
	}
	filters, err := toJSON(req.BranchFilters)
	if err != nil {
		return nil, err
	}
	conf, err := toJSON(req.Configuration)
	if err != nil {
		return nil, err
	}
	now := s.now()
	res, err := s.db.Exec(`
		INSERT INTO pipelines (project_id, name, provider, trigger_events, branch_filters, configuration, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ProjectID, req.Name, req.Provider, events, filters, conf, boolOr(req.Enabled, true), now, now)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return s.Get(id)
}

// Get loads a pipeline with its most recent run.
func (s *PipelineService) Get(id int64) (*models.Pipeline, error) {
	p, err := scanPipeline(s.db.QueryRow("SELECT "+pipelineColumns+" FROM pipelines WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.LastRun, err = s.lastRun(p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns pipelines of a project, or all when projectID is 0.
func (s *PipelineService) List(projectID int64) ([]*models.Pipeline, error) {
	q := "SELECT " + pipelineColumns + " FROM pipelines"
	args := []any{}
	if projectID > 0 {
		q += " WHERE project_id = ?"
		args = append(args, projectID)
	}
	pipelines, err := s.query(q+" ORDER BY name", args...)
	if err != nil {
		return nil, err
	}
	for _, p := range pipelines {
		if p.LastRun, err = s.lastRun(p.ID); err != nil {
			return nil, err
		}
	}
	return pipelines, nil
}

func (s *PipelineService) query(q string, args ...any) ([]*models.Pipeline, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.Pipeline, 0)
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PipelineService) Update(id int64, req models.UpdatePipelineRequest) (*models.Pipeline, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.Provider != nil {
		p.Provider = *req.Provider
	}
	if req.TriggerEvents != nil {
		p.TriggerEvents = req.TriggerEvents
	}
	if req.BranchFilters != nil {
		p.BranchFilters = req.BranchFilters
	}
	if req.Configuration != nil {
		p.Configuration = *req.Configuration
	}
	p.Enabled = boolOr(req.Enabled, p.Enabled)

	events, err := toJSON(p.TriggerEvents)
	if err != nil {
		return nil, err
	}
	filters, err := toJSON(p.BranchFilters)
	if err != nil {
		return nil, err
	}
	conf, err := toJSON(p.Configuration)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`
		UPDATE pipelines SET name = ?, provider = ?, trigger_events = ?, branch_filters = ?, configuration = ?,
			enabled = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Provider, events, filters, conf, p.Enabled, s.now(), id)
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *PipelineService) Delete(id int64) error {
	res, err := s.db.Exec("DELETE FROM pipelines WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

// Toggle flips the enabled flag.
func (s *PipelineService) Toggle(id int64) (*models.Pipeline, error) {
	res, err := s.db.Exec("UPDATE pipelines SET enabled = NOT enabled, updated_at = ? WHERE id = ?", s.now(), id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrPipelineNotFound
	}
	return s.Get(id)
}

// GenerateConfig renders the provider CI file for a pipeline.
func (s *PipelineService) GenerateConfig(id int64) (string, []byte, error) {
	p, err := s.Get(id)
	if err != nil {
		return "", nil, err
	}
	return pipeline.Generate(p)
}

// RunOptions describes what started a run.
type RunOptions struct {
	Trigger    models.Trigger
	CommitHash string
	Branch     string
}

// Run records a queued run and enqueues it.
func (s *PipelineService) Run(id int64, opts RunOptions) (*models.PipelineRun, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !p.Enabled && opts.Trigger != models.TriggerManual {
		return nil, ErrPipelineDisabled
	}
	return s.start(p, opts)
}

func (s *PipelineService) start(p *models.Pipeline, opts RunOptions) (*models.PipelineRun, error) {
	if opts.Trigger == "" {
		opts.Trigger = models.TriggerManual
	}
	if opts.Branch == "" {
		if project, err := s.projects.Get(p.ProjectID); err == nil {
			opts.Branch = project.Branch
		}
	}
	res, err := s.db.Exec(`
		INSERT INTO pipeline_runs (pipeline_id, status, trigger_type, commit_hash, branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, models.RunQueued, opts.Trigger, nullString(opts.CommitHash), nullString(opts.Branch), s.now())
	if err != nil {
		return nil, err
	}
	runID, _ := res.LastInsertId()
	if _, err := s.queue.Dispatch(queue.QueuePipelines, queue.ClassPipeline, PipelineJob{RunID: runID}, 0); err != nil {
		s.complete(runID, models.RunFailed, "failed to queue run: "+err.Error())
		return nil, err
	}
	s.logger.Info().Int64("pipeline_id", p.ID).Int64("run_id", runID).Str("trigger", string(opts.Trigger)).Msg("pipeline run queued")
	return s.GetRun(runID)
}

// TriggerForEvent starts every pipeline of the project that subscribes to
// event on branch.
func (s *PipelineService) TriggerForEvent(projectID int64, event, branch, commit string) ([]*models.PipelineRun, error) {
	pipelines, err := s.query("SELECT "+pipelineColumns+" FROM pipelines WHERE project_id = ? AND enabled = ?", projectID, true)
	if err != nil {
		return nil, err
	}
	runs := make([]*models.PipelineRun, 0)
	for _, p := range pipelines {
		if !pipeline.ShouldTrigger(p, event, branch) {
			continue
		}
		run, err := s.start(p, RunOptions{Trigger: models.TriggerWebhook, CommitHash: commit, Branch: branch})
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

const runColumns = `id, pipeline_id, status, trigger_type, COALESCE(commit_hash, ''), COALESCE(branch, ''),
	COALESCE(error_message, ''), started_at, completed_at, created_at`

func scanRun(row scanner) (*models.PipelineRun, error) {
	var r models.PipelineRun
	var started, completed sql.NullTime
	if err := row.Scan(&r.ID, &r.PipelineID, &r.Status, &r.Trigger, &r.CommitHash, &r.Branch,
		&r.ErrorMessage, &started, &completed, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

func (s *PipelineService) lastRun(pipelineID int64) (*models.PipelineRun, error) {
	r, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM pipeline_runs WHERE pipeline_id = ? ORDER BY id DESC LIMIT 1", pipelineID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// GetRun loads a run with its step logs.
func (s *PipelineService) GetRun(id int64) (*models.PipelineRun, error) {
	r, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM pipeline_runs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT id, run_id, stage, step, status, COALESCE(output, ''), created_at
		FROM pipeline_run_logs WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	r.Logs = make([]models.PipelineLog, 0)
	for rows.Next() {
		var l models.PipelineLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Stage, &l.Step, &l.Status, &l.Output, &l.CreatedAt); err != nil {
			return nil, err
		}
		r.Logs = append(r.Logs, l)
	}
	return r, rows.Err()
}

// Runs lists a pipeline's runs, newest first, without logs.
func (s *PipelineService) Runs(pipelineID int64, limit int) ([]*models.PipelineRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.Query("SELECT "+runColumns+" FROM pipeline_runs WHERE pipeline_id = ? ORDER BY id DESC LIMIT ?", pipelineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.PipelineRun, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HandleJob is the queue handler for pipeline jobs.
func (s *PipelineService) HandleJob(ctx context.Context, job *models.Job) error {
	var p PipelineJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode pipeline job: %w", err)
	}
	return s.Execute(ctx, p.RunID)
}

// ResetForRetry requeues the failed run of a retried job.
func (s *PipelineService) ResetForRetry(payload json.RawMessage) error {
	var p PipelineJob
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode pipeline job: %w", err)
	}
	_, err := s.db.Exec(`
		UPDATE pipeline_runs SET status = ?, error_message = NULL, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
		models.RunQueued, p.RunID, models.RunFailed, models.RunRunning)
	return err
}

// Execute runs a custom pipeline: stages in order, steps in order, stopping
// at the first failing step. External providers run elsewhere; their runs
// stay queued until ReportStatus is called.
func (s *PipelineService) Execute(ctx context.Context, runID int64) error {
	run, err := s.GetRun(runID)
	if errors.Is(err, ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status.Finished() {
		return nil
	}
	p, err := s.Get(run.PipelineID)
	if err != nil {
		s.complete(runID, models.RunFailed, err.Error())
		return nil
	}
	if p.Provider != models.ProviderCustom {
		s.logger.Info().Int64("run_id", runID).Str("provider", p.Provider).Msg("run delegated to provider")
		return nil
	}
	project, err := s.projects.Get(p.ProjectID)
	if err != nil {
		s.complete(runID, models.RunFailed, err.Error())
		return nil
	}
	srv, err := s.servers.Lookup(project.ServerID)
	if err != nil {
		s.complete(runID, models.RunFailed, err.Error())
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runningMu.Lock()
	s.running[runID] = cancel
	s.runningMu.Unlock()
	defer func() {
		s.runningMu.Lock()
		delete(s.running, runID)
		s.runningMu.Unlock()
	}()

	if _, err := s.db.Exec("UPDATE pipeline_runs SET status = ?, started_at = ? WHERE id = ?", models.RunRunning, s.now(), runID); err != nil {
		return err
	}

	env := make(map[string]string, len(project.EnvVariables)+len(p.Configuration.Env)+3)
	for k, v := range project.EnvVariables {
		env[k] = v
	}
	for k, v := range p.Configuration.Env {
		env[k] = v
	}
	env["DEVFLOW_PIPELINE_RUN_ID"] = fmt.Sprint(runID)
	env["DEVFLOW_BRANCH"] = run.Branch
	env["DEVFLOW_COMMIT"] = run.CommitHash

	for _, stage := range p.Configuration.Stages {
		for _, step := range stage.Steps {
			out := newOutputCollector(s.hub, runID, s.cfg.Execution.MaxOutputSize)
			code, runErr := s.servers.Stream(ctx, srv, remote.Command{
				Script:  step.Run,
				Dir:     project.WorkingDir,
				Env:     env,
				Timeout: time.Duration(s.cfg.Execution.MaxTimeout) * time.Second,
			}, out, out)

			status := "success"
			var failure string
			switch {
			case errors.Is(ctx.Err(), context.Canceled):
				status, failure = "cancelled", "cancelled"
			case runErr != nil:
				status, failure = "failed", runErr.Error()
			case code != 0:
				status, failure = "failed", fmt.Sprintf("exit code %d", code)
			}
			if _, err := s.db.Exec(`INSERT INTO pipeline_run_logs (run_id, stage, step, status, output, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				runID, stage.Name, step.Name, status, out.String(), s.now()); err != nil {
				s.logger.Error().Err(err).Int64("run_id", runID).Msg("store step log")
			}

			if status == "cancelled" {
				s.complete(runID, models.RunCancelled, "")
				return nil
			}
			if failure != "" {
				s.complete(runID, models.RunFailed, fmt.Sprintf("Stage %q step %q failed: %s", stage.Name, step.Name, failure))
				return nil
			}
		}
	}
	s.complete(runID, models.RunSuccess, "")
	return nil
}

func (s *PipelineService) complete(runID int64, status models.RunStatus, msg string) {
	_, err := s.db.Exec("UPDATE pipeline_runs SET status = ?, error_message = ?, completed_at = ? WHERE id = ?",
		status, nullString(msg), s.now(), runID)
	if err != nil {
		s.logger.Error().Err(err).Int64("run_id", runID).Msg("store run result")
	}
	s.hub.complete(runID, string(status))
	s.logger.Info().Int64("run_id", runID).Str("status", string(status)).Msg("pipeline run finished")
}

// Cancel stops a running custom run or cancels a run that has not started.
func (s *PipelineService) Cancel(runID int64) error {
	run, err := s.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Finished() {
		return ErrRunFinished
	}
	s.runningMu.Lock()
	cancel, ok := s.running[runID]
	s.runningMu.Unlock()
	if ok {
		cancel()
		return nil
	}
	s.complete(runID, models.RunCancelled, "")
	return nil
}

// Retry starts a new run with the trigger, commit and branch of an old one.
func (s *PipelineService) Retry(runID int64) (*models.PipelineRun, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}
	p, err := s.Get(run.PipelineID)
	if err != nil {
		return nil, err
	}
	return s.start(p, RunOptions{Trigger: run.Trigger, CommitHash: run.CommitHash, Branch: run.Branch})
}

// ReportStatus applies a status reported by an external provider.
func (s *PipelineService) ReportStatus(runID int64, st pipeline.ExternalStatus) (*models.PipelineRun, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, err
	}
	p, err := s.Get(run.PipelineID)
	if err != nil {
		return nil, err
	}
	status, err := pipeline.MapStatus(p.Provider, st)
	if err != nil {
		return nil, err
	}
	now := s.now()
	switch {
	case status.Finished():
		_, err = s.db.Exec("UPDATE pipeline_runs SET status = ?, completed_at = ?, started_at = COALESCE(started_at, ?) WHERE id = ?", status, now, now, runID)
	case status == models.RunRunning:
		_, err = s.db.Exec("UPDATE pipeline_runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?", status, now, runID)
	default:
		_, err = s.db.Exec("UPDATE pipeline_runs SET status = ? WHERE id = ?", status, runID)
	}
	if err != nil {
		return nil, err
	}
	return s.GetRun(runID)
}

// SubscribeRun streams a custom run's step output.
func (s *PipelineService) SubscribeRun(runID int64) chan string {
	return s.hub.subscribe(runID)
}

func (s *PipelineService) UnsubscribeRun(runID int64, ch chan string) {
	s.hub.unsubscribe(runID, ch)
}
