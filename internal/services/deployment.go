package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/metrics"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/notify"
	"github.com/pandeptwidyaop/devflow/internal/queue"
	"github.com/pandeptwidyaop/devflow/internal/remote"
)

var (
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrDeploymentFinished = errors.New("deployment already finished")
)

// deployWait is how long a deploy job waits when its project is busy.
const deployWait = 10 * time.Second

// DeployJob is the payload of a deploy queue job.
type DeployJob struct {
	DeploymentID int64 `json:"deployment_id"`
}

type DeploymentService struct {
	db            *database.DB
	cfg           *config.Config
	projects      *ProjectService
	servers       *ServerService
	queue         *queue.Queue
	notifications *NotificationService
	logger        zerolog.Logger
	hub           *streamHub
	runningMu     sync.Mutex
	running       map[int64]context.CancelFunc
	now           func() time.Time
}

func NewDeploymentService(db *database.DB, cfg *config.Config, projects *ProjectService, servers *ServerService,
	q *queue.Queue, notifications *NotificationService, logger zerolog.Logger) *DeploymentService {
	return &DeploymentService{
		db:            db,
		cfg:           cfg,
		projects:      projects,
		servers:       servers,
		queue:         q,
		notifications: notifications,
		logger:        logger.With().Str("component", "deployer").Logger(),
		hub:           newStreamHub(),
		running:       make(map[int64]context.CancelFunc),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

const deploymentColumns = `d.id, d.project_id, d.status, d.trigger_type, COALESCE(d.commit_hash, ''), COALESCE(d.commit_message, ''),
	COALESCE(d.branch, ''), COALESCE(d.triggered_by, ''), COALESCE(d.output, ''), d.exit_code, d.started_at, d.finished_at,
	d.created_at, p.name`

func scanDeployment(row scanner) (*models.Deployment, error) {
	var d models.Deployment
	var exitCode sql.NullInt64
	var started, finished sql.NullTime
	err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &d.Trigger, &d.CommitHash, &d.CommitMessage,
		&d.Branch, &d.TriggeredBy, &d.Output, &exitCode, &started, &finished, &d.CreatedAt, &d.ProjectName)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		d.ExitCode = &code
	}
	d.StartedAt = timePtr(started)
	d.FinishedAt = timePtr(finished)
	return &d, nil
}

// Deploy records a pending deployment and queues it.
func (s *DeploymentService) Deploy(project *models.Project, opts models.DeployOptions) (*models.Deployment, error) {
	if opts.Trigger == "" {
		opts.Trigger = models.TriggerManual
	}
	if opts.Branch == "" {
		opts.Branch = project.Branch
	}
	res, err := s.db.Exec(`
		INSERT INTO deployments (project_id, status, trigger_type, commit_hash, commit_message, branch, triggered_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		project.ID, models.DeploymentPending, opts.Trigger, nullString(opts.CommitHash),
		nullString(truncate(opts.CommitMessage, 1000)), opts.Branch, nullString(opts.TriggeredBy), s.now(),
	)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()

	if _, err := s.queue.Dispatch(queue.QueueDeployments, queue.ClassDeploy, DeployJob{DeploymentID: id}, 0); err != nil {
		s.finish(id, models.DeploymentFailed, "failed to queue deployment: "+err.Error(), -1)
		return nil, fmt.Errorf("queue deployment: %w", err)
	}
	s.logger.Info().Int64("deployment_id", id).Str("project", project.Slug).Str("trigger", string(opts.Trigger)).Msg("deployment queued")
	return s.Get(id)
}

func (s *DeploymentService) Get(id int64) (*models.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRow(
		"SELECT "+deploymentColumns+" FROM deployments d JOIN projects p ON p.id = d.project_id WHERE d.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeploymentNotFound
	}
	return d, err
}

// List returns deployments newest first. projectID 0 lists all projects.
func (s *DeploymentService) List(projectID int64, limit, offset int) ([]*models.Deployment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := "SELECT " + deploymentColumns + " FROM deployments d JOIN projects p ON p.id = d.project_id"
	args := []any{}
	if projectID > 0 {
		q += " WHERE d.project_id = ?"
		args = append(args, projectID)
	}
	q += " ORDER BY d.id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		// Listings omit the full log.
		d.Output = ""
		out = append(out, d)
	}
	return out, rows.Err()
}

// Latest returns the newest deployment of a project, or nil.
func (s *DeploymentService) Latest(projectID int64) (*models.Deployment, error) {
	d, err := scanDeployment(s.db.QueryRow(
		"SELECT "+deploymentColumns+" FROM deployments d JOIN projects p ON p.id = d.project_id WHERE d.project_id = ? ORDER BY d.id DESC LIMIT 1",
		projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// HandleJob is the queue handler for deploy jobs.
func (s *DeploymentService) HandleJob(ctx context.Context, job *models.Job) error {
	var p DeployJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode deploy job: %w", err)
	}
	d, err := s.Get(p.DeploymentID)
	if errors.Is(err, ErrDeploymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Status.Finished() {
		return nil
	}

	busy, err := s.projectBusy(d.ProjectID, d.ID)
	if err != nil {
		return err
	}
	if busy {
		return queue.Postpone(deployWait)
	}
	return s.Execute(ctx, d.ID)
}

// ResetForRetry reopens the failed deployment of a requeued job.
func (s *DeploymentService) ResetForRetry(payload json.RawMessage) error {
	var p DeployJob
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode deploy job: %w", err)
	}
	_, err := s.db.Exec(`
		UPDATE deployments SET status = ?, exit_code = NULL, started_at = NULL, finished_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
		models.DeploymentPending, p.DeploymentID, models.DeploymentFailed, models.DeploymentRunning)
	return err
}

func (s *DeploymentService) projectBusy(projectID, exceptID int64) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM deployments WHERE project_id = ? AND status = ? AND id != ?",
		projectID, models.DeploymentRunning, exceptID).Scan(&n)
	return n > 0, err
}

// Execute runs a deployment to completion, streaming output to subscribers.
// A failing deploy command is a recorded outcome, not an error.
func (s *DeploymentService) Execute(ctx context.Context, id int64) error {
	log := s.logger.With().Int64("deployment_id", id).Logger()

	d, err := s.Get(id)
	if err != nil {
		return err
	}
	project, err := s.projects.Get(d.ProjectID)
	if err != nil {
		s.finish(id, models.DeploymentFailed, err.Error(), -1)
		return nil
	}
	srv, err := s.servers.Lookup(project.ServerID)
	if err != nil {
		s.finish(id, models.DeploymentFailed, "server: "+err.Error(), -1)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runningMu.Lock()
	s.running[id] = cancel
	s.runningMu.Unlock()
	defer func() {
		s.runningMu.Lock()
		delete(s.running, id)
		s.runningMu.Unlock()
	}()

	started := s.now()
	if _, err := s.db.Exec("UPDATE deployments SET status = ?, started_at = ? WHERE id = ?", models.DeploymentRunning, started, id); err != nil {
		return err
	}
	d.Status, d.StartedAt = models.DeploymentRunning, &started
	s.notify(notify.EventDeploymentStarted, project, d)
	log.Info().Str("project", project.Slug).Str("dir", project.WorkingDir).Msg("deployment started")

	out := newOutputCollector(s.hub, id, s.cfg.Execution.MaxOutputSize)
	cmd := remote.Command{
		Script:  s.deployScript(project, d),
		Dir:     project.WorkingDir,
		Env:     deployEnv(project, d),
		Timeout: s.timeout(),
	}
	code, runErr := s.servers.Stream(ctx, srv, cmd, out, out)

	status := models.DeploymentSuccess
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		status = models.DeploymentCancelled
		_, _ = out.Write([]byte("Deployment cancelled\n"))
	case runErr != nil:
		status = models.DeploymentFailed
		_, _ = out.Write([]byte(runErr.Error() + "\n"))
	case code != 0:
		status = models.DeploymentFailed
	}
	s.finish(id, status, out.String(), code)

	log.Info().Str("status", string(status)).Int("exit_code", code).Dur("duration", s.now().Sub(started)).Msg("deployment finished")
	if final, err := s.Get(id); err == nil {
		event := notify.EventDeploymentCompleted
		if status != models.DeploymentSuccess {
			event = notify.EventDeploymentFailed
		}
		s.notify(event, project, final)
	}
	return nil
}

func (s *DeploymentService) deployScript(p *models.Project, d *models.Deployment) string {
	if p.DeployCommand != "" {
		return p.DeployCommand
	}
	branch := d.Branch
	if branch == "" {
		branch = p.Branch
	}
	return "git pull origin " + remote.Quote(branch)
}

func deployEnv(p *models.Project, d *models.Deployment) map[string]string {
	env := make(map[string]string, len(p.EnvVariables)+4)
	for k, v := range p.EnvVariables {
		env[k] = v
	}
	env["DEVFLOW_PROJECT"] = p.Slug
	env["DEVFLOW_DEPLOYMENT_ID"] = strconv.FormatInt(d.ID, 10)
	env["DEVFLOW_BRANCH"] = d.Branch
	env["DEVFLOW_COMMIT"] = d.CommitHash
	return env
}

func (s *DeploymentService) timeout() time.Duration {
	t := s.cfg.Execution.DefaultTimeout
	if limit := s.cfg.Execution.MaxTimeout; limit > 0 && t > limit {
		t = limit
	}
	if t <= 0 {
		t = 300
	}
	return time.Duration(t) * time.Second
}

func (s *DeploymentService) finish(id int64, status models.DeploymentStatus, output string, exitCode int) {
	_, err := s.db.Exec(
		"UPDATE deployments SET status = ?, output = ?, exit_code = ?, finished_at = ? WHERE id = ?",
		status, output, exitCode, s.now(), id,
	)
	if err != nil {
		s.logger.Error().Err(err).Int64("deployment_id", id).Msg("failed to store deployment result")
	}
	metrics.ObserveDeployment(string(status))
	s.hub.complete(id, string(status))
}

func (s *DeploymentService) notify(event string, p *models.Project, d *models.Deployment) {
	if s.notifications == nil {
		return
	}
	url := ""
	if s.cfg.Server.PublicURL != "" {
		url = fmt.Sprintf("%s%s/api/deployments/%d", s.cfg.Server.PublicURL, s.cfg.Server.PathPrefix, d.ID)
	}
	s.notifications.DispatchAsync(notify.Deployment(event, p, d, url))
}

// Cancel stops a running deployment or marks a pending one cancelled.
func (s *DeploymentService) Cancel(id int64) error {
	d, err := s.Get(id)
	if err != nil {
		return err
	}
	if d.Status.Finished() {
		return ErrDeploymentFinished
	}

	s.runningMu.Lock()
	cancel, ok := s.running[id]
	s.runningMu.Unlock()
	if ok {
		cancel()
		return nil
	}

	res, err := s.db.Exec("UPDATE deployments SET status = ?, finished_at = ? WHERE id = ? AND status = ?",
		models.DeploymentCancelled, s.now(), id, models.DeploymentPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeploymentFinished
	}
	s.hub.complete(id, string(models.DeploymentCancelled))
	return nil
}

// Subscribe returns a channel receiving "output:" and "complete:" messages.
func (s *DeploymentService) Subscribe(id int64) chan string {
	return s.hub.subscribe(id)
}

func (s *DeploymentService) Unsubscribe(id int64, ch chan string) {
	s.hub.unsubscribe(id, ch)
}
