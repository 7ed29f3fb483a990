package services

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/webhook"
)

var (
	ErrInvalidWebhookSecret = errors.New("invalid webhook secret")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidToken         = errors.New("invalid token")
	ErrInvalidDeployToken   = errors.New("invalid webhook token")
	ErrAutoDeployDisabled   = errors.New("auto-deploy is not enabled")
	ErrUntrustedSource      = errors.New("request did not come from a trusted source")
)

// Response messages returned to providers.
const (
	MsgDeploymentTriggered = "Deployment triggered successfully"
	MsgEventAcknowledged   = "Event acknowledged but not processed"
	MsgPong                = "pong"
)

// WebhookRequest is an inbound provider call reduced to what verification needs.
type WebhookRequest struct {
	Secret     string
	Event      string
	Signature  string
	Token      string
	DeliveryID string
	SourceIP   string
	Body       []byte
}

// WebhookResult is the JSON body answered to the provider.
type WebhookResult struct {
	DeploymentID *int64  `json:"deployment_id,omitempty"`
	Message      string  `json:"message"`
	PipelineRuns []int64 `json:"pipeline_runs,omitempty"`
}

// WebhookIntakeService verifies provider webhooks and turns pushes into
// deployments and pipeline runs.
type WebhookIntakeService struct {
	projects    *ProjectService
	deployments *DeploymentService
	pipelines   *PipelineService
	logger      zerolog.Logger
}

func NewWebhookIntakeService(projects *ProjectService, deployments *DeploymentService, pipelines *PipelineService, logger zerolog.Logger) *WebhookIntakeService {
	return &WebhookIntakeService{
		projects:    projects,
		deployments: deployments,
		pipelines:   pipelines,
		logger:      logger.With().Str("component", "webhooks").Logger(),
	}
}

// HandleGitHub verifies X-Hub-Signature-256 against the project secret.
func (s *WebhookIntakeService) HandleGitHub(req WebhookRequest) (*WebhookResult, error) {
	project, err := s.enabledProject(webhook.ProviderGitHub, req)
	if err != nil {
		return nil, err
	}
	if !webhook.VerifyGitHub(req.Body, project.WebhookSecret, req.Signature) {
		s.record(project, webhook.ProviderGitHub, req, models.DeliveryUnauthorized, "Invalid signature")
		return nil, ErrInvalidSignature
	}
	if req.Event == "ping" {
		s.record(project, webhook.ProviderGitHub, req, models.DeliveryProcessed, MsgPong)
		return &WebhookResult{Message: MsgPong}, nil
	}
	push, err := webhook.ParseGitHub(req.Event, req.Body)
	if err != nil {
		s.record(project, webhook.ProviderGitHub, req, models.DeliveryFailed, err.Error())
		return nil, err
	}
	return s.process(project, webhook.ProviderGitHub, req, push)
}

// HandleGitLab compares X-Gitlab-Token with the project secret.
func (s *WebhookIntakeService) HandleGitLab(req WebhookRequest) (*WebhookResult, error) {
	project, err := s.enabledProject(webhook.ProviderGitLab, req)
	if err != nil {
		return nil, err
	}
	if !webhook.VerifyToken(req.Token, project.WebhookSecret) {
		s.record(project, webhook.ProviderGitLab, req, models.DeliveryUnauthorized, "Invalid token")
		s.logger.Warn().Str("project", project.Slug).Str("ip", req.SourceIP).Msg("gitlab webhook with invalid token")
		return nil, ErrInvalidToken
	}
	push, err := webhook.ParseGitLab(req.Event, req.Body)
	if err != nil {
		s.record(project, webhook.ProviderGitLab, req, models.DeliveryFailed, err.Error())
		return nil, err
	}
	return s.process(project, webhook.ProviderGitLab, req, push)
}

// HandleBitbucket trusts requests from Bitbucket Cloud address ranges.
func (s *WebhookIntakeService) HandleBitbucket(req WebhookRequest) (*WebhookResult, error) {
	project, err := s.enabledProject(webhook.ProviderBitbucket, req)
	if err != nil {
		return nil, err
	}
	if !webhook.BitbucketIPAllowed(req.SourceIP) {
		s.record(project, webhook.ProviderBitbucket, req, models.DeliveryUnauthorized, "Untrusted source "+req.SourceIP)
		return nil, ErrUntrustedSource
	}
	push, err := webhook.ParseBitbucket(req.Event, req.Body)
	if err != nil {
		s.record(project, webhook.ProviderBitbucket, req, models.DeliveryFailed, err.Error())
		return nil, err
	}
	return s.process(project, webhook.ProviderBitbucket, req, push)
}

// HandleDeployToken deploys a project addressed by slug or webhook secret.
// The body may be empty, {"branch","commit"}, or any provider push payload.
func (s *WebhookIntakeService) HandleDeployToken(req WebhookRequest) (*WebhookResult, error) {
	project, err := s.projects.GetBySlug(req.Secret)
	if errors.Is(err, ErrProjectNotFound) {
		project, err = s.projects.GetByWebhookSecret(req.Secret)
	}
	if errors.Is(err, ErrProjectNotFound) {
		return nil, ErrInvalidDeployToken
	}
	if err != nil {
		return nil, err
	}
	if !project.AutoDeploy {
		s.record(project, webhook.ProviderCustom, req, models.DeliveryIgnored, "Auto-deploy is not enabled")
		return nil, ErrAutoDeployDisabled
	}

	push := parseAnyPush(req.Body)
	if push.Branch == "" {
		push.Branch = project.Branch
	}
	d, err := s.deployments.Deploy(project, models.DeployOptions{
		Trigger:       models.TriggerWebhook,
		CommitHash:    push.Commit,
		CommitMessage: push.CommitMessage,
		Branch:        push.Branch,
		TriggeredBy:   "webhook",
	})
	if err != nil {
		s.record(project, webhook.ProviderCustom, req, models.DeliveryFailed, err.Error())
		return nil, err
	}
	s.record(project, webhook.ProviderCustom, req, models.DeliveryProcessed, fmt.Sprintf("Deployment #%d triggered", d.ID))
	return &WebhookResult{Message: MsgDeploymentTriggered, DeploymentID: &d.ID}, nil
}

func (s *WebhookIntakeService) enabledProject(provider string, req WebhookRequest) (*models.Project, error) {
	project, err := s.projects.GetByWebhookSecret(req.Secret)
	if errors.Is(err, ErrProjectNotFound) {
		s.logger.Warn().Str("provider", provider).Str("ip", req.SourceIP).Msg("webhook for unknown secret")
		return nil, ErrInvalidWebhookSecret
	}
	if err != nil {
		return nil, err
	}
	if !project.WebhookEnabled {
		s.record(project, provider, req, models.DeliveryUnauthorized, "Webhooks disabled")
		return nil, ErrInvalidWebhookSecret
	}
	return project, nil
}

func (s *WebhookIntakeService) process(project *models.Project, provider string, req WebhookRequest, push *webhook.Push) (*WebhookResult, error) {
	result := &WebhookResult{Message: MsgEventAcknowledged}

	if s.pipelines != nil && push.Event != "" {
		branch := push.Branch
		if branch == "" {
			branch = push.Tag
		}
		runs, err := s.pipelines.TriggerForEvent(project.ID, push.Event, branch, push.Commit)
		if err != nil {
			s.logger.Error().Err(err).Str("project", project.Slug).Msg("trigger pipelines")
		}
		for _, r := range runs {
			result.PipelineRuns = append(result.PipelineRuns, r.ID)
		}
	}

	if push.Event != "push" || push.Branch != project.Branch {
		msg := fmt.Sprintf("Ignored %s event for %q", push.Event, firstNonEmptyStr(push.Branch, push.Tag))
		if len(result.PipelineRuns) > 0 {
			msg += fmt.Sprintf(", started %d pipeline run(s)", len(result.PipelineRuns))
		}
		s.record(project, provider, req, models.DeliveryIgnored, msg)
		return result, nil
	}

	d, err := s.deployments.Deploy(project, models.DeployOptions{
		Trigger:       models.TriggerWebhook,
		CommitHash:    push.Commit,
		CommitMessage: push.CommitMessage,
		Branch:        push.Branch,
		TriggeredBy:   "webhook",
	})
	if err != nil {
		s.record(project, provider, req, models.DeliveryFailed, err.Error())
		return nil, err
	}
	s.logger.Info().Str("project", project.Slug).Str("provider", provider).Str("sender", push.Sender).
		Str("commit", push.Commit).Int64("deployment_id", d.ID).Msg("webhook deployment triggered")
	s.record(project, provider, req, models.DeliveryProcessed, fmt.Sprintf("Deployment #%d triggered", d.ID))
	result.Message = MsgDeploymentTriggered
	result.DeploymentID = &d.ID
	return result, nil
}

func (s *WebhookIntakeService) record(project *models.Project, provider string, req WebhookRequest, status, msg string) {
	d := models.WebhookDelivery{
		Provider:        provider,
		EventType:       req.Event,
		DeliveryID:      req.DeliveryID,
		Status:          status,
		ResponseMessage: msg,
		Payload:         string(req.Body),
	}
	if project != nil {
		d.ProjectID = &project.ID
	}
	if err := s.projects.RecordDelivery(d); err != nil {
		s.logger.Error().Err(err).Msg("record webhook delivery")
	}
}

// parseAnyPush reads an explicit {"branch","commit"} body or sniffs a
// provider payload. Unparseable bodies yield an empty push.
func parseAnyPush(body []byte) *webhook.Push {
	empty := &webhook.Push{Event: "push"}
	if len(body) == 0 {
		return empty
	}
	var peek struct {
		Branch     string          `json:"branch"`
		Commit     string          `json:"commit"`
		Message    string          `json:"commit_message"`
		ObjectKind string          `json:"object_kind"`
		Ref        string          `json:"ref"`
		Push       json.RawMessage `json:"push"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return empty
	}

	var push *webhook.Push
	var err error
	switch {
	case peek.Branch != "" || peek.Commit != "":
		return &webhook.Push{Event: "push", Branch: peek.Branch, Commit: peek.Commit, CommitMessage: peek.Message}
	case peek.ObjectKind != "":
		push, err = webhook.ParseGitLab("", body)
	case len(peek.Push) > 0:
		push, err = webhook.ParseBitbucket("repo:push", body)
	case peek.Ref != "":
		push, err = webhook.ParseGitHub("push", body)
	default:
		return empty
	}
	if err != nil {
		return empty
	}
	return push
}

func firstNonEmptyStr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
