// Package pipeline renders CI provider files from a pipeline definition and
// maps provider run states onto internal run statuses.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/webhook"
)

var (
	ErrNoStages        = errors.New("pipeline has no stages")
	ErrUnknownProvider = errors.New("unknown pipeline provider")
)

const defaultImage = "ubuntu:22.04"

// ShouldTrigger reports whether p runs for event on branch: it must be
// enabled, list the event and match a branch filter (no filters match all).
func ShouldTrigger(p *models.Pipeline, event, branch string) bool {
	if !p.Enabled {
		return false
	}
	found := false
	for _, e := range p.TriggerEvents {
		if e == event {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return webhook.MatchBranch(p.BranchFilters, branch)
}

// Filename is where the provider expects its CI file in the repository.
func Filename(provider string) string {
	switch provider {
	case models.ProviderGitHub:
		return ".github/workflows/devflow.yml"
	case models.ProviderGitLab:
		return ".gitlab-ci.yml"
	case models.ProviderBitbucket:
		return "bitbucket-pipelines.yml"
	case models.ProviderJenkins:
		return "Jenkinsfile"
	}
	return "devflow-pipeline.yml"
}

// Generate renders the CI file for p's provider.
func Generate(p *models.Pipeline) (filename string, content []byte, err error) {
	if len(p.Configuration.Stages) == 0 {
		return "", nil, ErrNoStages
	}
	var doc any
	switch p.Provider {
	case models.ProviderGitHub:
		doc = githubWorkflow(p)
	case models.ProviderGitLab:
		doc = gitlabCI(p)
	case models.ProviderBitbucket:
		doc = bitbucketPipelines(p)
	case models.ProviderJenkins:
		return Filename(p.Provider), []byte(jenkinsfile(p)), nil
	case models.ProviderCustom, "":
		doc = p.Configuration
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p.Provider)
	}
	out, err := marshal(doc)
	if err != nil {
		return "", nil, err
	}
	return Filename(p.Provider), out, nil
}

// ParseConfig reads a stored pipeline definition from YAML.
func ParseConfig(data []byte) (models.PipelineConfig, error) {
	var cfg models.PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse pipeline yaml: %w", err)
	}
	if len(cfg.Stages) == 0 {
		return cfg, ErrNoStages
	}
	for i, st := range cfg.Stages {
		if st.Name == "" {
			cfg.Stages[i].Name = fmt.Sprintf("stage-%d", i+1)
		}
		for j, step := range st.Steps {
			if strings.TrimSpace(step.Run) == "" {
				return cfg, fmt.Errorf("stage %q step %d has no run command", cfg.Stages[i].Name, j+1)
			}
			if step.Name == "" {
				cfg.Stages[i].Steps[j].Name = fmt.Sprintf("step-%d", j+1)
			}
		}
	}
	return cfg, nil
}

func marshal(doc any) ([]byte, error) {
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// ordered is a YAML mapping that keeps insertion order.
type ordered []item

type item struct {
	Value any
	Key   string
}

func (m ordered) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, it := range m {
		var v yaml.Node
		if err := v.Encode(it.Value); err != nil {
			return nil, err
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: it.Key}, &v)
	}
	return n, nil
}

func jobID(name string) string {
	id := strings.Trim(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, name), "-")
	if id == "" {
		return "job"
	}
	return id
}

func branches(p *models.Pipeline) []string {
	if len(p.BranchFilters) == 0 {
		return []string{"main"}
	}
	return p.BranchFilters
}

func hasEvent(p *models.Pipeline, event string) bool {
	for _, e := range p.TriggerEvents {
		if e == event {
			return true
		}
	}
	return false
}

func githubWorkflow(p *models.Pipeline) ordered {
	on := ordered{}
	if hasEvent(p, "push") || len(p.TriggerEvents) == 0 {
		on = append(on, item{Key: "push", Value: ordered{{Key: "branches", Value: branches(p)}}})
	}
	if hasEvent(p, "pull_request") {
		on = append(on, item{Key: "pull_request", Value: ordered{{Key: "branches", Value: branches(p)}}})
	}
	if hasEvent(p, "tag") {
		on = append(on, item{Key: "create", Value: map[string]any{}})
	}
	on = append(on, item{Key: "workflow_dispatch", Value: map[string]any{}})

	jobs := ordered{}
	prev := ""
	for _, st := range p.Configuration.Stages {
		steps := []any{ordered{{Key: "uses", Value: "actions/checkout@v4"}}}
		for _, step := range st.Steps {
			steps = append(steps, ordered{{Key: "name", Value: step.Name}, {Key: "run", Value: step.Run}})
		}
		job := ordered{{Key: "runs-on", Value: "ubuntu-latest"}}
		if prev != "" {
			job = append(job, item{Key: "needs", Value: prev})
		}
		job = append(job, item{Key: "steps", Value: steps})
		id := jobID(st.Name)
		jobs = append(jobs, item{Key: id, Value: job})
		prev = id
	}

	doc := ordered{{Key: "name", Value: p.Name}, {Key: "on", Value: on}}
	if len(p.Configuration.Env) > 0 {
		doc = append(doc, item{Key: "env", Value: p.Configuration.Env})
	}
	return append(doc, item{Key: "jobs", Value: jobs})
}

func gitlabCI(p *models.Pipeline) ordered {
	image := p.Configuration.Image
	if image == "" {
		image = defaultImage
	}
	stages := make([]string, 0, len(p.Configuration.Stages))
	for _, st := range p.Configuration.Stages {
		stages = append(stages, jobID(st.Name))
	}
	doc := ordered{{Key: "image", Value: image}, {Key: "stages", Value: stages}}
	if len(p.Configuration.Env) > 0 {
		doc = append(doc, item{Key: "variables", Value: p.Configuration.Env})
	}
	for _, st := range p.Configuration.Stages {
		for _, step := range st.Steps {
			job := ordered{
				{Key: "stage", Value: jobID(st.Name)},
				{Key: "script", Value: strings.Split(strings.TrimSpace(step.Run), "\n")},
			}
			if len(p.BranchFilters) > 0 {
				job = append(job, item{Key: "only", Value: p.BranchFilters})
			}
			doc = append(doc, item{Key: jobID(st.Name) + "-" + jobID(step.Name), Value: job})
		}
	}
	return doc
}

func bitbucketPipelines(p *models.Pipeline) ordered {
	image := p.Configuration.Image
	if image == "" {
		image = defaultImage
	}
	steps := make([]any, 0, len(p.Configuration.Stages))
	for _, st := range p.Configuration.Stages {
		script := make([]string, 0, len(st.Steps))
		for _, step := range st.Steps {
			script = append(script, strings.Split(strings.TrimSpace(step.Run), "\n")...)
		}
		steps = append(steps, ordered{{Key: "step", Value: ordered{{Key: "name", Value: st.Name}, {Key: "script", Value: script}}}})
	}

	pipelines := ordered{}
	if len(p.BranchFilters) == 0 {
		pipelines = append(pipelines, item{Key: "default", Value: steps})
	} else {
		byBranch := ordered{}
		for _, b := range p.BranchFilters {
			byBranch = append(byBranch, item{Key: b, Value: steps})
		}
		pipelines = append(pipelines, item{Key: "branches", Value: byBranch})
	}
	return ordered{{Key: "image", Value: image}, {Key: "pipelines", Value: pipelines}}
}

func jenkinsfile(p *models.Pipeline) string {
	var b strings.Builder
	b.WriteString("pipeline {\n    agent any\n")
	if len(p.Configuration.Env) > 0 {
		b.WriteString("    environment {\n")
		for _, k := range sortedKeys(p.Configuration.Env) {
			fmt.Fprintf(&b, "        %s = '%s'\n", k, groovyEscape(p.Configuration.Env[k]))
		}
		b.WriteString("    }\n")
	}
	b.WriteString("    stages {\n")
	for _, st := range p.Configuration.Stages {
		fmt.Fprintf(&b, "        stage('%s') {\n", groovyEscape(st.Name))
		if len(p.BranchFilters) > 0 {
			fmt.Fprintf(&b, "            when { branch '%s' }\n", groovyEscape(p.BranchFilters[0]))
		}
		b.WriteString("            steps {\n")
		for _, step := range st.Steps {
			fmt.Fprintf(&b, "                sh '''%s'''\n", strings.ReplaceAll(step.Run, "'''", `\'\'\'`))
		}
		b.WriteString("            }\n        }\n")
	}
	b.WriteString("    }\n}\n")
	return b.String()
}

func groovyEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GitHubStatus maps a workflow run status and conclusion.
func GitHubStatus(status, conclusion string) models.RunStatus {
	if status == "completed" {
		switch conclusion {
		case "success":
			return models.RunSuccess
		case "cancelled":
			return models.RunCancelled
		case "skipped":
			return models.RunSkipped
		}
		return models.RunFailed
	}
	switch status {
	case "queued":
		return models.RunQueued
	case "waiting":
		return models.RunPending
	}
	return models.RunRunning
}

// GitLabStatus maps a GitLab pipeline status.
func GitLabStatus(status string) models.RunStatus {
	switch status {
	case "success":
		return models.RunSuccess
	case "failed":
		return models.RunFailed
	case "canceled":
		return models.RunCancelled
	case "skipped":
		return models.RunSkipped
	case "pending":
		return models.RunQueued
	case "created", "waiting_for_resource", "preparing":
		return models.RunPending
	}
	return models.RunRunning
}

// JenkinsStatus maps a Jenkins build result. An empty result means queued.
func JenkinsStatus(result string, building bool) models.RunStatus {
	if building {
		return models.RunRunning
	}
	switch result {
	case "SUCCESS":
		return models.RunSuccess
	case "ABORTED":
		return models.RunCancelled
	case "NOT_BUILT":
		return models.RunSkipped
	case "":
		return models.RunQueued
	}
	return models.RunFailed
}

// BitbucketStatus maps a Bitbucket pipeline state name and result name.
func BitbucketStatus(state, result string) models.RunStatus {
	switch state {
	case "PENDING":
		return models.RunQueued
	case "IN_PROGRESS":
		return models.RunRunning
	}
	switch result {
	case "SUCCESSFUL":
		return models.RunSuccess
	case "STOPPED":
		return models.RunCancelled
	case "":
		return models.RunPending
	}
	return models.RunFailed
}

// ExternalStatus is what a provider reports about a run.
type ExternalStatus struct {
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Result     string `json:"result"`
	Building   bool   `json:"building"`
}

// MapStatus picks the provider specific mapping.
func MapStatus(provider string, s ExternalStatus) (models.RunStatus, error) {
	switch provider {
	case models.ProviderGitHub:
		return GitHubStatus(s.Status, s.Conclusion), nil
	case models.ProviderGitLab:
		return GitLabStatus(s.Status), nil
	case models.ProviderJenkins:
		return JenkinsStatus(s.Result, s.Building), nil
	case models.ProviderBitbucket:
		return BitbucketStatus(s.Status, s.Result), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
}
