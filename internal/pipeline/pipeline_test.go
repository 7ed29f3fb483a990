package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pandeptwidyaop/devflow/internal/models"
)

func samplePipeline(provider string) *models.Pipeline {
	return &models.Pipeline{
		Name:          "CI",
		Provider:      provider,
		Enabled:       true,
		TriggerEvents: []string{"push", "pull_request"},
		BranchFilters: []string{"main", "release/*"},
		Configuration: models.PipelineConfig{
			Env: map[string]string{"APP_ENV": "testing"},
			Stages: []models.PipelineStage{
				{Name: "Test", Steps: []models.PipelineStep{{Name: "unit", Run: "go test ./..."}}},
				{Name: "Build", Steps: []models.PipelineStep{{Name: "binary", Run: "go build ./cmd/devflow"}}},
			},
		},
	}
}

func TestShouldTrigger(t *testing.T) {
	p := samplePipeline(models.ProviderCustom)

	assert.True(t, ShouldTrigger(p, "push", "main"))
	assert.True(t, ShouldTrigger(p, "push", "release/1.2"))
	assert.False(t, ShouldTrigger(p, "push", "feature/x"))
	assert.False(t, ShouldTrigger(p, "tag", "main"))

	p.BranchFilters = nil
	assert.True(t, ShouldTrigger(p, "pull_request", "anything"))

	p.Enabled = false
	assert.False(t, ShouldTrigger(p, "push", "main"))
}

func TestGenerate_GitHub(t *testing.T) {
	name, out, err := Generate(samplePipeline(models.ProviderGitHub))
	require.NoError(t, err)
	assert.Equal(t, ".github/workflows/devflow.yml", name)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(out, &doc))
	jobs, ok := doc["jobs"].(map[string]any)
	require.True(t, ok, "jobs mapping in %s", out)
	build := jobs["build"].(map[string]any)
	assert.Equal(t, "test", build["needs"])
	assert.Equal(t, "ubuntu-latest", build["runs-on"])
	assert.True(t, strings.Index(string(out), "name: CI") < strings.Index(string(out), "jobs:"), "keys keep their order")
}

func TestGenerate_GitLabAndBitbucket(t *testing.T) {
	_, out, err := Generate(samplePipeline(models.ProviderGitLab))
	require.NoError(t, err)
	var gl map[string]any
	require.NoError(t, yaml.Unmarshal(out, &gl))
	assert.Equal(t, []any{"test", "build"}, gl["stages"])
	job := gl["test-unit"].(map[string]any)
	assert.Equal(t, []any{"go test ./..."}, job["script"])

	_, out, err = Generate(samplePipeline(models.ProviderBitbucket))
	require.NoError(t, err)
	var bb map[string]any
	require.NoError(t, yaml.Unmarshal(out, &bb))
	pipelines := bb["pipelines"].(map[string]any)
	assert.Contains(t, pipelines["branches"], "release/*")
}

func TestGenerate_Jenkins(t *testing.T) {
	name, out, err := Generate(samplePipeline(models.ProviderJenkins))
	require.NoError(t, err)
	assert.Equal(t, "Jenkinsfile", name)
	assert.Contains(t, string(out), "stage('Test')")
	assert.Contains(t, string(out), "sh '''go test ./...'''")
	assert.Contains(t, string(out), "APP_ENV = 'testing'")
}

func TestGenerate_Errors(t *testing.T) {
	p := samplePipeline("travis")
	_, _, err := Generate(p)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	p.Configuration.Stages = nil
	_, _, err = Generate(p)
	assert.ErrorIs(t, err, ErrNoStages)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
stages:
  - name: test
    steps:
      - run: make test
`))
	require.NoError(t, err)
	assert.Equal(t, "step-1", cfg.Stages[0].Steps[0].Name)

	_, err = ParseConfig([]byte("stages: []"))
	assert.ErrorIs(t, err, ErrNoStages)

	_, err = ParseConfig([]byte("stages:\n  - name: x\n    steps:\n      - name: empty\n"))
	assert.Error(t, err)
}

func TestStatusMaps(t *testing.T) {
	tests := []struct {
		provider string
		in       ExternalStatus
		want     models.RunStatus
	}{
		{models.ProviderGitHub, ExternalStatus{Status: "completed", Conclusion: "success"}, models.RunSuccess},
		{models.ProviderGitHub, ExternalStatus{Status: "completed", Conclusion: "timed_out"}, models.RunFailed},
		{models.ProviderGitHub, ExternalStatus{Status: "in_progress"}, models.RunRunning},
		{models.ProviderGitHub, ExternalStatus{Status: "queued"}, models.RunQueued},
		{models.ProviderGitLab, ExternalStatus{Status: "canceled"}, models.RunCancelled},
		{models.ProviderGitLab, ExternalStatus{Status: "preparing"}, models.RunPending},
		{models.ProviderJenkins, ExternalStatus{Building: true}, models.RunRunning},
		{models.ProviderJenkins, ExternalStatus{Result: "UNSTABLE"}, models.RunFailed},
		{models.ProviderJenkins, ExternalStatus{}, models.RunQueued},
		{models.ProviderBitbucket, ExternalStatus{Status: "COMPLETED", Result: "SUCCESSFUL"}, models.RunSuccess},
	}
	for _, tt := range tests {
		got, err := MapStatus(tt.provider, tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s %+v", tt.provider, tt.in)
	}

	_, err := MapStatus(models.ProviderCustom, ExternalStatus{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
