package kube

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pandeptwidyaop/devflow/internal/models"
)

const sampleKubeconfig = `apiVersion: v1
kind: Config
current-context: prod
clusters:
- name: dev-cluster
  cluster:
    server: https://dev.example.com:6443
- name: prod-cluster
  cluster:
    server: https://prod.example.com:6443
    insecure-skip-tls-verify: true
contexts:
- name: dev
  context:
    cluster: dev-cluster
    user: dev-user
- name: prod
  context:
    cluster: prod-cluster
    user: prod-user
    namespace: apps
users:
- name: dev-user
  user:
    token: dev-token
- name: prod-user
  user:
    token: prod-token
`

func TestParse_RequiresSections(t *testing.T) {
	_, err := Parse("clusters: []\ncontexts: []\n")
	require.ErrorIs(t, err, ErrInvalidKubeconfig)
	assert.Contains(t, err.Error(), `"users"`)

	_, err = Parse("::: not yaml")
	require.ErrorIs(t, err, ErrInvalidKubeconfig)
}

func TestCredentials_CurrentContext(t *testing.T) {
	kc, err := Parse(sampleKubeconfig)
	require.NoError(t, err)

	creds, err := kc.Credentials()
	require.NoError(t, err)
	assert.Equal(t, "https://prod.example.com:6443", creds.Server)
	assert.Equal(t, "prod-token", creds.Token)
	assert.Equal(t, "apps", creds.Namespace)
	assert.True(t, creds.Insecure)

	tlsCfg, err := creds.TLSConfig()
	require.NoError(t, err)
	assert.True(t, tlsCfg.InsecureSkipVerify)
}

func TestCredentials_NoContext(t *testing.T) {
	kc, err := Parse("clusters: []\ncontexts: []\nusers: []\n")
	require.NoError(t, err)
	_, err = kc.Credentials()
	assert.ErrorIs(t, err, ErrNoContext)
}

func TestTLSConfig_RejectsBadCA(t *testing.T) {
	creds := &Credentials{CA: []byte("not a certificate"), Insecure: true}
	_, err := creds.TLSConfig()
	assert.ErrorIs(t, err, ErrInvalidKubeconfig)
}

func TestCredentials_BadBase64(t *testing.T) {
	raw := strings.Replace(sampleKubeconfig, "insecure-skip-tls-verify: true",
		"certificate-authority-data: '%%%'", 1)
	kc, err := Parse(raw)
	require.NoError(t, err)
	_, err = kc.Credentials()
	assert.ErrorIs(t, err, ErrInvalidKubeconfig)
}

func TestIsSensitive(t *testing.T) {
	for name, want := range map[string]bool{
		"DB_PASSWORD":    true,
		"app_key":        true,
		"STRIPE_TOKEN":   true,
		"AWS_REGION":     true,
		"APP_URL":        false,
		"CACHE_DRIVER":   false,
		"MAIL_FROM_NAME": false,
	} {
		assert.Equal(t, want, IsSensitive(name), name)
	}
}

func testProject() *models.Project {
	return &models.Project{
		Name:   "Shop",
		Slug:   "shop",
		Domain: "shop.example.com",
		EnvVariables: map[string]string{
			"APP_URL":     "https://shop.example.com",
			"DB_PASSWORD": "hunter2",
		},
	}
}

func TestGenerate_Defaults(t *testing.T) {
	manifests := Generate(testProject(), Options{})

	kinds := make([]string, 0, len(manifests))
	for _, m := range manifests {
		kinds = append(kinds, m.Kind)
	}
	assert.Equal(t, []string{"Namespace", "ConfigMap", "Secret", "Deployment", "Service", "Ingress"}, kinds)

	config := manifests[1].Object["data"].(map[string]any)
	assert.Equal(t, "https://shop.example.com", config["APP_URL"])
	assert.NotContains(t, config, "DB_PASSWORD")

	secret := manifests[2].Object["stringData"].(map[string]any)
	assert.Equal(t, "hunter2", secret["DB_PASSWORD"])

	spec := manifests[3].Object["spec"].(map[string]any)
	assert.Equal(t, 3, spec["replicas"])
}

func TestGenerate_AutoscalingWithoutHost(t *testing.T) {
	p := testProject()
	p.Domain = ""
	manifests := Generate(p, Options{EnableAutoscaling: true, Replicas: 2, Registry: "registry.local/"})

	last := manifests[len(manifests)-1]
	assert.Equal(t, "HorizontalPodAutoscaler", last.Kind)
	for _, m := range manifests {
		assert.NotEqual(t, "Ingress", m.Kind)
	}

	out, err := Render(manifests)
	require.NoError(t, err)
	assert.Contains(t, out, "image: registry.local/shop:latest")

	dec := yaml.NewDecoder(strings.NewReader(out))
	docs := 0
	for {
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			break
		}
		docs++
	}
	assert.Equal(t, len(manifests), docs)
}
