package kube

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pandeptwidyaop/devflow/internal/models"
)

// Options tune the generated manifests. Zero values take the defaults below.
type Options struct {
	Image                   string `json:"image"`
	Registry                string `json:"registry"`
	Version                 string `json:"version"`
	Namespace               string `json:"namespace"`
	ServiceType             string `json:"service_type" binding:"omitempty,oneof=ClusterIP NodePort LoadBalancer"`
	Host                    string `json:"host"`
	MemoryRequest           string `json:"memory_request"`
	MemoryLimit             string `json:"memory_limit"`
	CPURequest              string `json:"cpu_request"`
	CPULimit                string `json:"cpu_limit"`
	Replicas                int    `json:"replicas" binding:"omitempty,min=1,max=100"`
	ContainerPort           int    `json:"container_port" binding:"omitempty,min=1,max=65535"`
	MinReplicas             int    `json:"min_replicas"`
	MaxReplicas             int    `json:"max_replicas"`
	TargetCPUUtilization    int    `json:"target_cpu_utilization"`
	TargetMemoryUtilization int    `json:"target_memory_utilization"`
	EnableTLS               bool   `json:"enable_tls"`
	EnableAutoscaling       bool   `json:"enable_autoscaling"`
}

func (o *Options) applyDefaults(p *models.Project) {
	if o.Namespace == "" {
		o.Namespace = p.Slug
	}
	if o.Version == "" {
		o.Version = "latest"
	}
	if o.Image == "" {
		o.Image = p.Slug + ":" + o.Version
		if o.Registry != "" {
			o.Image = strings.TrimRight(o.Registry, "/") + "/" + o.Image
		}
	}
	if o.Replicas == 0 {
		o.Replicas = 3
	}
	if o.ContainerPort == 0 {
		o.ContainerPort = 8000
	}
	if o.ServiceType == "" {
		o.ServiceType = "ClusterIP"
	}
	if o.Host == "" {
		o.Host = p.Domain
	}
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&o.MemoryRequest, "256Mi")
	def(&o.MemoryLimit, "512Mi")
	def(&o.CPURequest, "100m")
	def(&o.CPULimit, "500m")
	if o.MinReplicas == 0 {
		o.MinReplicas = 2
	}
	if o.MaxReplicas == 0 {
		o.MaxReplicas = 10
	}
	if o.TargetCPUUtilization == 0 {
		o.TargetCPUUtilization = 70
	}
	if o.TargetMemoryUtilization == 0 {
		o.TargetMemoryUtilization = 80
	}
}

// Manifest is one Kubernetes object.
type Manifest struct {
	Object map[string]any `json:"object"`
	Kind   string         `json:"kind"`
	Name   string         `json:"name"`
}

var sensitivePatterns = []string{"PASSWORD", "SECRET", "KEY", "TOKEN", "CREDENTIAL", "API_", "AWS_", "GOOGLE_"}

// IsSensitive reports whether an environment variable belongs in a Secret.
func IsSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range sensitivePatterns {
		if strings.Contains(upper, p) {
			return true
		}
	}
	return false
}

// Generate builds the manifests for p in apply order.
func Generate(p *models.Project, opts Options) []Manifest {
	opts.applyDefaults(p)
	slug := p.Slug
	ns := opts.Namespace
	labels := map[string]any{"app": slug, "managed-by": "devflow"}

	config := map[string]any{
		"APP_NAME":    p.Name,
		"APP_ENV":     "production",
		"LOG_CHANNEL": "stderr",
	}
	secret := map[string]any{}
	for k, v := range p.EnvVariables {
		if IsSensitive(k) {
			secret[k] = v
		} else {
			config[k] = v
		}
	}

	meta := func(name string) map[string]any {
		return map[string]any{"name": name, "namespace": ns, "labels": labels}
	}

	out := []Manifest{
		{Kind: "Namespace", Name: ns, Object: map[string]any{
			"apiVersion": "v1",
			"kind":       "Namespace",
			"metadata":   map[string]any{"name": ns, "labels": labels},
		}},
		{Kind: "ConfigMap", Name: slug + "-config", Object: map[string]any{
			"apiVersion": "v1",
			"kind":       "ConfigMap",
			"metadata":   meta(slug + "-config"),
			"data":       config,
		}},
		{Kind: "Secret", Name: slug + "-secret", Object: map[string]any{
			"apiVersion": "v1",
			"kind":       "Secret",
			"metadata":   meta(slug + "-secret"),
			"type":       "Opaque",
			"stringData": secret,
		}},
		{Kind: "Deployment", Name: slug + "-deployment", Object: deployment(slug, meta(slug+"-deployment"), opts)},
		{Kind: "Service", Name: slug + "-service", Object: map[string]any{
			"apiVersion": "v1",
			"kind":       "Service",
			"metadata":   meta(slug + "-service"),
			"spec": map[string]any{
				"selector": map[string]any{"app": slug},
				"type":     opts.ServiceType,
				"ports": []any{map[string]any{
					"protocol":   "TCP",
					"port":       80,
					"targetPort": opts.ContainerPort,
				}},
			},
		}},
	}

	if opts.Host != "" {
		out = append(out, Manifest{Kind: "Ingress", Name: slug + "-ingress", Object: ingress(slug, meta(slug+"-ingress"), opts)})
	}
	if opts.EnableAutoscaling {
		out = append(out, Manifest{Kind: "HorizontalPodAutoscaler", Name: slug + "-hpa", Object: map[string]any{
			"apiVersion": "autoscaling/v2",
			"kind":       "HorizontalPodAutoscaler",
			"metadata":   meta(slug + "-hpa"),
			"spec": map[string]any{
				"scaleTargetRef": map[string]any{"apiVersion": "apps/v1", "kind": "Deployment", "name": slug + "-deployment"},
				"minReplicas":    opts.MinReplicas,
				"maxReplicas":    opts.MaxReplicas,
				"metrics": []any{
					utilization("cpu", opts.TargetCPUUtilization),
					utilization("memory", opts.TargetMemoryUtilization),
				},
			},
		}})
	}
	return out
}

func deployment(slug string, meta map[string]any, opts Options) map[string]any {
	httpCheck := func(path string, delay, period int) map[string]any {
		return map[string]any{
			"httpGet":             map[string]any{"path": path, "port": opts.ContainerPort},
			"initialDelaySeconds": delay,
			"periodSeconds":       period,
		}
	}
	podLabels := map[string]any{"app": slug, "version": opts.Version}
	return map[string]any{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   meta,
		"spec": map[string]any{
			"replicas": opts.Replicas,
			"strategy": map[string]any{
				"type":          "RollingUpdate",
				"rollingUpdate": map[string]any{"maxSurge": 1, "maxUnavailable": 0},
			},
			"selector": map[string]any{"matchLabels": map[string]any{"app": slug}},
			"template": map[string]any{
				"metadata": map[string]any{"labels": podLabels},
				"spec": map[string]any{
					"containers": []any{map[string]any{
						"name":            "app",
						"image":           opts.Image,
						"imagePullPolicy": "Always",
						"ports":           []any{map[string]any{"containerPort": opts.ContainerPort}},
						"envFrom": []any{
							map[string]any{"configMapRef": map[string]any{"name": slug + "-config"}},
							map[string]any{"secretRef": map[string]any{"name": slug + "-secret"}},
						},
						"resources": map[string]any{
							"requests": map[string]any{"memory": opts.MemoryRequest, "cpu": opts.CPURequest},
							"limits":   map[string]any{"memory": opts.MemoryLimit, "cpu": opts.CPULimit},
						},
						"livenessProbe":  httpCheck("/health", 30, 10),
						"readinessProbe": httpCheck("/ready", 5, 5),
					}},
				},
			},
		},
	}
}

func ingress(slug string, meta map[string]any, opts Options) map[string]any {
	meta["annotations"] = map[string]any{
		"kubernetes.io/ingress.class":              "nginx",
		"cert-manager.io/cluster-issuer":           "letsencrypt-prod",
		"nginx.ingress.kubernetes.io/ssl-redirect": fmt.Sprint(opts.EnableTLS),
	}
	spec := map[string]any{
		"rules": []any{map[string]any{
			"host": opts.Host,
			"http": map[string]any{"paths": []any{map[string]any{
				"path":     "/",
				"pathType": "Prefix",
				"backend": map[string]any{"service": map[string]any{
					"name": slug + "-service",
					"port": map[string]any{"number": 80},
				}},
			}}},
		}},
	}
	if opts.EnableTLS {
		spec["tls"] = []any{map[string]any{"hosts": []any{opts.Host}, "secretName": slug + "-tls"}}
	}
	return map[string]any{
		"apiVersion": "networking.k8s.io/v1",
		"kind":       "Ingress",
		"metadata":   meta,
		"spec":       spec,
	}
}

func utilization(resource string, target int) map[string]any {
	return map[string]any{
		"type": "Resource",
		"resource": map[string]any{
			"name":   resource,
			"target": map[string]any{"type": "Utilization", "averageUtilization": target},
		},
	}
}

// Render joins manifests into one multi-document YAML stream.
func Render(manifests []Manifest) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, m := range manifests {
		if err := enc.Encode(m.Object); err != nil {
			return "", fmt.Errorf("encode %s %s: %w", m.Kind, m.Name, err)
		}
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
