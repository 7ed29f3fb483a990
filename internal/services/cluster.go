package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/kube"
	"github.com/pandeptwidyaop/devflow/internal/models"
	"github.com/pandeptwidyaop/devflow/internal/remote"
)

var (
	ErrClusterNotFound  = errors.New("kubernetes cluster not found")
	ErrNoDefaultCluster = errors.New("no default kubernetes cluster configured")
)

// ClusterConnection is the outcome of a cluster connectivity test.
type ClusterConnection struct {
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// ClusterDeployResult carries the rendered bundle and kubectl output.
type ClusterDeployResult struct {
	Manifests string `json:"manifests"`
	Output    string `json:"output"`
	ExitCode  int    `json:"exit_code"`
	Success   bool   `json:"success"`
}

// ClusterService manages Kubernetes clusters and deploys projects to them.
type ClusterService struct {
	db      *database.DB
	crypto  *CryptoService
	servers *ServerService
	logger  zerolog.Logger
	now     func() time.Time
	// newHTTPClient is replaced in tests.
	newHTTPClient func(*kube.Credentials) (*http.Client, error)
}

func NewClusterService(db *database.DB, crypto *CryptoService, servers *ServerService, logger zerolog.Logger) *ClusterService {
	return &ClusterService{
		db:            db,
		crypto:        crypto,
		servers:       servers,
		logger:        logger.With().Str("component", "clusters").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
		newHTTPClient: clusterHTTPClient,
	}
}

func clusterHTTPClient(creds *kube.Credentials) (*http.Client, error) {
	tlsCfg, err := creds.TLSConfig()
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   15 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}, nil
}

const clusterColumns = `id, name, endpoint, namespace, COALESCE(kubeconfig, ''), is_default, created_at, updated_at`

func scanCluster(row scanner) (*models.KubernetesCluster, error) {
	var c models.KubernetesCluster
	err := row.Scan(&c.ID, &c.Name, &c.Endpoint, &c.Namespace, &c.Kubeconfig, &c.IsDefault, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create stores a cluster. The first cluster becomes the default.
func (s *ClusterService) Create(req models.CreateClusterRequest) (*models.KubernetesCluster, error) {
	if _, err := kube.Parse(req.Kubeconfig); err != nil {
		return nil, err
	}
	enc, err := s.crypto.Encrypt(req.Kubeconfig)
	if err != nil {
		return nil, err
	}
	if req.Namespace == "" {
		req.Namespace = "default"
	}

	var id int64
	err = s.db.Tx(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM kubernetes_clusters").Scan(&count); err != nil {
			return err
		}
		isDefault := req.IsDefault || count == 0
		if isDefault {
			if _, err := tx.Exec("UPDATE kubernetes_clusters SET is_default = FALSE"); err != nil {
				return err
			}
		}
		now := s.now()
		res, err := tx.Exec(`
			INSERT INTO kubernetes_clusters (name, endpoint, namespace, kubeconfig, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.Name, strings.TrimRight(req.Endpoint, "/"), req.Namespace, enc, isDefault, now, now,
		)
		if err != nil {
			return err
		}
		id, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

func (s *ClusterService) Get(id int64) (*models.KubernetesCluster, error) {
	c, err := scanCluster(s.db.QueryRow("SELECT "+clusterColumns+" FROM kubernetes_clusters WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClusterNotFound
	}
	return c, err
}

// Default returns the default cluster.
func (s *ClusterService) Default() (*models.KubernetesCluster, error) {
	c, err := scanCluster(s.db.QueryRow("SELECT " + clusterColumns + " FROM kubernetes_clusters WHERE is_default = TRUE LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDefaultCluster
	}
	return c, err
}

func (s *ClusterService) List() ([]*models.KubernetesCluster, error) {
	rows, err := s.db.Query("SELECT " + clusterColumns + " FROM kubernetes_clusters ORDER BY is_default DESC, name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clusters := make([]*models.KubernetesCluster, 0)
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

func (s *ClusterService) Update(id int64, req models.UpdateClusterRequest) (*models.KubernetesCluster, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		c.Name = *req.Name
	}
	if req.Endpoint != nil {
		c.Endpoint = strings.TrimRight(*req.Endpoint, "/")
	}
	if req.Namespace != nil {
		c.Namespace = *req.Namespace
	}
	if req.Kubeconfig != nil && *req.Kubeconfig != "" {
		if _, err := kube.Parse(*req.Kubeconfig); err != nil {
			return nil, err
		}
		if c.Kubeconfig, err = s.crypto.Encrypt(*req.Kubeconfig); err != nil {
			return nil, err
		}
	}

	err = s.db.Tx(func(tx *sql.Tx) error {
		if req.IsDefault != nil && *req.IsDefault {
			if _, err := tx.Exec("UPDATE kubernetes_clusters SET is_default = FALSE WHERE id != ?", id); err != nil {
				return err
			}
			c.IsDefault = true
		}
		_, err := tx.Exec(`
			UPDATE kubernetes_clusters SET name = ?, endpoint = ?, namespace = ?, kubeconfig = ?, is_default = ?, updated_at = ?
			WHERE id = ?`,
			c.Name, c.Endpoint, c.Namespace, c.Kubeconfig, c.IsDefault, s.now(), id,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(id)
}

// SetDefault makes id the only default cluster.
func (s *ClusterService) SetDefault(id int64) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return s.db.Tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("UPDATE kubernetes_clusters SET is_default = (id = ?), updated_at = ?", id, s.now()); err != nil {
			return err
		}
		return nil
	})
}

// Delete removes a cluster. When the default is removed the oldest remaining
// cluster takes its place.
func (s *ClusterService) Delete(id int64) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}
	return s.db.Tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM kubernetes_clusters WHERE id = ?", id); err != nil {
			return err
		}
		if !c.IsDefault {
			return nil
		}
		_, err := tx.Exec(`UPDATE kubernetes_clusters SET is_default = TRUE
			WHERE id = (SELECT id FROM kubernetes_clusters ORDER BY id LIMIT 1)`)
		return err
	})
}

func (s *ClusterService) credentials(c *models.KubernetesCluster) (string, *kube.Credentials, error) {
	raw, err := s.crypto.Decrypt(c.Kubeconfig)
	if err != nil {
		return "", nil, fmt.Errorf("decrypt kubeconfig: %w", err)
	}
	kc, err := kube.Parse(raw)
	if err != nil {
		return "", nil, err
	}
	creds, err := kc.Credentials()
	if err != nil {
		return "", nil, err
	}
	return raw, creds, nil
}

// TestConnection calls {endpoint}/version and reports the server gitVersion.
func (s *ClusterService) TestConnection(ctx context.Context, id int64) (*ClusterConnection, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	_, creds, err := s.credentials(c)
	if err != nil {
		return &ClusterConnection{Error: err.Error()}, nil
	}
	client, err := s.newHTTPClient(creds)
	if err != nil {
		return &ClusterConnection{Error: err.Error()}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/version", nil)
	if err != nil {
		return &ClusterConnection{Error: err.Error()}, nil
	}
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("cluster", c.Name).Msg("cluster unreachable")
		return &ClusterConnection{Error: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &ClusterConnection{Error: fmt.Sprintf("cluster returned HTTP %d", resp.StatusCode)}, nil
	}
	var info struct {
		GitVersion string `json:"gitVersion"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return &ClusterConnection{Error: "unexpected version response: " + err.Error()}, nil
	}
	return &ClusterConnection{Success: true, Version: info.GitVersion}, nil
}

// GenerateManifests renders the manifests for project into the cluster's namespace.
func (s *ClusterService) GenerateManifests(project *models.Project, c *models.KubernetesCluster, opts kube.Options) (string, error) {
	if opts.Namespace == "" && c != nil && c.Namespace != "default" {
		opts.Namespace = c.Namespace
	}
	return kube.Render(kube.Generate(project, opts))
}

// DeployToCluster applies the rendered manifests with kubectl on this host.
// A nil clusterID targets the default cluster.
func (s *ClusterService) DeployToCluster(ctx context.Context, project *models.Project, clusterID *int64, opts kube.Options) (*ClusterDeployResult, error) {
	var c *models.KubernetesCluster
	var err error
	if clusterID != nil {
		c, err = s.Get(*clusterID)
	} else {
		c, err = s.Default()
	}
	if err != nil {
		return nil, err
	}

	bundle, err := s.GenerateManifests(project, c, opts)
	if err != nil {
		return nil, err
	}
	raw, _, err := s.credentials(c)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "devflow-kubeconfig-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(raw); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	res, err := s.servers.Run(ctx, nil, remote.Command{
		Script:  "kubectl --kubeconfig " + remote.Quote(f.Name()) + " apply -f -",
		Stdin:   strings.NewReader(bundle),
		Timeout: 5 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	result := &ClusterDeployResult{
		Manifests: bundle,
		Output:    strings.TrimSpace(res.Stdout + "\n" + res.Stderr),
		ExitCode:  res.ExitCode,
		Success:   res.Success(),
	}
	s.logger.Info().Str("project", project.Slug).Str("cluster", c.Name).Bool("success", result.Success).Msg("cluster deploy finished")
	return result, nil
}
