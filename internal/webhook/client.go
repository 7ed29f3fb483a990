package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pandeptwidyaop/devflow/internal/config"
)

var (
	ErrProviderNotConfigured = errors.New("provider credentials not configured")
	ErrInvalidRepositoryURL  = errors.New("invalid repository URL")
	ErrUnsupportedProvider   = errors.New("unsupported webhook provider")
)

const (
	githubAPI    = "https://api.github.com"
	bitbucketAPI = "https://api.bitbucket.org/2.0"
)

// Hook describes a webhook to register on a repository.
type Hook struct {
	RepositoryURL string
	CallbackURL   string
	Secret        string
	Description   string
}

// TestResult is the outcome of pinging or looking up a registered hook.
type TestResult struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Success    bool   `json:"success"`
}

// Client talks to provider REST APIs to manage repository webhooks.
type Client struct {
	http         *http.Client
	cfg          config.WebhooksConfig
	githubBase   string
	bitbucketAPI string
}

func NewClient(cfg config.WebhooksConfig) *Client {
	return &Client{
		http:         &http.Client{Timeout: 30 * time.Second},
		cfg:          cfg,
		githubBase:   githubAPI,
		bitbucketAPI: bitbucketAPI,
	}
}

// WithBaseURLs overrides API endpoints, mainly for tests.
func (c *Client) WithBaseURLs(github, gitlab, bitbucket string) *Client {
	c.githubBase = github
	c.cfg.GitLabURL = gitlab
	c.bitbucketAPI = bitbucket
	return c
}

// Setup registers a hook and returns the provider's hook id.
func (c *Client) Setup(ctx context.Context, provider string, h Hook) (string, error) {
	switch provider {
	case ProviderGitHub:
		if c.cfg.GitHubToken == "" {
			return "", fmt.Errorf("%w: github", ErrProviderNotConfigured)
		}
		owner, repo := GitHubRepo(h.RepositoryURL)
		if owner == "" {
			return "", ErrInvalidRepositoryURL
		}
		var out struct {
			ID int64 `json:"id"`
		}
		err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/repos/%s/%s/hooks", c.githubBase, owner, repo), c.githubAuth, map[string]any{
			"name":   "web",
			"active": true,
			"events": []string{"push", "pull_request", "release"},
			"config": map[string]any{
				"url":          h.CallbackURL,
				"content_type": "json",
				"secret":       h.Secret,
				"insecure_ssl": "0",
			},
		}, &out)
		return fmt.Sprint(out.ID), err

	case ProviderGitLab:
		if c.cfg.GitLabToken == "" {
			return "", fmt.Errorf("%w: gitlab", ErrProviderNotConfigured)
		}
		id := GitLabProjectID(h.RepositoryURL)
		if id == "" {
			return "", ErrInvalidRepositoryURL
		}
		var out struct {
			ID int64 `json:"id"`
		}
		err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/api/v4/projects/%s/hooks", c.gitlabBase(), id), c.gitlabAuth, map[string]any{
			"url":                     h.CallbackURL,
			"token":                   h.Secret,
			"push_events":             true,
			"merge_requests_events":   true,
			"tag_push_events":         true,
			"releases_events":         true,
			"enable_ssl_verification": true,
		}, &out)
		return fmt.Sprint(out.ID), err

	case ProviderBitbucket:
		if c.cfg.BitbucketUsername == "" || c.cfg.BitbucketAppPassword == "" {
			return "", fmt.Errorf("%w: bitbucket", ErrProviderNotConfigured)
		}
		ws, slug := BitbucketRepo(h.RepositoryURL)
		if ws == "" {
			return "", ErrInvalidRepositoryURL
		}
		var out struct {
			UUID string `json:"uuid"`
		}
		err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/repositories/%s/%s/hooks", c.bitbucketAPI, ws, slug), c.bitbucketAuth, map[string]any{
			"description": h.Description,
			"url":         h.CallbackURL,
			"active":      true,
			"events":      []string{"repo:push", "pullrequest:created", "pullrequest:updated", "pullrequest:fulfilled"},
		}, &out)
		return out.UUID, err
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
}

// Delete removes a previously registered hook.
func (c *Client) Delete(ctx context.Context, provider, repoURL, hookID string) error {
	u, auth, err := c.hookURL(provider, repoURL, hookID)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, u, auth, nil, nil)
}

// Test pings a GitHub hook or confirms a GitLab/Bitbucket hook still exists.
func (c *Client) Test(ctx context.Context, provider, repoURL, hookID string) (*TestResult, error) {
	u, auth, err := c.hookURL(provider, repoURL, hookID)
	if err != nil {
		return nil, err
	}
	method, okMsg := http.MethodGet, "Webhook exists and is active"
	if provider == ProviderGitHub {
		method, u, okMsg = http.MethodPost, u+"/pings", "Ping sent successfully"
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	auth(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	res := &TestResult{StatusCode: resp.StatusCode, Success: resp.StatusCode < 300}
	if res.Success {
		res.Message = okMsg
	} else {
		res.Message = strings.TrimSpace(string(body))
	}
	return res, nil
}

func (c *Client) hookURL(provider, repoURL, hookID string) (string, func(*http.Request), error) {
	switch provider {
	case ProviderGitHub:
		owner, repo := GitHubRepo(repoURL)
		if owner == "" {
			return "", nil, ErrInvalidRepositoryURL
		}
		return fmt.Sprintf("%s/repos/%s/%s/hooks/%s", c.githubBase, owner, repo, hookID), c.githubAuth, nil
	case ProviderGitLab:
		id := GitLabProjectID(repoURL)
		if id == "" {
			return "", nil, ErrInvalidRepositoryURL
		}
		return fmt.Sprintf("%s/api/v4/projects/%s/hooks/%s", c.gitlabBase(), id, hookID), c.gitlabAuth, nil
	case ProviderBitbucket:
		ws, slug := BitbucketRepo(repoURL)
		if ws == "" {
			return "", nil, ErrInvalidRepositoryURL
		}
		return fmt.Sprintf("%s/repositories/%s/%s/hooks/%s", c.bitbucketAPI, ws, slug, hookID), c.bitbucketAuth, nil
	}
	return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
}

func (c *Client) do(ctx context.Context, method, u string, auth func(*http.Request), in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *Client) gitlabBase() string {
	if c.cfg.GitLabURL == "" {
		return "https://gitlab.com"
	}
	return strings.TrimSuffix(c.cfg.GitLabURL, "/")
}

func (c *Client) githubAuth(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.cfg.GitHubToken)
}

func (c *Client) gitlabAuth(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.cfg.GitLabToken)
}

func (c *Client) bitbucketAuth(r *http.Request) {
	r.SetBasicAuth(c.cfg.BitbucketUsername, c.cfg.BitbucketAppPassword)
}
